// Command gwtoken mints one-time authentication tokens and pushes them to a
// running gateway's admin API. It stands in for the token-issuance
// component spec.md declares an external collaborator out of the gateway's
// core scope.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "gwtoken",
		Short: "mint and push one-time gateway authentication tokens",
	}
	root.AddCommand(newMintCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gwtoken:", err)
		os.Exit(1)
	}
}

func newMintCmd() *cobra.Command {
	var count int
	var adminURL string
	var gatewayToken string
	var printOnly bool

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "mint N one-time tokens and register them with the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}

			tokens := make([]string, count)
			for i := range tokens {
				tokens[i] = uuid.NewString()
			}

			if printOnly {
				for _, t := range tokens {
					fmt.Println(t)
				}
				return nil
			}

			if adminURL == "" {
				return fmt.Errorf("--admin-url is required unless --print-only is set")
			}

			return pushTokens(adminURL, gatewayToken, tokens)
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "number of one-time tokens to mint")
	cmd.Flags().StringVar(&adminURL, "admin-url", "", "base URL of the gateway's admin API, e.g. https://gateway:9444")
	cmd.Flags().StringVar(&gatewayToken, "gateway-token", "", "bearer token for the gateway's admin API")
	cmd.Flags().BoolVar(&printOnly, "print-only", false, "print the minted tokens instead of registering them")

	return cmd
}

func pushTokens(adminURL, gatewayToken string, tokens []string) error {
	body, err := json.Marshal(struct {
		Tokens []string `json:"tokens"`
	}{Tokens: tokens})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, adminURL+"/api/tokens", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+gatewayToken)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling admin API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("admin API returned HTTP %d", resp.StatusCode)
	}

	for _, t := range tokens {
		fmt.Println(t)
	}
	return nil
}
