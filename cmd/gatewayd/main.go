// Command gatewayd runs the tabby connection gateway: a TLS-terminating
// WebSocket server that authenticates clients and bridges each session to a
// downstream TCP endpoint the client names during the handshake.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LiangLiang723/tabby-connection-gateway/internal/config"
	"github.com/LiangLiang723/tabby-connection-gateway/internal/gateway"
	"github.com/LiangLiang723/tabby-connection-gateway/internal/metrics"
	"github.com/LiangLiang723/tabby-connection-gateway/internal/tlsconfig"
	"github.com/LiangLiang723/tabby-connection-gateway/internal/tokenstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "tabby connection gateway server",
	}
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		slog.Error("gatewayd exited with error", "error", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the gateway's WebSocket listener and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	slog.Info("starting tabby connection gateway")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tlsCfg, caSubjects, err := tlsconfig.Build(cfg.TLS)
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		slog.Info("TLS enabled")
		for _, subj := range caSubjects {
			slog.Info("authorized client CA", "subject", subj)
		}
	} else {
		slog.Warn("TLS disabled; serving plaintext WebSocket connections")
	}

	var oneTime []string
	tokens := tokenstore.New(oneTime, cfg.PermanentAuthToken)
	if cfg.PermanentAuthToken != "" {
		slog.Info("permanent auth token configured")
	}

	sup := gateway.New(cfg, tokens, metrics.Get(), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adminServer := &http.Server{
		Addr:    cfg.AdminListenAddr,
		Handler: gateway.NewAdminRouter(sup, cfg.GatewayToken),
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("admin API listening", "addr", cfg.AdminListenAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := sup.Serve(ctx, tlsCfg); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server error, shutting down", "error", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin API shutdown error", "error", err)
	}
	<-serveDone

	slog.Info("gateway shut down cleanly")
	return nil
}
