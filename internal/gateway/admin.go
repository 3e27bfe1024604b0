package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LiangLiang723/tabby-connection-gateway/internal/tokenstore"
)

// APIResponse is the standard response envelope for admin API responses.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// AddTokensRequest is the body of POST /api/tokens.
type AddTokensRequest struct {
	Tokens []string `json:"tokens"`
}

// NewAdminRouter builds the admin/metrics HTTP surface: health (unauthenticated),
// session introspection and token mutation (gateway-token authenticated), and
// Prometheus exposition (unauthenticated, conventionally firewalled).
func NewAdminRouter(sup *Supervisor, gatewayToken string) http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)
	r.Use(contentTypeMiddleware)

	r.HandleFunc("/api/health", handleHealth(sup)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware(gatewayToken))
	api.HandleFunc("/sessions", handleListSessions(sup)).Methods(http.MethodGet)
	api.HandleFunc("/tokens", handleAddTokens(sup)).Methods(http.MethodPost)

	return r
}

func authMiddleware(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusServiceUnavailable, "admin API disabled: no gateway token configured")
				return
			}

			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}
			if !tokenstore.ConstantTimeEqual(parts[1], token) {
				writeError(w, http.StatusForbidden, "invalid gateway token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("admin HTTP request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

func handleHealth(sup *Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, APIResponse{
			Success: true,
			Data: map[string]interface{}{
				"activeSessions": len(sup.ActiveSessions()),
			},
		})
	}
}

func handleListSessions(sup *Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, APIResponse{
			Success: true,
			Data:    sup.ActiveSessions(),
		})
	}
}

func handleAddTokens(sup *Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddTokensRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if len(req.Tokens) == 0 {
			writeError(w, http.StatusBadRequest, "tokens must be a non-empty array")
			return
		}

		for _, t := range req.Tokens {
			sup.Tokens().Add(t)
		}

		slog.Info("one-time tokens added via admin API", "count", len(req.Tokens))

		writeJSON(w, http.StatusCreated, APIResponse{
			Success: true,
			Data:    map[string]int{"added": len(req.Tokens)},
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode admin API response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIResponse{Success: false, Error: message})
}
