package gateway

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LiangLiang723/tabby-connection-gateway/internal/config"
	"github.com/LiangLiang723/tabby-connection-gateway/internal/tokenstore"
)

func newTestSupervisor() *Supervisor {
	cfg := config.DefaultConfig()
	return New(cfg, tokenstore.New(nil, ""), nil, slog.Default())
}

func TestAdminRouter_HealthAndMetricsAreUnauthenticated(t *testing.T) {
	sup := newTestSupervisor()
	router := NewAdminRouter(sup, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRouter_SessionsRequiresGatewayToken(t *testing.T) {
	sup := newTestSupervisor()
	router := NewAdminRouter(sup, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRouter_NoGatewayTokenDisablesAdminAPI(t *testing.T) {
	sup := newTestSupervisor()
	router := NewAdminRouter(sup, "")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminRouter_AddTokensRejectsEmptyArray(t *testing.T) {
	sup := newTestSupervisor()
	router := NewAdminRouter(sup, "secret")

	body, _ := json.Marshal(AddTokensRequest{Tokens: nil})
	req := httptest.NewRequest(http.MethodPost, "/api/tokens", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRouter_AddTokensRegistersThemForConsumption(t *testing.T) {
	sup := newTestSupervisor()
	router := NewAdminRouter(sup, "secret")

	body, _ := json.Marshal(AddTokensRequest{Tokens: []string{"A", "B"}})
	req := httptest.NewRequest(http.MethodPost, "/api/tokens", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.ElementsMatch(t, []string{"A", "B"}, sup.Tokens().Snapshot())
}
