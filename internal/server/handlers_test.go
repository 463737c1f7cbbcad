package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkosta/autopilot/internal/config"
	"github.com/mkosta/autopilot/internal/di"
	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/modules/policy"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		DataDir:    dir,
		PolicyPath: dir + "/policy.yaml",
		Port:       0,
		DemoMode:   true,
	}
	container, err := di.New(cfg, di.Options{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close() })

	return New(container)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestStatusRequiresUserID(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/autopilot/status", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusForUnknownUserReturnsSafeDefaults(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/autopilot/status?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	settings := body["settings"].(map[string]interface{})
	assert.Equal(t, false, settings["AutopilotEnabled"])

	circuits := body["circuits"].(map[string]interface{})
	assert.Equal(t, "CLOSED", circuits["global"])
	assert.Equal(t, "CLOSED", circuits["ethereum"])
	assert.Equal(t, "v1", body["policy_version"])
}

func TestValidateEndpointBlocksDisabledAutopilot(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/transactions/validate", map[string]interface{}{
		"user_id":        "u1",
		"wallet_address": "0x1111111111111111111111111111111111111111",
		"chain_id":       1,
		"action":         "deposit",
		"amount_usd":     50,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result domain.ValidationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.IsValid)
	assert.Contains(t, result.Reason, "not enabled")
}

func TestValidateEndpointPassesEnabledUser(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.container.SettingsRepo.Upsert(&policy.UserSettings{
		UserID:           "u1",
		AutopilotEnabled: true,
		MainnetEnabled:   true,
		AutonomyLevel:    domain.AutonomyNotifyOnly,
		Tier:             "starter",
		DrawdownLimit:    0.08,
	}))

	rec := doJSON(t, s, http.MethodPost, "/api/transactions/validate", map[string]interface{}{
		"user_id":        "u1",
		"wallet_address": "0x1111111111111111111111111111111111111111",
		"chain_id":       1,
		"action":         "deposit",
		"amount_usd":     50,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result domain.ValidationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.IsValid)
}

func TestValidationStatusReportsTierLimits(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.container.SettingsRepo.Upsert(&policy.UserSettings{
		UserID:           "u1",
		AutopilotEnabled: true,
		MainnetEnabled:   true,
		AutonomyLevel:    domain.AutonomyNotifyOnly,
		Tier:             "growth",
		DrawdownLimit:    0.08,
	}))

	rec := doJSON(t, s, http.MethodGet, "/api/transactions/status?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "growth", body["tier"])
	assert.Equal(t, "CLOSED", body["circuit_state"])
	assert.Equal(t, float64(0), body["daily_volume_usd"])
	assert.Equal(t, true, body["autopilot_enabled"])
}

func TestValidationStatusRequiresUserID(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/transactions/status", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingRepairsEmpty(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/autopilot/repairs/pending?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Empty(t, body["repairs"])
}

func TestExecuteUnknownRepairIsRejected(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/autopilot/repairs/nope/execute", map[string]interface{}{
		"user_id": "u1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
}

func TestPolicyUpdateRequiresVersionBump(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPut, "/api/autopilot/policy", map[string]interface{}{
		"version": "v1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, s, http.MethodPut, "/api/autopilot/policy", map[string]interface{}{
		"version": "v2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v2", s.container.PolicyStore.Current().Version)
}

func TestRevertLastWithNothingPending(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/autopilot/repairs/revert-last", map[string]interface{}{
		"user_id": "u1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["success"])
}

func TestConfirmRequiresIdentifiers(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/transactions/confirm", map[string]interface{}{
		"tx_hash": "0xabc",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemHealthReportsDatabases(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/system/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	databases := body["databases"].(map[string]interface{})
	assert.Contains(t, databases, "ledger")
	assert.Contains(t, databases, "portfolio")
}
