package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
	"github.com/mkosta/autopilot/internal/modules/autonomy"
	"github.com/mkosta/autopilot/internal/modules/policy"
	"github.com/mkosta/autopilot/internal/modules/validation"
)

// handleHealth handles liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "autopilot",
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

// userID pulls the user scope from the query string.
func userID(r *http.Request) string {
	return r.URL.Query().Get("user_id")
}

// handleAutopilotStatus reports the engine's view of one user: settings,
// portfolio drawdown state, and circuit state per supported chain.
func (s *Server) handleAutopilotStatus(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	settings, err := s.container.SettingsRepo.Get(uid)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}

	snapshot, err := s.container.PortfolioMon.Snapshot(r.Context(), uid)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", uid).Msg("Portfolio snapshot failed")
	}

	circuits := make(map[string]string, len(domain.SupportedChains)+1)
	if state, err := s.container.Breaker.GetState(r.Context(), 0); err == nil {
		circuits["global"] = string(state)
	}
	for chainID := range domain.SupportedChains {
		state, err := s.container.Breaker.GetState(r.Context(), chainID)
		if err != nil {
			continue
		}
		circuits[domain.ChainName(chainID)] = string(state)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"settings":       settings,
		"portfolio":      snapshot,
		"circuits":       circuits,
		"policy_version": s.container.PolicyStore.Current().Version,
	})
}

// handleUpdatePolicy replaces the policy document. The new document must
// carry a bumped version and pass the sanity floor.
func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var doc policy.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid policy document")
		return
	}

	if err := s.container.PolicyStore.Update(&doc); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.container.Bus.Publish(&events.PolicyUpdatedData{Version: doc.Version})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "policy updated",
		"version": doc.Version,
	})
}

// handlePendingRepairs lists the live suggestions from the user's latest
// planning run.
func (s *Server) handlePendingRepairs(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	pending := s.container.Suggestions.PendingFor(uid)
	if pending == nil {
		pending = []*domain.RepairSuggestion{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"repairs": pending,
	})
}

type executeRequest struct {
	UserID        string `json:"user_id"`
	Approved      bool   `json:"approved"`
	AuthPayload   string `json:"auth_payload,omitempty"`
	AuthSignature string `json:"auth_signature,omitempty"`
}

// handleExecuteRepair runs one suggested repair through the autonomy
// ladder.
func (s *Server) handleExecuteRepair(w http.ResponseWriter, r *http.Request) {
	repairID := chi.URLParam(r, "id")

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	outcome, err := s.container.Executor.Execute(r.Context(), autonomy.ExecuteRequest{
		UserID:       req.UserID,
		RepairID:     repairID,
		UserApproved: req.Approved,
		AuthPayload:  []byte(req.AuthPayload),
		AuthSig:      req.AuthSignature,
	})
	if err != nil {
		s.log.Error().Err(err).Str("repair_id", repairID).Msg("Repair execution failed")
		s.writeError(w, http.StatusInternalServerError, "execution failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": outcome.Status != autonomy.StatusRejected,
		"outcome": outcome,
	})
}

// handleRevertLast cancels the user's most recent still-pending move.
func (s *Server) handleRevertLast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	outcome, err := s.container.Executor.RevertLast(r.Context(), req.UserID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", req.UserID).Msg("Revert failed")
		s.writeError(w, http.StatusInternalServerError, "revert failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": outcome.Status != autonomy.StatusRejected,
		"outcome": outcome,
	})
}

// handleValidateTransaction runs the full pre-flight pipeline and returns
// its verdict without touching any state.
func (s *Server) handleValidateTransaction(w http.ResponseWriter, r *http.Request) {
	var req validation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result := s.container.Pipeline.Validate(r.Context(), req)
	s.writeJSON(w, http.StatusOK, result)
}

// handleValidationStatus reports the pipeline's live limits and counters
// for one user.
func (s *Server) handleValidationStatus(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	status, err := s.container.Pipeline.Status(r.Context(), uid)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", uid).Msg("Validation status failed")
		s.writeError(w, http.StatusInternalServerError, "failed to read validation status")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

type confirmRequest struct {
	TransactionID string  `json:"transaction_id"`
	TxHash        string  `json:"tx_hash"`
	GasUsed       int64   `json:"gas_used,omitempty"`
	GasPriceGwei  float64 `json:"gas_price_gwei,omitempty"`
	ChainID       int64   `json:"chain_id,omitempty"`
	RepairID      string  `json:"repair_id,omitempty"`
}

// handleConfirmTransaction finishes a wallet-signed move. An observed gas
// price rides along into the breaker's cache.
func (s *Server) handleConfirmTransaction(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TransactionID == "" || req.TxHash == "" {
		s.writeError(w, http.StatusBadRequest, "transaction_id and tx_hash are required")
		return
	}

	if err := s.container.Executor.ConfirmTransaction(r.Context(), req.TransactionID, req.TxHash, req.GasUsed, req.RepairID); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if req.GasPriceGwei > 0 && req.ChainID != 0 {
		s.container.Breaker.RecordObservedGas(r.Context(), req.ChainID, req.GasPriceGwei)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "transaction confirmed",
	})
}

// handleRecentAlerts returns the newest alerts for a user.
func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	recent, err := s.container.AlertsRepo.Recent(uid, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load alerts")
		return
	}
	if recent == nil {
		recent = []*domain.Alert{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"alerts":  recent,
	})
}
