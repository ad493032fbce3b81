package handler

import (
	"encoding/json"
	"net/http"

	"github.com/atlasops/be-pm-approvals/internal/platform/errors"
	"github.com/atlasops/be-pm-approvals/internal/platform/logger"
	"github.com/atlasops/be-pm-approvals/internal/repository"
	"github.com/atlasops/be-pm-approvals/internal/service"
)

// HTTPHandler exposes the approval engine over HTTP/JSON.
type HTTPHandler struct {
	service *service.ApprovalService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(svc *service.ApprovalService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{service: svc, log: log}
}

// Register wires all approval routes onto mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListRequests(w, r)
		case http.MethodPost:
			h.CreateRequest(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/approvals/get", h.GetRequest)
	mux.HandleFunc("/api/v1/approvals/process", h.ProcessApproval)
	mux.HandleFunc("/api/v1/approvals/cancel", h.CancelRequest)
	mux.HandleFunc("/api/v1/approvals/pending", h.ListPendingForApprover)
	mux.HandleFunc("/api/v1/approvals/audit", h.GetAuditTrail)
	mux.HandleFunc("/api/v1/approval-rules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListRules(w, r)
		case http.MethodPost:
			h.UpsertRule(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/approval-rules/enable", h.SetRuleEnabled)
}

// CreateRequest handles approval request creation.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var input service.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeError(w, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	req, err := h.service.CreateRequest(r.Context(), &input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, req)
}

// GetRequest returns one request by id.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, errors.InvalidInput("id", "request id is required"))
		return
	}

	req, err := h.service.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ListRequests lists requests by optional status/project/approver filters.
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	var filter repository.RequestFilter
	if v := r.URL.Query().Get("status"); v != "" {
		status := repository.RequestStatus(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("project_id"); v != "" {
		filter.ProjectID = &v
	}
	if v := r.URL.Query().Get("approver_id"); v != "" {
		filter.ApproverID = &v
	}

	requests, err := h.service.ListRequests(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"requests": requests,
		"total":    len(requests),
	})
}

// ProcessApproval records one approver's decision.
func (h *HTTPHandler) ProcessApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID         string  `json:"id"`
		ApproverID string  `json:"approver_id"`
		Decision   string  `json:"decision"`
		Comment    *string `json:"comment,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	err := h.service.ProcessApproval(r.Context(), req.ID, req.ApproverID,
		repository.ApprovalStatus(req.Decision), req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// CancelRequest withdraws a pending request.
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID       string `json:"id"`
		CallerID string `json:"caller_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	if err := h.service.CancelRequest(r.Context(), req.ID, req.CallerID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ListPendingForApprover lists requests awaiting a vote from one approver.
func (h *HTTPHandler) ListPendingForApprover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requests, err := h.service.ListPendingForApprover(r.Context(), r.URL.Query().Get("approver_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"requests": requests,
		"total":    len(requests),
	})
}

// GetAuditTrail returns a request's audit log.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, errors.InvalidInput("id", "request id is required"))
		return
	}

	entries, err := h.service.GetAuditTrail(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// UpsertRule creates or replaces an approval rule.
func (h *HTTPHandler) UpsertRule(w http.ResponseWriter, r *http.Request) {
	var rule repository.ApprovalRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	if err := h.service.UpsertRule(r.Context(), &rule); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, &rule)
}

// ListRules lists approval rules.
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	rules, err := h.service.ListRules(r.Context(), enabledOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// SetRuleEnabled flips a rule's enabled flag.
func (h *HTTPHandler) SetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	if err := h.service.SetRuleEnabled(r.Context(), req.ID, req.Enabled); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// ── response helpers ──────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	h.writeJSON(w, statusForCode(code), map[string]string{
		"code":  code,
		"error": err.Error(),
	})
}

func statusForCode(code string) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyDecided, errors.ErrCodeRequestTerminal:
		return http.StatusConflict
	case errors.ErrCodeUnauthorized, errors.ErrCodeNotRequester, errors.ErrCodeNotAnApprover:
		return http.StatusForbidden
	case errors.ErrCodeNoApplicableRule, errors.ErrCodeNoApprovers:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeActionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
