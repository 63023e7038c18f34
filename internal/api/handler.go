package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/coordinator"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profile"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	deps    Deps
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{deps: deps, version: version}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
	Field string           `json:"field,omitempty"`
}

// ScoreRequest is the request body for POST /score. TxnID and Timestamp
// are assigned by the server when omitted.
type ScoreRequest struct {
	domain.Transaction
}

// Score handles POST /score requests.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	txn := req.Transaction
	if txn.TxnID == "" {
		txn.TxnID = uuid.New().String()
	}
	if txn.Timestamp.IsZero() {
		txn.Timestamp = time.Now().UTC()
	}

	out, err := h.deps.Coordinator.Score(r.Context(), txn)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// SimulateRequest is the request body for POST /simulate.
type SimulateRequest struct {
	Scenario   string  `json:"scenario"`
	CustomerID string  `json:"customer_id,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
}

// Simulate handles POST /simulate requests.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	scenario, err := coordinator.ParseScenario(req.Scenario)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.deps.Coordinator.Simulate(r.Context(), scenario, req.CustomerID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// AlertList is the response for GET /alerts.
type AlertList struct {
	Alerts []*domain.Alert `json:"alerts"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
	Source string          `json:"source"`
}

// ListAlerts handles GET /alerts. Live alerts come from the alert manager;
// source=store reads the persisted history instead.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AlertFilter{
		Status:     domain.AlertStatus(q.Get("status")),
		CustomerID: q.Get("customer_id"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeBadRequest(w, "status", "unknown alert status")
		return
	}
	var ok bool
	if filter.Limit, ok = intParam(w, q.Get("limit"), "limit", 50); !ok {
		return
	}
	if filter.Offset, ok = intParam(w, q.Get("offset"), "offset", 0); !ok {
		return
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}

	resp := AlertList{Limit: filter.Limit, Offset: filter.Offset, Source: "live"}
	if q.Get("source") == "store" {
		if h.deps.Repository == nil {
			writeUnavailable(w, "repository not configured")
			return
		}
		alerts, err := h.deps.Repository.ListAlerts(r.Context(), filter)
		if err != nil {
			slog.Error("failed to list alerts", "error", err)
			writeError(w, err)
			return
		}
		resp.Alerts, resp.Total, resp.Source = alerts, len(alerts), "store"
	} else {
		resp.Alerts, resp.Total = h.deps.Coordinator.Alerts().List(filter)
	}
	if resp.Alerts == nil {
		resp.Alerts = []*domain.Alert{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAlert handles GET /alerts/{id}. A live alert without an explanation
// gets one computed on demand; alerts no longer live are read from the
// repository.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.deps.Coordinator.Explain(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) && h.deps.Repository != nil {
		a, err = h.deps.Repository.GetAlert(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// UpdateAlertRequest is the request body for PATCH /alerts/{id}.
type UpdateAlertRequest struct {
	Status       domain.AlertStatus `json:"status"`
	AnalystNotes string             `json:"analyst_notes,omitempty"`
}

// UpdateAlert handles PATCH /alerts/{id}.
func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	var req UpdateAlertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		writeBadRequest(w, "status", "must be one of new, reviewing, resolved, false_positive")
		return
	}

	a, err := h.deps.Coordinator.UpdateAlert(r.Context(), chi.URLParam(r, "id"), req.Status, req.AnalystNotes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repository == nil {
		writeUnavailable(w, "repository not configured")
		return
	}
	rec, err := h.deps.Repository.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetProfile handles GET /profiles/{customer_id}.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Coordinator.Profile(r.Context(), chi.URLParam(r, "customer_id"))
	if err != nil {
		if errors.Is(err, profile.ErrShardUnavailable) {
			writeUnavailable(w, err.Error())
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Models handles GET /models.
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Coordinator.Models())
}

// ReloadRequest is the optional body of POST /models/reload.
type ReloadRequest struct {
	Dir string `json:"dir,omitempty"`
}

// ReloadModels handles POST /models/reload. The active bundle is kept when
// the new one fails to load.
func (h *Handler) ReloadModels(w http.ResponseWriter, r *http.Request) {
	var req ReloadRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	info, err := h.deps.Coordinator.ReloadModels(req.Dir)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Code:  domain.CodeBadRequest,
		})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// DeadLetters handles GET /deadletters. The default source is the outbox's
// in-memory ring, which includes events rejected on enqueue; source=store
// lists the persisted ones.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := intParam(w, q.Get("limit"), "limit", 100)
	if !ok {
		return
	}

	switch {
	case q.Get("source") == "store":
		if h.deps.Repository == nil {
			writeUnavailable(w, "repository not configured")
			return
		}
		dls, err := h.deps.Repository.ListDeadLetters(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dls, "source": "store"})
	case h.deps.Outbox != nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"dead_letters": h.deps.Outbox.DeadLetters(limit),
			"source":       "memory",
			"depth":        h.deps.Outbox.Depth(),
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"dead_letters": []domain.DeadLetter{}, "source": "memory"})
	}
}

// HealthResponse reports per-component status.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Bundle     string            `json:"bundle"`
	Components map[string]string `json:"components"`
}

// Health returns server health status. It always answers 200 while the
// process is alive; degraded components are reported in the body.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Components: make(map[string]string, 4),
	}
	check := func(name string, ping func(context.Context) error, present bool) {
		switch {
		case !present:
			resp.Components[name] = "disabled"
		case ping(ctx) != nil:
			resp.Components[name] = "unhealthy"
			resp.Status = "degraded"
		default:
			resp.Components[name] = "healthy"
		}
	}
	check("repository", pingOf(h.deps.Repository), h.deps.Repository != nil)
	check("cache", pingOf(h.deps.Cache), h.deps.Cache != nil)
	check("bus", pingOf(h.deps.Bus), h.deps.Bus != nil)

	info := h.deps.Coordinator.Models()
	resp.Bundle = info.Version
	available := 0
	for _, m := range info.Models {
		if m.Available {
			available++
		}
	}
	switch {
	case available == 0:
		resp.Components["models"] = "unhealthy"
		resp.Status = "degraded"
	case available < len(info.Models):
		resp.Components["models"] = "degraded"
		resp.Status = "degraded"
	default:
		resp.Components["models"] = "healthy"
	}

	writeJSON(w, http.StatusOK, resp)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func pingOf(p pinger) func(context.Context) error {
	return func(ctx context.Context) error { return p.Ping(ctx) }
}

// Ready returns whether the server can score: at least one model of the
// active bundle must be available.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	for _, m := range h.deps.Coordinator.Models().Models {
		if m.Available {
			writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "invalid JSON request body",
			Code:  domain.CodeBadRequest,
		})
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, raw, name string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeBadRequest(w, name, "must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeBadRequest(w http.ResponseWriter, field, reason string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error: field + " " + reason,
		Code:  domain.CodeBadRequest,
		Field: field,
	})
}

func writeUnavailable(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
		Error: msg,
		Code:  domain.CodeUnavailable,
	})
}

// writeError maps a domain error onto its status code.
func writeError(w http.ResponseWriter, err error) {
	code := domain.CodeFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var status int
	switch code {
	case domain.CodeMalformedTransaction:
		status = http.StatusBadRequest
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			resp.Field = ve.Field
		}
	case domain.CodeModelsUnavailable:
		status = http.StatusServiceUnavailable
	case domain.CodeInvalidTransition:
		status = http.StatusConflict
	case domain.CodeNotFound:
		status = http.StatusNotFound
	default:
		status = http.StatusInternalServerError
		slog.Error("request failed", "error", err)
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
