// Package api exposes the PV engine over HTTP: inbound purchase and refund
// events, settlement triggers, read projections for dashboards and the
// adjustment workflow.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/pv-engine/internal/adjustment"
	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/pv"
	"github.com/atmx/pv-engine/internal/settings"
	"github.com/atmx/pv-engine/internal/settlement"
	"github.com/atmx/pv-engine/internal/store"
)

// SettingsStore reads and saves the live bonus settings.
type SettingsStore interface {
	settings.Provider
	Save(ctx context.Context, cfg model.BonusConfig) error
}

// Handler serves the HTTP API.
type Handler struct {
	pv          *pv.Service
	settlements *settlement.Service
	adjustments *adjustment.Service
	releaser    *settlement.Releaser
	settings    SettingsStore
}

// NewHandler wires the services behind the API. settingsStore may be nil,
// in which case the settings endpoints are not mounted.
func NewHandler(
	pvSvc *pv.Service,
	settleSvc *settlement.Service,
	adjSvc *adjustment.Service,
	releaser *settlement.Releaser,
	settingsStore SettingsStore,
) *Handler {
	return &Handler{
		pv:          pvSvc,
		settlements: settleSvc,
		adjustments: adjSvc,
		releaser:    releaser,
		settings:    settingsStore,
	}
}

// Routes mounts the API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/events/purchase-completed", h.PurchaseCompleted)
	r.Post("/events/refund-requested", h.RefundRequested)

	r.Post("/settlements/weekly/{weekKey}", h.RunWeekly)
	r.Post("/settlements/quarterly/{quarterKey}", h.RunQuarterly)
	r.Post("/pending-bonuses/release", h.ReleasePending)

	r.Get("/users/{userID}/pv", h.GetUserPV)
	r.Get("/users/{userID}/pv/summary", h.GetUserPVSummary)

	r.Get("/adjustments", h.ListAdjustments)
	r.Post("/adjustments", h.CreateManualCorrection)
	r.Get("/adjustments/{batchID}", h.GetAdjustment)
	r.Post("/adjustments/{batchID}/finalize", h.FinalizeAdjustment)

	if h.settings != nil {
		r.Get("/settings/bonus", h.GetBonusSettings)
		r.Put("/settings/bonus", h.PutBonusSettings)
	}
}

// --- Inbound events ---

// PurchaseCompleted handles POST /api/v1/events/purchase-completed
func (h *Handler) PurchaseCompleted(w http.ResponseWriter, r *http.Request) {
	var ev model.PurchaseCompleted
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.pv.CreditFromPurchase(r.Context(), ev)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RefundRequested handles POST /api/v1/events/refund-requested
func (h *Handler) RefundRequested(w http.ResponseWriter, r *http.Request) {
	var req adjustment.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.adjustments.CreateRefundAdjustment(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Status == model.OutcomeSkipped {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// --- Settlements ---

// RunWeekly handles POST /api/v1/settlements/weekly/{weekKey}?strategy=
func (h *Handler) RunWeekly(w http.ResponseWriter, r *http.Request) {
	weekKey := chi.URLParam(r, "weekKey")
	opts := settlement.WeeklyOptions{Strategy: r.URL.Query().Get("strategy")}

	report, err := h.settlements.RunWeekly(r.Context(), weekKey, opts)
	if err != nil {
		writeBatchError(w, err, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RunQuarterly handles POST /api/v1/settlements/quarterly/{quarterKey}
func (h *Handler) RunQuarterly(w http.ResponseWriter, r *http.Request) {
	quarterKey := chi.URLParam(r, "quarterKey")

	report, err := h.settlements.RunQuarterly(r.Context(), quarterKey)
	if err != nil {
		writeBatchError(w, err, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ReleasePending handles POST /api/v1/pending-bonuses/release
func (h *Handler) ReleasePending(w http.ResponseWriter, r *http.Request) {
	n, err := h.releaser.ReleaseDue(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"released": n})
}

// --- Read projections ---

// GetUserPV handles GET /api/v1/users/{userID}/pv?include_carry=
func (h *Handler) GetUserPV(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	includeCarry := true
	if v := r.URL.Query().Get("include_carry"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "include_carry must be a boolean", http.StatusBadRequest)
			return
		}
		includeCarry = b
	}

	bal, err := h.pv.GetBalance(r.Context(), userID, includeCarry)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// GetUserPVSummary handles GET /api/v1/users/{userID}/pv/summary
func (h *Handler) GetUserPVSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.pv.GetUserPVSummary(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Adjustments ---

// ListAdjustments handles GET /api/v1/adjustments?reference_type=&reference_id=&limit=
func (h *Handler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AdjustmentFilter{
		ReferenceType: model.ReferenceType(q.Get("reference_type")),
		ReferenceID:   q.Get("reference_id"),
		Limit:         100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	batches, err := h.adjustments.GetAdjustmentBatches(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

// GetAdjustment handles GET /api/v1/adjustments/{batchID}
func (h *Handler) GetAdjustment(w http.ResponseWriter, r *http.Request) {
	details, err := h.adjustments.GetAdjustmentBatchDetails(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// CreateManualCorrection handles POST /api/v1/adjustments
func (h *Handler) CreateManualCorrection(w http.ResponseWriter, r *http.Request) {
	var req adjustment.ManualCorrection
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.adjustments.CreateManualCorrection(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Status == model.OutcomeSkipped {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// FinalizeRequest is the optional JSON body for the finalize endpoint.
type FinalizeRequest struct {
	ActorID string `json:"actor_id"`
}

// FinalizeAdjustment handles POST /api/v1/adjustments/{batchID}/finalize
func (h *Handler) FinalizeAdjustment(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	res, err := h.adjustments.FinalizeAdjustmentBatch(r.Context(), chi.URLParam(r, "batchID"), req.ActorID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Settings ---

// GetBonusSettings handles GET /api/v1/settings/bonus
func (h *Handler) GetBonusSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.settings.Current(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// PutBonusSettings handles PUT /api/v1/settings/bonus
func (h *Handler) PutBonusSettings(w http.ResponseWriter, r *http.Request) {
	var cfg model.BonusConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.settings.Save(r.Context(), cfg); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- Responses ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrDuplicateOperation):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// batchErrorResponse reports a partially processed settlement.
type batchErrorResponse struct {
	Error    string                   `json:"error"`
	Failures []settlement.UserFailure `json:"failures"`
	Report   any                      `json:"report,omitempty"`
}

// writeBatchError writes settlement errors. A partial batch carries the
// per-user failures and the report so the caller can retry.
func writeBatchError[T any](w http.ResponseWriter, err error, report *T) {
	var batchErr *settlement.BatchError
	if !errors.As(err, &batchErr) {
		writeServiceError(w, err)
		return
	}
	resp := batchErrorResponse{Error: batchErr.Error(), Failures: batchErr.Failures}
	if report != nil {
		resp.Report = report
	}
	writeJSON(w, http.StatusInternalServerError, resp)
}
