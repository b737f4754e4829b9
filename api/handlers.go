/*
handlers.go - HTTP API handlers for the points engine

PURPOSE:
  Exposes the points engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to package points.

ENDPOINTS:
  Participant (own data, identity from the gateway):
    GET    /api/rewards                 Active catalog
    GET    /api/me/balance              Current balance
    GET    /api/me/history              Ledger, newest first
    GET    /api/me/redemptions          Own requests, newest first
    POST   /api/me/redemptions          Request a reward

  Operator:
    GET    /api/admin/participants                 Participants with balances
    POST   /api/admin/participants                 Provision participant
    POST   /api/admin/participants/{id}/deactivate
    POST   /api/admin/participants/{id}/activate
    GET    /api/admin/participants/{id}/balance
    GET    /api/admin/participants/{id}/history
    POST   /api/admin/adjustments                  Manual grant/correction
    GET    /api/admin/rewards                      Full catalog
    POST   /api/admin/rewards
    PUT    /api/admin/rewards/{id}
    GET    /api/admin/redemptions                  ?participant_id=&status=
    POST   /api/admin/redemptions/{id}/transition  approve/reject/fulfill
    POST   /api/admin/import-csv                   email,delta,reason rows
    GET    /api/admin/export-ledger                CSV download
    POST   /api/admin/sync                         Pull from the workspace
    GET    /api/admin/sync/runs

ERROR HANDLING:
  Errors are returned as JSON {"error", "details"} with status:
  - 400: Validation errors, invalid input
  - 401/403: Missing identity / not an operator
  - 404: Participant, reward or request not found
  - 409: Invalid transition, duplicate email, sync already running
  - 422: Insufficient balance or balance limit, out of stock, reward or
         participant inactive
  - 503: Concurrency conflict after retries
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - identity.go: Caller identity and role checks
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/points-engine/importer"
	"github.com/warp/points-engine/logger"
	"github.com/warp/points-engine/points"
)

// maxUploadBytes bounds CSV uploads.
const maxUploadBytes = 10 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Syncer runs and lists external syncs. *importer.Importer implements it.
type Syncer interface {
	Run(ctx context.Context, kind points.SyncKind) (*importer.Report, error)
	Runs(ctx context.Context, limit int) ([]points.SyncRun, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *points.Service
	Syncer  Syncer // nil when the workspace sync is not configured

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the service.
func NewHandler(svc *points.Service, syncer Syncer) *Handler {
	return &Handler{Service: svc, Syncer: syncer}
}

// =============================================================================
// PARTICIPANT ENDPOINTS
// =============================================================================

// ListRewards returns the active catalog.
// GET /api/rewards
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.Service.Catalog.ListActive(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list rewards", err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTOs(rewards))
}

// GetMyBalance returns the caller's balance.
// GET /api/me/balance
func (h *Handler) GetMyBalance(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, callerID(r))
}

// GetMyHistory returns the caller's ledger.
// GET /api/me/history
func (h *Handler) GetMyHistory(w http.ResponseWriter, r *http.Request) {
	h.writeHistory(w, r, callerID(r))
}

// ListMyRedemptions returns the caller's requests.
// GET /api/me/redemptions
func (h *Handler) ListMyRedemptions(w http.ResponseWriter, r *http.Request) {
	views, err := h.Service.ListRedemptionViews(r.Context(), points.RedemptionFilter{
		ParticipantID: callerID(r),
	})
	if err != nil {
		writeDomainError(w, "Failed to list redemptions", err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionViewDTOs(views))
}

// CreateMyRedemption debits the caller and opens a pending request.
// POST /api/me/redemptions
func (h *Handler) CreateMyRedemption(w http.ResponseWriter, r *http.Request) {
	var req CreateRedemptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RewardID == "" {
		writeError(w, http.StatusBadRequest, "reward_id is required", nil)
		return
	}

	created, err := h.Service.CreateRedemption(r.Context(), callerID(r), points.RewardID(req.RewardID))
	if err != nil {
		writeDomainError(w, "Failed to create redemption", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateRedemptionResponse{
		RequestID: string(created.ID),
		Status:    string(created.Status),
	})
}

// =============================================================================
// PARTICIPANT ADMINISTRATION
// =============================================================================

// ListParticipants returns every participant with its balance.
// GET /api/admin/participants
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Service.ListParticipantSummaries(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list participants", err)
		return
	}

	dtos := make([]ParticipantSummaryDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = ParticipantSummaryDTO{
			ParticipantDTO: toParticipantDTO(s.Participant),
			Balance:        int64(s.Balance),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateParticipant provisions a participant.
// POST /api/admin/participants
func (h *Handler) CreateParticipant(w http.ResponseWriter, r *http.Request) {
	var req CreateParticipantRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.Service.Participants.Provision(r.Context(), points.ProvisionInput{
		Name:          req.Name,
		Email:         req.Email,
		Role:          points.Role(req.Role),
		InitialPoints: points.Points(req.InitialPoints),
	})
	if err != nil {
		writeDomainError(w, "Failed to create participant", err)
		return
	}
	writeJSON(w, http.StatusCreated, toParticipantDTO(*p))
}

// DeactivateParticipant blocks future redemptions by the participant.
// POST /api/admin/participants/{id}/deactivate
func (h *Handler) DeactivateParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.Participants.Deactivate(r.Context(), points.ParticipantID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to deactivate participant", err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantDTO(*p))
}

// ActivateParticipant reverses DeactivateParticipant.
// POST /api/admin/participants/{id}/activate
func (h *Handler) ActivateParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.Participants.Activate(r.Context(), points.ParticipantID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to activate participant", err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantDTO(*p))
}

// GetParticipantBalance returns any participant's balance.
// GET /api/admin/participants/{id}/balance
func (h *Handler) GetParticipantBalance(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, points.ParticipantID(chi.URLParam(r, "id")))
}

// GetParticipantHistory returns any participant's ledger.
// GET /api/admin/participants/{id}/history
func (h *Handler) GetParticipantHistory(w http.ResponseWriter, r *http.Request) {
	h.writeHistory(w, r, points.ParticipantID(chi.URLParam(r, "id")))
}

// CreateAdjustment appends an operator grant or correction.
// POST /api/admin/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "participant_id is required", nil)
		return
	}

	entry, err := h.Service.Participants.Adjust(r.Context(),
		points.ParticipantID(req.ParticipantID),
		points.Points(req.Delta),
		req.Reason,
		points.Source(req.Source),
	)
	if err != nil {
		writeDomainError(w, "Failed to apply adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTOs([]points.LedgerEntry{*entry})[0])
}

func (h *Handler) writeBalance(w http.ResponseWriter, r *http.Request, id points.ParticipantID) {
	ctx := r.Context()
	if _, err := h.Service.Participants.Get(ctx, id); err != nil {
		writeDomainError(w, "Failed to get balance", err)
		return
	}
	balance, err := h.Service.GetBalance(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{ParticipantID: string(id), Balance: int64(balance)})
}

func (h *Handler) writeHistory(w http.ResponseWriter, r *http.Request, id points.ParticipantID) {
	ctx := r.Context()
	if _, err := h.Service.Participants.Get(ctx, id); err != nil {
		writeDomainError(w, "Failed to get history", err)
		return
	}
	entries, err := h.Service.GetHistory(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get history", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTOs(entries))
}

// =============================================================================
// CATALOG ADMINISTRATION
// =============================================================================

// ListAllRewards returns active and inactive rewards.
// GET /api/admin/rewards
func (h *Handler) ListAllRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.Service.Catalog.ListAll(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list rewards", err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTOs(rewards))
}

// CreateReward adds a catalog item.
// POST /api/admin/rewards
func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	var req CreateRewardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	reward, err := h.Service.Catalog.Create(r.Context(), points.RewardInput{
		Title:       req.Title,
		Description: req.Description,
		ImagePath:   req.ImagePath,
		Category:    req.Category,
		Cost:        points.Points(req.Cost),
		Stock:       req.Stock,
		IsActive:    active,
	})
	if err != nil {
		writeDomainError(w, "Failed to create reward", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRewardDTO(*reward))
}

// UpdateReward changes the fields present in the body.
// PUT /api/admin/rewards/{id}
func (h *Handler) UpdateReward(w http.ResponseWriter, r *http.Request) {
	var req UpdateRewardRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	upd := points.RewardUpdate{
		Title:          req.Title,
		Description:    req.Description,
		ImagePath:      req.ImagePath,
		Category:       req.Category,
		Stock:          req.Stock,
		UnlimitedStock: req.UnlimitedStock,
		IsActive:       req.IsActive,
	}
	if req.Cost != nil {
		cost := points.Points(*req.Cost)
		upd.Cost = &cost
	}

	reward, err := h.Service.Catalog.Update(r.Context(), points.RewardID(chi.URLParam(r, "id")), upd)
	if err != nil {
		writeDomainError(w, "Failed to update reward", err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTO(*reward))
}

// =============================================================================
// REDEMPTION ADMINISTRATION
// =============================================================================

// ListRedemptions returns requests with display names, newest first.
// GET /api/admin/redemptions?participant_id=&status=
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := points.RedemptionFilter{
		ParticipantID: points.ParticipantID(q.Get("participant_id")),
		Status:        points.RedemptionStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown status %q", filter.Status), nil)
		return
	}

	views, err := h.Service.ListRedemptionViews(r.Context(), filter)
	if err != nil {
		writeDomainError(w, "Failed to list redemptions", err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionViewDTOs(views))
}

// TransitionRedemption approves, rejects or fulfills a request.
// POST /api/admin/redemptions/{id}/transition
func (h *Handler) TransitionRedemption(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	updated, err := h.Service.TransitionRedemption(r.Context(),
		points.RedemptionID(chi.URLParam(r, "id")),
		points.RedemptionStatus(strings.ToLower(req.Status)),
		req.Notes,
	)
	if err != nil {
		writeDomainError(w, "Failed to update redemption", err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(*updated))
}

// =============================================================================
// CSV IMPORT / EXPORT
// =============================================================================

// ImportCSV applies email,delta,reason rows as manual adjustments. Accepts
// a multipart "file" field or a raw text/csv body.
// POST /api/admin/import-csv
func (h *Handler) ImportCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var body io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "No file provided", err)
			return
		}
		defer file.Close()
		body = file
	}

	result, err := importer.ImportCSV(r.Context(), h.Service, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to import CSV", err)
		return
	}
	writeJSON(w, http.StatusOK, CSVImportResponse{Imported: result.Imported, Errors: result.Errors})
}

// ExportLedger returns the global ledger as CSV. The file is built in
// memory first so a failure can still be reported as a JSON error.
// GET /api/admin/export-ledger
func (h *Handler) ExportLedger(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := importer.ExportCSV(r.Context(), h.Service, &buf); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export ledger", err)
		return
	}

	filename := fmt.Sprintf("ledger-export-%s.csv", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		logger.ErrorContext(r.Context(), "ledger export write failed", "error", err)
	}
}

// =============================================================================
// WORKSPACE SYNC
// =============================================================================

// TriggerSync runs a sync now.
// POST /api/admin/sync {"kind": "participants" | "ledger" | "full"}
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.Syncer == nil {
		writeError(w, http.StatusBadRequest, "Workspace sync is not configured", nil)
		return
	}
	var req SyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = string(points.SyncFull)
	}

	report, err := h.Syncer.Run(r.Context(), points.SyncKind(req.Kind))
	if err != nil {
		writeDomainError(w, "Sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncReportDTO(report))
}

// ListSyncRuns returns recent sync runs, newest first.
// GET /api/admin/sync/runs?limit=
func (h *Handler) ListSyncRuns(w http.ResponseWriter, r *http.Request) {
	if h.Syncer == nil {
		writeJSON(w, http.StatusOK, []SyncRunDTO{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Syncer.Runs(r.Context(), limit)
	if err != nil {
		writeDomainError(w, "Failed to list sync runs", err)
		return
	}
	dtos := make([]SyncRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSyncRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func callerID(r *http.Request) points.ParticipantID {
	id, _ := IdentityFrom(r.Context())
	return id.ParticipantID
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case points.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, points.ErrInvalidTransition),
		errors.Is(err, points.ErrDuplicateEmail),
		errors.Is(err, importer.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, points.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, points.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, points.ErrInsufficientBalance),
		errors.Is(err, points.ErrBalanceLimit),
		errors.Is(err, points.ErrOutOfStock),
		errors.Is(err, points.ErrRewardUnavailable),
		errors.Is(err, points.ErrParticipantInactive):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
