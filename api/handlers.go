/*
handlers.go - HTTP API handlers for the fee ledger engine

PURPOSE:
  Exposes attendance fee processing and the wallet/deduction/refund read
  models via REST. Handles HTTP request/response, JSON serialization, and
  delegates to the fee engine.

ENDPOINTS:
  Attendance:
    POST   /api/attendance                  Store a record and charge it
    GET    /api/attendance/{id}             Stored record and who processed it
    POST   /api/attendance/{id}/fee         (Re)process a stored record

  Students:
    GET    /api/students/{id}/wallet        Wallet balance
    GET    /api/students/{id}/transactions  Wallet ledger, oldest first
    GET    /api/students/{id}/deductions    Fee deductions

  Refunds:
    GET    /api/refunds?status=pending      Refund proposals

  Health:
    GET    /healthz

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, validation errors
  - 401: Invalid token
  - 404: Attendance, class, wallet or policy not found
  - 409: Already recorded, already processed, wallet locked
  - 422: Record cannot be billed (bad hourly rate, unknown status)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Actor resolution
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Hoanganh010999/songthuyeducation-sub005/factory"
	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
	applog "github.com/Hoanganh010999/songthuyeducation-sub005/internal/log"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Backend fee.Backend
	Engine  *fee.Engine

	validate *validator.Validate
	logger   *applog.Logger
	now      func() time.Time
}

// NewHandler creates a new handler over the given backend and engine.
func NewHandler(backend fee.Backend, engine *fee.Engine, logger *applog.Logger) *Handler {
	if logger == nil {
		logger = applog.Nop()
	}
	return &Handler{
		Backend:  backend,
		Engine:   engine,
		validate: factory.NewValidator(),
		logger:   logger.WithComponent(applog.ComponentHTTP),
		now:      time.Now,
	}
}

// =============================================================================
// ATTENDANCE HANDLERS
// =============================================================================

// RecordAttendance stores the record, then runs fee processing for it.
// POST /api/attendance
func (h *Handler) RecordAttendance(w http.ResponseWriter, r *http.Request) {
	var req RecordAttendanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	record := req.toRecord(h.now())

	// Stored records are immutable; retries go through ProcessAttendance.
	if err := h.Backend.SaveAttendance(r.Context(), record); err != nil {
		writeError(w, statusFor(err), "Failed to save attendance", err)
		return
	}

	h.process(w, r, record, http.StatusCreated)
}

// GetAttendance returns a stored record and its processing marker.
// GET /api/attendance/{id}
func (h *Handler) GetAttendance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := fee.AttendanceID(chi.URLParam(r, "id"))

	record, err := h.Backend.GetAttendance(ctx, id)
	if err != nil {
		writeError(w, statusFor(err), "Failed to load attendance", err)
		return
	}
	actor, at, processed, err := h.Backend.ProcessedBy(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load processing marker", err)
		return
	}

	dto := toAttendanceDTO(record)
	if processed {
		dto.Processed = true
		dto.ProcessedBy = strPtr(string(actor))
		dto.ProcessedAt = strPtr(at.Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, dto)
}

// ProcessAttendance runs fee processing for a stored record.
// POST /api/attendance/{id}/fee
func (h *Handler) ProcessAttendance(w http.ResponseWriter, r *http.Request) {
	id := fee.AttendanceID(chi.URLParam(r, "id"))

	record, err := h.Backend.GetAttendance(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Failed to load attendance", err)
		return
	}

	h.process(w, r, record, http.StatusOK)
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request, record fee.AttendanceRecord, okStatus int) {
	res := h.Engine.ProcessAttendanceFee(r.Context(), record, ActorFrom(r.Context()))
	if !res.Success {
		writeError(w, statusFor(res.Err), "Fee processing failed", res.Err)
		return
	}
	writeJSON(w, okStatus, toProcessResultDTO(record.ID, res))
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// GetWallet returns a student's wallet.
// GET /api/students/{id}/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	studentID := fee.StudentID(chi.URLParam(r, "id"))

	wallet, err := h.Backend.GetWallet(r.Context(), studentID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// GetTransactions returns the wallet ledger.
// GET /api/students/{id}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	studentID := fee.StudentID(chi.URLParam(r, "id"))

	txs, err := h.Backend.ListWalletTransactions(r.Context(), studentID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to get transactions", err)
		return
	}

	dtos := make([]WalletTransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toWalletTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDeductions returns every fee deduction of a student.
// GET /api/students/{id}/deductions
func (h *Handler) GetDeductions(w http.ResponseWriter, r *http.Request) {
	studentID := fee.StudentID(chi.URLParam(r, "id"))

	ds, err := h.Backend.ListDeductions(r.Context(), studentID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to get deductions", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeductionDTOs(ds))
}

// =============================================================================
// REFUND HANDLERS
// =============================================================================

// ListRefunds returns refund proposals, optionally filtered by status.
// GET /api/refunds?status=pending
func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	status := fee.ProposalStatus(r.URL.Query().Get("status"))

	proposals, err := h.Backend.ListRefundProposals(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list refunds", err)
		return
	}

	dtos := make([]RefundProposalDTO, len(proposals))
	for i, p := range proposals {
		dtos[i] = toRefundProposalDTO(p, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps fee errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, fee.ErrAlreadyProcessed), errors.Is(err, fee.ErrAttendanceExists),
		errors.Is(err, fee.ErrWalletLocked):
		return http.StatusConflict
	case errors.Is(err, fee.ErrUnknownStatus), errors.Is(err, fee.ErrInvalidHourlyRate):
		return http.StatusUnprocessableEntity
	case fee.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
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
