/*
handlers.go - HTTP API handlers for the invoice numbering and revenue engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Billers:
    GET    /api/billers                        List billers
    POST   /api/billers                        Create/update biller
    GET    /api/billers/{id}                   Get biller
    GET    /api/billers/{id}/invoices          List the biller's invoices
    GET    /api/billers/{id}/next-number       Preview next number (non-consuming)
    POST   /api/billers/{id}/recompute-sequence  Backfill counter from history

  Invoices:
    POST   /api/invoices                       Validate and submit a batch
    POST   /api/invoices/drafts                Park an unnumbered draft
    GET    /api/invoices/{id}                  Get invoice
    POST   /api/invoices/{id}/submit           Number and submit a draft
    POST   /api/invoices/{id}/status           Move to sent/paid/archived

  Jobs:
    PUT    /api/jobs/{id}/billing              Save billing parameters
    GET    /api/jobs/{id}/billing              Get parameters + snapshot
    POST   /api/jobs/{id}/time-entries         Record a time entry
    POST   /api/jobs/{id}/lock-snapshot        Lock revenue snapshot (?force=true)

  Admin:
    POST   /api/admin/lock-snapshots           Lock all jobs (?force=true)
    GET    /api/audit                          Recent audit events (?limit=)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, missing billing row
  - 404: Biller or invoice not found
  - 409: Numbering/work-unit conflicts, bad status transitions
  - 503: Lock-wait timeouts (retry the whole request)
  - 500: Internal errors

ACTOR ATTRIBUTION:
  Privileged operations (force re-lock, sequence recompute) read the
  X-Actor header for the audit trail, defaulting to "api".

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - billing/engine.go: The operations these delegate to
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fieldops/billing-engine/billing"
	"github.com/fieldops/billing-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  *sqlite.Store
	Engine *billing.Engine
}

// NewHandler creates a new handler backed by the given store.
func NewHandler(store *sqlite.Store) *Handler {
	return &Handler{
		Store:  store,
		Engine: billing.NewEngine(store),
	}
}

// =============================================================================
// BILLER HANDLERS
// =============================================================================

// ListBillers returns all billers.
func (h *Handler) ListBillers(w http.ResponseWriter, r *http.Request) {
	billers, err := h.Store.ListBillers(r.Context())
	if err != nil {
		writeBillingError(w, "Failed to list billers", err)
		return
	}

	dtos := make([]BillerDTO, len(billers))
	for i, b := range billers {
		dtos[i] = toBillerDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBiller returns a single biller.
func (h *Handler) GetBiller(w http.ResponseWriter, r *http.Request) {
	id := billing.BillerID(chi.URLParam(r, "id"))

	b, err := h.Store.GetBiller(r.Context(), id)
	if err != nil {
		writeBillingError(w, "Failed to get biller", err)
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "Biller not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toBillerDTO(*b))
}

// CreateBiller creates or updates a biller.
func (h *Handler) CreateBiller(w http.ResponseWriter, r *http.Request) {
	var req CreateBillerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}
	kind := billing.BillerKind(req.Kind)
	if kind != billing.BillerAgent && kind != billing.BillerSupplier {
		writeError(w, http.StatusBadRequest, "kind must be agent or supplier", nil)
		return
	}

	b := billing.Biller{
		ID:             billing.BillerID(req.ID),
		Kind:           kind,
		Name:           req.Name,
		VATRegistered:  req.VATRegistered,
		SequencePrefix: req.SequencePrefix,
	}
	if req.DefaultVATRate != nil {
		rate, err := decimal.NewFromString(*req.DefaultVATRate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid default_vat_rate", err)
			return
		}
		b.DefaultVATRate = &rate
	}

	if err := h.Store.SaveBiller(r.Context(), b); err != nil {
		writeBillingError(w, "Failed to save biller", err)
		return
	}

	saved, err := h.Store.GetBiller(r.Context(), b.ID)
	if err != nil || saved == nil {
		writeBillingError(w, "Failed to load saved biller", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBillerDTO(*saved))
}

// ListBillerInvoices returns the biller's invoices in numbering order.
func (h *Handler) ListBillerInvoices(w http.ResponseWriter, r *http.Request) {
	id := billing.BillerID(chi.URLParam(r, "id"))

	invoices, err := h.Store.ListInvoices(r.Context(), id)
	if err != nil {
		writeBillingError(w, "Failed to list invoices", err)
		return
	}

	dtos := make([]InvoiceDTO, len(invoices))
	for i := range invoices {
		dtos[i] = toInvoiceDTO(&invoices[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SuggestNextNumber previews the next invoice number without consuming it.
func (h *Handler) SuggestNextNumber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.BillerID(chi.URLParam(r, "id"))

	b, err := h.Store.GetBiller(ctx, id)
	if err != nil {
		writeBillingError(w, "Failed to get biller", err)
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "Biller not found", nil)
		return
	}

	key := billing.KeyFor(b, issueDateParam(r))
	next, err := h.Engine.SuggestNextNumber(ctx, key)
	if err != nil {
		writeBillingError(w, "Failed to preview next number", err)
		return
	}
	writeJSON(w, http.StatusOK, NextNumberDTO{Key: key.String(), NextNumber: next})
}

// RecomputeSequence backfills the biller's counter from issued invoices.
// Writes an audit event attributed to the X-Actor header.
func (h *Handler) RecomputeSequence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.BillerID(chi.URLParam(r, "id"))

	b, err := h.Store.GetBiller(ctx, id)
	if err != nil {
		writeBillingError(w, "Failed to get biller", err)
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "Biller not found", nil)
		return
	}

	key := billing.KeyFor(b, issueDateParam(r))
	next, err := h.Engine.RecomputeFromHistory(ctx, key, actorFrom(r))
	if err != nil {
		writeBillingError(w, "Failed to recompute sequence", err)
		return
	}
	writeJSON(w, http.StatusOK, NextNumberDTO{Key: key.String(), NextNumber: next})
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// SubmitInvoice validates a line batch, assigns a number, and writes the
// invoice. Conflicts come back as 409 with the offending references.
func (h *Handler) SubmitInvoice(w http.ResponseWriter, r *http.Request) {
	var req SubmitInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := billing.SubmitInvoiceInput{
		BillerID:       billing.BillerID(req.BillerID),
		ExplicitNumber: req.ExplicitNumber,
	}
	if req.VATRate != nil {
		rate, err := decimal.NewFromString(*req.VATRate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid vat_rate", err)
			return
		}
		in.VATRateOverride = &rate
	}
	if req.IssueDate != "" {
		issue, err := time.Parse("2006-01-02", req.IssueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid issue_date format (use YYYY-MM-DD)", err)
			return
		}
		in.IssueDate = issue
	}

	lines, err := parseSubmitLines(req.Lines)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid line", err)
		return
	}
	in.Lines = lines

	inv, err := h.Engine.SubmitInvoice(r.Context(), in)
	if err != nil {
		writeBillingError(w, "Submission rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

// CreateDraft parks an invoice without consuming a number. Draft lines still
// claim their work units.
func (h *Handler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	var req CreateDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	lines, err := parseSubmitLines(req.Lines)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid line", err)
		return
	}

	inv, err := h.Engine.CreateDraft(r.Context(), billing.BillerID(req.BillerID), lines)
	if err != nil {
		writeBillingError(w, "Draft rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

// GetInvoice returns a single invoice with its lines.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	inv, err := h.Store.GetInvoice(r.Context(), id)
	if err != nil {
		writeBillingError(w, "Failed to get invoice", err)
		return
	}
	if inv == nil {
		writeError(w, http.StatusNotFound, "Invoice not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// SubmitDraft numbers an existing draft and moves it to submitted.
func (h *Handler) SubmitDraft(w http.ResponseWriter, r *http.Request) {
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	var req SubmitDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var rateOverride *billing.VATRate
	if req.VATRate != nil {
		rate, err := decimal.NewFromString(*req.VATRate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid vat_rate", err)
			return
		}
		rateOverride = &rate
	}
	var issueDate time.Time
	if req.IssueDate != "" {
		var err error
		issueDate, err = time.Parse("2006-01-02", req.IssueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid issue_date format (use YYYY-MM-DD)", err)
			return
		}
	}

	inv, err := h.Engine.SubmitDraft(r.Context(), id, req.ExplicitNumber, rateOverride, issueDate)
	if err != nil {
		writeBillingError(w, "Submission rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// TransitionInvoice moves an invoice through the status machine
// (sent, paid, archived). Submission goes through SubmitDraft instead.
func (h *Handler) TransitionInvoice(w http.ResponseWriter, r *http.Request) {
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Engine.Transition(r.Context(), id, billing.InvoiceStatus(req.Status)); err != nil {
		writeBillingError(w, "Transition rejected", err)
		return
	}

	inv, err := h.Store.GetInvoice(r.Context(), id)
	if err != nil || inv == nil {
		writeBillingError(w, "Failed to load invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// =============================================================================
// JOB BILLING HANDLERS
// =============================================================================

// SaveJobBilling creates or updates a job's billing parameters. Snapshot
// fields are never writable here.
func (h *Handler) SaveJobBilling(w http.ResponseWriter, r *http.Request) {
	jobID := billing.JobID(chi.URLParam(r, "id"))

	var req SaveJobBillingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	jb := billing.JobBilling{JobID: jobID, BillerID: billing.BillerID(req.BillerID)}
	var err error
	if jb.HourlyRate, err = decimal.NewFromString(req.HourlyRate); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid hourly_rate", err)
		return
	}
	if jb.FirstHourPremium, err = parseDecimalOrZero(req.FirstHourPremium); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid first_hour_premium", err)
		return
	}
	if jb.NoticeFee, err = parseDecimalOrZero(req.NoticeFee); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid notice_fee", err)
		return
	}
	if req.VATRateOverride != nil {
		rate, err := decimal.NewFromString(*req.VATRateOverride)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid vat_rate_override", err)
			return
		}
		jb.VATRateOverride = &rate
	}
	if req.BillableHoursOverride != nil {
		hours, err := decimal.NewFromString(*req.BillableHoursOverride)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid billable_hours_override", err)
			return
		}
		jb.BillableHoursOverride = &hours
	}

	if err := h.Store.SaveJobBilling(r.Context(), jb); err != nil {
		writeBillingError(w, "Failed to save job billing", err)
		return
	}

	saved, err := h.Store.GetJobBilling(r.Context(), jobID)
	if err != nil || saved == nil {
		writeBillingError(w, "Failed to load saved job billing", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobBillingDTO(saved))
}

// GetJobBilling returns the job's billing parameters and snapshot.
func (h *Handler) GetJobBilling(w http.ResponseWriter, r *http.Request) {
	jobID := billing.JobID(chi.URLParam(r, "id"))

	jb, err := h.Store.GetJobBilling(r.Context(), jobID)
	if err != nil {
		writeBillingError(w, "Failed to get job billing", err)
		return
	}
	if jb == nil {
		writeError(w, http.StatusNotFound, "Job has no billing row", nil)
		return
	}
	writeJSON(w, http.StatusOK, toJobBillingDTO(jb))
}

// AddTimeEntry records a worked interval against a job. Hours may be given
// directly or derived from the start/end timestamps.
func (h *Handler) AddTimeEntry(w http.ResponseWriter, r *http.Request) {
	jobID := billing.JobID(chi.URLParam(r, "id"))

	var req TimeEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}

	workDate, err := time.Parse("2006-01-02", req.WorkDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid work_date format (use YYYY-MM-DD)", err)
		return
	}

	entry := billing.TimeEntry{
		ID:       req.ID,
		JobID:    jobID,
		WorkDate: workDate,
	}
	if req.StartedAt != nil {
		t, err := time.Parse(time.RFC3339, *req.StartedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid started_at (use RFC 3339)", err)
			return
		}
		entry.StartedAt = &t
	}
	if req.EndedAt != nil {
		t, err := time.Parse(time.RFC3339, *req.EndedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid ended_at (use RFC 3339)", err)
			return
		}
		entry.EndedAt = &t
	}
	if entry.Hours, err = parseDecimalOrZero(req.Hours); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid hours", err)
		return
	}

	if err := h.Store.SaveTimeEntry(r.Context(), entry); err != nil {
		writeBillingError(w, "Failed to save time entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": entry.ID})
}

// LockSnapshot freezes the job's revenue figures. Re-locking is a no-op
// unless force=true, which re-derives and writes an audit event.
func (h *Handler) LockSnapshot(w http.ResponseWriter, r *http.Request) {
	jobID := billing.JobID(chi.URLParam(r, "id"))
	force := r.URL.Query().Get("force") == "true"

	res, err := h.Engine.LockRevenueSnapshot(r.Context(), jobID, force, actorFrom(r))
	if err != nil {
		writeBillingError(w, "Failed to lock snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, toLockResultDTO(*res))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// LockAllSnapshots locks every job with a billing row. Per-job failures are
// reported alongside the successes instead of aborting the batch.
func (h *Handler) LockAllSnapshots(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	results, failures := h.Engine.LockAllRevenueSnapshots(r.Context(), force, actorFrom(r))

	out := LockAllResultDTO{Results: make([]LockResultDTO, len(results))}
	for i, res := range results {
		out.Results[i] = toLockResultDTO(res)
	}
	if len(failures) > 0 {
		out.Errors = make(map[string]string, len(failures))
		for jobID, err := range failures {
			out.Errors[string(jobID)] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ListAudit returns recent audit events, newest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	events, err := h.Store.ListAudit(r.Context(), limit)
	if err != nil {
		writeBillingError(w, "Failed to list audit events", err)
		return
	}

	dtos := make([]AuditEventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toAuditEventDTO(ev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func parseSubmitLines(in []SubmitLineDTO) ([]billing.SubmitLine, error) {
	lines := make([]billing.SubmitLine, len(in))
	for i, l := range in {
		hours, err := decimal.NewFromString(l.Hours)
		if err != nil {
			return nil, err
		}
		rate, err := decimal.NewFromString(l.RateNet)
		if err != nil {
			return nil, err
		}
		lines[i] = billing.SubmitLine{
			WorkUnitRef: billing.WorkUnitRef(l.WorkUnitRef),
			Hours:       hours,
			RateNet:     rate,
		}
		if l.WorkDate != "" {
			workDate, err := time.Parse("2006-01-02", l.WorkDate)
			if err != nil {
				return nil, err
			}
			lines[i].WorkDate = workDate
		}
	}
	return lines, nil
}

func parseDecimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func issueDateParam(r *http.Request) time.Time {
	raw := r.URL.Query().Get("issue_date")
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}

// writeBillingError maps the engine's error taxonomy onto HTTP statuses and
// machine-readable codes on the standard error envelope.
func writeBillingError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	code := ""
	var details any

	switch {
	case billing.IsConflict(err):
		status = http.StatusConflict
		var dupUnit *billing.DuplicateWorkUnitError
		var dupNum *billing.DuplicateNumberError
		if errors.As(err, &dupUnit) {
			code = "duplicate_work_unit"
			details = dupUnit.Refs
		} else if errors.As(err, &dupNum) {
			code = "duplicate_number"
			details = map[string]any{
				"number":              dupNum.Number,
				"existing_invoice_id": string(dupNum.ExistingInvoiceID),
			}
		}
	case errors.Is(err, billing.ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_transition"
	case errors.Is(err, billing.ErrSnapshotLocked):
		status = http.StatusConflict
		code = "snapshot_locked"
	case errors.Is(err, billing.ErrMissingBillingRow):
		status = http.StatusBadRequest
		code = "missing_billing_row"
	case billing.IsNotFound(err):
		status = http.StatusNotFound
		code = "not_found"
	case billing.IsRetryable(err):
		status = http.StatusServiceUnavailable
		code = "lock_wait"
	}

	resp := ErrorResponse{Error: message, Code: code, Details: details}
	if err != nil && resp.Details == nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
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
