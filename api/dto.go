/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY FIELDS:
  All monetary and rate values cross the wire as decimal strings
  ("120.00", "0.20") to avoid float drift in clients.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: The domain model these project
*/
package api

import (
	"time"

	"github.com/fieldops/billing-engine/billing"
)

// =============================================================================
// BILLERS
// =============================================================================

// BillerDTO represents a biller in API responses.
type BillerDTO struct {
	ID             string  `json:"id"`
	Kind           string  `json:"kind"`
	Name           string  `json:"name"`
	VATRegistered  bool    `json:"vat_registered"`
	DefaultVATRate *string `json:"default_vat_rate,omitempty"`
	SequencePrefix string  `json:"sequence_prefix,omitempty"`
	NextNumber     int64   `json:"next_number"`
	CreatedAt      string  `json:"created_at,omitempty"`
}

// CreateBillerRequest is the request to create or update a biller.
type CreateBillerRequest struct {
	ID             string  `json:"id"`
	Kind           string  `json:"kind"`
	Name           string  `json:"name"`
	VATRegistered  bool    `json:"vat_registered"`
	DefaultVATRate *string `json:"default_vat_rate,omitempty"`
	SequencePrefix string  `json:"sequence_prefix,omitempty"`
}

// =============================================================================
// INVOICES
// =============================================================================

// SubmitLineDTO is one proposed invoice line.
type SubmitLineDTO struct {
	WorkUnitRef string `json:"work_unit_ref,omitempty"`
	Hours       string `json:"hours"`
	RateNet     string `json:"rate_net"`
	WorkDate    string `json:"work_date,omitempty"` // YYYY-MM-DD
}

// SubmitInvoiceRequest is the request to validate and submit an invoice.
type SubmitInvoiceRequest struct {
	BillerID       string          `json:"biller_id"`
	ExplicitNumber *int64          `json:"explicit_number,omitempty"`
	VATRate        *string         `json:"vat_rate,omitempty"`
	IssueDate      string          `json:"issue_date,omitempty"` // YYYY-MM-DD
	Lines          []SubmitLineDTO `json:"lines"`
}

// CreateDraftRequest is the request to park an invoice without a number.
type CreateDraftRequest struct {
	BillerID string          `json:"biller_id"`
	Lines    []SubmitLineDTO `json:"lines"`
}

// SubmitDraftRequest numbers and submits an existing draft.
type SubmitDraftRequest struct {
	ExplicitNumber *int64  `json:"explicit_number,omitempty"`
	VATRate        *string `json:"vat_rate,omitempty"`
	IssueDate      string  `json:"issue_date,omitempty"`
}

// TransitionRequest moves an invoice to a new status.
type TransitionRequest struct {
	Status string `json:"status"`
}

// InvoiceLineDTO represents a stored invoice line.
type InvoiceLineDTO struct {
	ID          string `json:"id"`
	WorkUnitRef string `json:"work_unit_ref,omitempty"`
	Hours       string `json:"hours"`
	RateNet     string `json:"rate_net"`
	LineNet     string `json:"line_net"`
	WorkDate    string `json:"work_date,omitempty"`
}

// InvoiceDTO represents an invoice in API responses.
type InvoiceDTO struct {
	ID        string           `json:"id"`
	BillerID  string           `json:"biller_id"`
	Number    *int64           `json:"number,omitempty"`
	Status    string           `json:"status"`
	VATRate   string           `json:"vat_rate"`
	IssueDate string           `json:"issue_date,omitempty"`
	Net       string           `json:"net"`
	VAT       string           `json:"vat"`
	Gross     string           `json:"gross"`
	Lines     []InvoiceLineDTO `json:"lines"`
	CreatedAt string           `json:"created_at,omitempty"`
	UpdatedAt string           `json:"updated_at,omitempty"`
}

// NextNumberDTO is the non-consuming counter preview.
type NextNumberDTO struct {
	Key        string `json:"key"`
	NextNumber int64  `json:"next_number"`
}

// =============================================================================
// JOBS & SNAPSHOTS
// =============================================================================

// JobBillingDTO represents the billing parameters and snapshot for a job.
type JobBillingDTO struct {
	JobID                   string  `json:"job_id"`
	BillerID                string  `json:"biller_id,omitempty"`
	HourlyRate              string  `json:"hourly_rate"`
	FirstHourPremium        string  `json:"first_hour_premium"`
	NoticeFee               string  `json:"notice_fee"`
	VATRateOverride         *string `json:"vat_rate_override,omitempty"`
	BillableHoursOverride   *string `json:"billable_hours_override,omitempty"`
	BillableHoursCalculated string  `json:"billable_hours_calculated"`
	RevenueNetSnapshot      string  `json:"revenue_net_snapshot"`
	RevenueVATSnapshot      string  `json:"revenue_vat_snapshot"`
	RevenueGrossSnapshot    string  `json:"revenue_gross_snapshot"`
	Locked                  bool    `json:"locked"`
	LockedAt                *string `json:"locked_at,omitempty"`
}

// SaveJobBillingRequest creates or updates a job's billing parameters.
type SaveJobBillingRequest struct {
	BillerID              string  `json:"biller_id,omitempty"`
	HourlyRate            string  `json:"hourly_rate"`
	FirstHourPremium      string  `json:"first_hour_premium,omitempty"`
	NoticeFee             string  `json:"notice_fee,omitempty"`
	VATRateOverride       *string `json:"vat_rate_override,omitempty"`
	BillableHoursOverride *string `json:"billable_hours_override,omitempty"`
}

// TimeEntryRequest records one worked interval against a job.
type TimeEntryRequest struct {
	ID        string  `json:"id"`
	WorkDate  string  `json:"work_date"` // YYYY-MM-DD
	StartedAt *string `json:"started_at,omitempty"`
	EndedAt   *string `json:"ended_at,omitempty"`
	Hours     string  `json:"hours,omitempty"`
}

// LockResultDTO is the outcome of one snapshot lock.
type LockResultDTO struct {
	JobID   string `json:"job_id"`
	Outcome string `json:"outcome"`
	Hours   string `json:"hours"`
	Net     string `json:"net"`
	VAT     string `json:"vat"`
	Gross   string `json:"gross"`
}

// LockAllResultDTO aggregates a batch lock run.
type LockAllResultDTO struct {
	Results []LockResultDTO   `json:"results"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditEventDTO represents one administrative audit entry.
type AuditEventDTO struct {
	ID      string            `json:"id"`
	At      string            `json:"at"`
	Action  string            `json:"action"`
	ActorID string            `json:"actor_id,omitempty"`
	JobID   string            `json:"job_id,omitempty"`
	Key     string            `json:"key,omitempty"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toBillerDTO(b billing.Biller) BillerDTO {
	dto := BillerDTO{
		ID:             string(b.ID),
		Kind:           string(b.Kind),
		Name:           b.Name,
		VATRegistered:  b.VATRegistered,
		SequencePrefix: b.SequencePrefix,
		NextNumber:     b.NextNumber,
		CreatedAt:      b.CreatedAt.Format(time.RFC3339),
	}
	if b.DefaultVATRate != nil {
		s := b.DefaultVATRate.String()
		dto.DefaultVATRate = &s
	}
	return dto
}

func toInvoiceDTO(inv *billing.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:        string(inv.ID),
		BillerID:  string(inv.BillerID),
		Number:    inv.Number,
		Status:    string(inv.Status),
		VATRate:   inv.VATRate.String(),
		Net:       inv.Net.StringFixed(2),
		VAT:       inv.VAT.StringFixed(2),
		Gross:     inv.Gross.StringFixed(2),
		Lines:     make([]InvoiceLineDTO, len(inv.Lines)),
		CreatedAt: inv.CreatedAt.Format(time.RFC3339),
		UpdatedAt: inv.UpdatedAt.Format(time.RFC3339),
	}
	if !inv.IssueDate.IsZero() {
		dto.IssueDate = inv.IssueDate.Format("2006-01-02")
	}
	for i, l := range inv.Lines {
		dto.Lines[i] = InvoiceLineDTO{
			ID:          l.ID,
			WorkUnitRef: string(l.WorkUnitRef),
			Hours:       l.Hours.String(),
			RateNet:     l.RateNet.String(),
			LineNet:     l.LineNet.StringFixed(2),
		}
		if !l.WorkDate.IsZero() {
			dto.Lines[i].WorkDate = l.WorkDate.Format("2006-01-02")
		}
	}
	return dto
}

func toJobBillingDTO(jb *billing.JobBilling) JobBillingDTO {
	dto := JobBillingDTO{
		JobID:                   string(jb.JobID),
		BillerID:                string(jb.BillerID),
		HourlyRate:              jb.HourlyRate.String(),
		FirstHourPremium:        jb.FirstHourPremium.String(),
		NoticeFee:               jb.NoticeFee.String(),
		BillableHoursCalculated: jb.BillableHoursCalculated.String(),
		RevenueNetSnapshot:      jb.RevenueNetSnapshot.StringFixed(2),
		RevenueVATSnapshot:      jb.RevenueVATSnapshot.StringFixed(2),
		RevenueGrossSnapshot:    jb.RevenueGrossSnapshot.StringFixed(2),
		Locked:                  jb.Locked(),
	}
	if jb.VATRateOverride != nil {
		s := jb.VATRateOverride.String()
		dto.VATRateOverride = &s
	}
	if jb.BillableHoursOverride != nil {
		s := jb.BillableHoursOverride.String()
		dto.BillableHoursOverride = &s
	}
	if jb.LockedAt != nil {
		s := jb.LockedAt.Format(time.RFC3339)
		dto.LockedAt = &s
	}
	return dto
}

func toLockResultDTO(res billing.LockResult) LockResultDTO {
	return LockResultDTO{
		JobID:   string(res.JobID),
		Outcome: string(res.Outcome),
		Hours:   res.Hours.String(),
		Net:     res.Net.StringFixed(2),
		VAT:     res.VAT.StringFixed(2),
		Gross:   res.Gross.StringFixed(2),
	}
}

func toAuditEventDTO(ev billing.AuditEvent) AuditEventDTO {
	return AuditEventDTO{
		ID:      ev.ID,
		At:      ev.At.Format(time.RFC3339),
		Action:  string(ev.Action),
		ActorID: ev.ActorID,
		JobID:   string(ev.JobID),
		Key:     ev.Key,
		Detail:  ev.Detail,
	}
}
