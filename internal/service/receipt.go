package service

import (
	"time"

	"github.com/punchamoorthee/remitgate/internal/domain"
)

const (
	KindSettled = "remittance.settled"
	KindFailed  = "remittance.failed"
)

// ReceiptPayload is the decision a remittance receipt attests to.
type ReceiptPayload struct {
	Kind            string        `json:"kind"`
	RemittanceID    string        `json:"remittance_id"`
	Scope           string        `json:"scope"`
	Status          domain.Status `json:"status"`
	Amount          int64         `json:"amount"`
	Currency        string        `json:"currency"`
	Beneficiary     string        `json:"beneficiary"`
	Method          domain.Method `json:"method"`
	CorrelationID   string        `json:"correlation_id"`
	RemoteReference string        `json:"remote_reference,omitempty"`
	RetryOf         string        `json:"retry_of,omitempty"`
	Attempt         int           `json:"attempt"`
	Code            string        `json:"code,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	DecidedAt       string        `json:"decided_at"`
}

func newReceiptPayload(r domain.Remittance, code, reason string, at time.Time) ReceiptPayload {
	kind := KindSettled
	if r.Status == domain.StatusFailed {
		kind = KindFailed
	}
	return ReceiptPayload{
		Kind:            kind,
		RemittanceID:    r.ID,
		Scope:           r.Scope,
		Status:          r.Status,
		Amount:          r.Amount,
		Currency:        r.Currency,
		Beneficiary:     r.Beneficiary,
		Method:          r.Method,
		CorrelationID:   r.CorrelationID,
		RemoteReference: r.RemoteReference,
		RetryOf:         r.RetryOf,
		Attempt:         r.Attempt,
		Code:            code,
		Reason:          reason,
		DecidedAt:       at.UTC().Format(time.RFC3339Nano),
	}
}
