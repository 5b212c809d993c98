package models

import (
	"encoding/json"

	"github.com/punchamoorthee/remitgate/internal/domain"
)

// RemittanceRequest is the payload from the client.
type RemittanceRequest struct {
	Scope         string `json:"scope"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Beneficiary   string `json:"beneficiary"`
	Method        string `json:"method,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// RemittanceResponse is the canonical response structure.
type RemittanceResponse struct {
	Remittance domain.Remittance `json:"remittance"`
}

// CancelRequest carries the operator's reason for cancelling an in-flight transfer.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// GateRequest sets the admission state of a scope.
type GateRequest struct {
	State string `json:"state"`
}

// GateResponse reports the admission state of a scope.
type GateResponse struct {
	Scope string `json:"scope"`
	State string `json:"state"`
}

// QueueResponse lists the entries currently queued for a scope.
type QueueResponse struct {
	Scope   string              `json:"scope"`
	Entries []domain.QueueEntry `json:"entries"`
}

// ReceiptsResponse lists a scope's receipt chain in order.
type ReceiptsResponse struct {
	Scope    string           `json:"scope"`
	Receipts []domain.Receipt `json:"receipts"`
}

// ChainVerification is the result of verifying a scope's receipt chain.
type ChainVerification struct {
	Scope  string `json:"scope"`
	Length int    `json:"length"`
	OK     bool   `json:"ok"`
	Index  int    `json:"index"`
	Reason string `json:"reason,omitempty"`
}

// KeyResponse describes the versions of a logical signing key.
type KeyResponse struct {
	Name     string             `json:"name"`
	Active   int                `json:"active_version"`
	Versions []domain.KeyRecord `json:"versions"`
}

// IdempotencyRecord holds the state of a request key.
type IdempotencyRecord struct {
	Key            string
	RequestHash    string
	Status         string
	ResponseBody   json.RawMessage
	ResponseStatus int
}

const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
)
