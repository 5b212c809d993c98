package domain

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle position of a remittance.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInitiated Status = "INITIATED"
	StatusSettled   Status = "SETTLED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// CanTransition reports whether from -> to is a forward edge of the lifecycle.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInitiated
	case StatusInitiated:
		return to == StatusSettled || to == StatusFailed
	default:
		return false
	}
}

// Method selects the settlement rail a remittance is released to.
type Method string

const (
	MethodPayTo Method = "PAYTO"
	MethodBECS  Method = "BECS"
)

// GlobalScope is the gate scope consulted when a scope has no explicit state.
const GlobalScope = "*"

// GateState is the admission switch position for a scope.
type GateState string

const (
	GateOpen   GateState = "OPEN"
	GateClosed GateState = "CLOSED"
)

// Valid reports whether the state is one of OPEN or CLOSED.
func (g GateState) Valid() bool {
	return g == GateOpen || g == GateClosed
}

// Event is one entry of a remittance's lifecycle history.
type Event struct {
	Type      Status            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Remittance is a single instructed money movement with a tracked lifecycle.
// Amount is in minor currency units and always positive.
type Remittance struct {
	ID              string    `json:"id"`
	Scope           string    `json:"scope"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Beneficiary     string    `json:"beneficiary"`
	Method          Method    `json:"method"`
	Status          Status    `json:"status"`
	CorrelationID   string    `json:"correlation_id"`
	RemoteReference string    `json:"remote_reference,omitempty"`
	RetryOf         string    `json:"retry_of,omitempty"`
	Attempt         int       `json:"attempt"`
	Events          []Event   `json:"events"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never share event slices with a store.
func (r Remittance) Clone() Remittance {
	out := r
	out.Events = make([]Event, len(r.Events))
	for i, evt := range r.Events {
		out.Events[i] = evt
		if evt.Detail != nil {
			detail := make(map[string]string, len(evt.Detail))
			for k, v := range evt.Detail {
				detail[k] = v
			}
			out.Events[i].Detail = detail
		}
	}
	return out
}

// NewRemittance carries the caller-supplied fields of a remittance.
type NewRemittance struct {
	Scope         string
	Amount        int64
	Currency      string
	Beneficiary   string
	Method        Method
	CorrelationID string
	RetryOf       string
	Attempt       int
}

// QueueEntry is a remittance id awaiting release in its scope.
type QueueEntry struct {
	Scope        string    `json:"scope"`
	RemittanceID string    `json:"remittance_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Receipt is a Receipt Proof Token: a signed, hash-linked audit record.
// PrevHash is empty only for the first record of a scope's chain.
type Receipt struct {
	ID         string          `json:"id" yaml:"id"`
	Scope      string          `json:"scope" yaml:"scope"`
	Seq        uint64          `json:"seq" yaml:"seq"`
	Payload    json.RawMessage `json:"payload" yaml:"-"`
	Hash       string          `json:"hash" yaml:"hash"`
	PrevHash   string          `json:"prev_hash,omitempty" yaml:"prev_hash,omitempty"`
	Signature  string          `json:"signature" yaml:"signature"`
	KeyName    string          `json:"key_name" yaml:"key_name"`
	KeyVersion int             `json:"key_version" yaml:"key_version"`
	PublicKey  string          `json:"public_key" yaml:"public_key"`
	MintedAt   time.Time       `json:"minted_at" yaml:"minted_at"`
}

// KeyRecord describes one version of a logical signing key.
// PublicKey is the raw ed25519 public key.
type KeyRecord struct {
	Name      string     `json:"name"`
	Version   int        `json:"version"`
	PublicKey []byte     `json:"public_key"`
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// Retired reports whether the version no longer signs new material.
func (k KeyRecord) Retired() bool {
	return k.RetiredAt != nil
}

// KeyMaterial is a stored key version including its private half.
type KeyMaterial struct {
	KeyRecord
	PrivateKey []byte `json:"-"`
}
