package store

import (
	"context"
	"errors"

	"github.com/punchamoorthee/remitgate/internal/domain"
	"github.com/punchamoorthee/remitgate/internal/models"
)

var (
	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
	ErrAlreadyRequeued     = errors.New("remittance already requeued")
)

// TransferStore owns remittance records and their lifecycle.
//
// Transition is a compare-and-swap: it applies from -> to only when the stored
// status equals from, and reports false (with a nil error) when another caller
// got there first. It is the only guard against processing a remittance twice.
type TransferStore interface {
	CreateRemittance(ctx context.Context, n domain.NewRemittance) (domain.Remittance, error)
	GetRemittance(ctx context.Context, id string) (domain.Remittance, error)
	Transition(ctx context.Context, id string, from, to domain.Status, detail map[string]string) (bool, error)
	SetRemoteReference(ctx context.Context, id, reference string) error
	ListByStatus(ctx context.Context, scope string, status domain.Status) ([]domain.Remittance, error)
}

// Admitter is implemented by a store that is both the TransferStore and the
// Queue and can record and queue a remittance atomically.
type Admitter interface {
	Admit(ctx context.Context, n domain.NewRemittance) (domain.Remittance, error)
}

// Queue is a per-scope FIFO of remittance ids awaiting release.
//
// Claim removes the head atomically so exactly one caller observes a given id.
// Drain is a non-destructive peek.
type Queue interface {
	Enqueue(ctx context.Context, entry domain.QueueEntry) error
	Drain(ctx context.Context, scope string) ([]domain.QueueEntry, error)
	Claim(ctx context.Context, scope string) (domain.QueueEntry, bool, error)
	Scopes(ctx context.Context) ([]string, error)
}

// Gate is the per-scope admission switch. Reads are never cached.
type Gate interface {
	State(ctx context.Context, scope string) (domain.GateState, error)
	SetState(ctx context.Context, scope string, state domain.GateState) error
}

// IdempotencyStore reserves request keys for the enqueue route.
//
// Reserve returns the completed record for a replayed key, nil when the key
// was reserved by this call, ErrIdempotencyConflict while another request
// holds the key and ErrIdempotencyMismatch when the body hash differs.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key, requestHash string) (*models.IdempotencyRecord, error)
	Complete(ctx context.Context, key string, status int, body []byte) error
	Release(ctx context.Context, key string) error
}
