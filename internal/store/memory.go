package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/remitgate/internal/domain"
	"github.com/punchamoorthee/remitgate/internal/models"
)

// MemoryTransferStore keeps remittances in an indexed map behind a mutex.
type MemoryTransferStore struct {
	mu       sync.Mutex
	byID     map[string]*domain.Remittance
	children map[string]string
	now      func() time.Time
}

func NewMemoryTransferStore() *MemoryTransferStore {
	return &MemoryTransferStore{
		byID:     make(map[string]*domain.Remittance),
		children: make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryTransferStore) CreateRemittance(ctx context.Context, n domain.NewRemittance) (domain.Remittance, error) {
	if err := ctx.Err(); err != nil {
		return domain.Remittance{}, err
	}
	n, err := n.Validate()
	if err != nil {
		return domain.Remittance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n.RetryOf != "" {
		if _, ok := s.byID[n.RetryOf]; !ok {
			return domain.Remittance{}, domain.ErrRemittanceNotFound
		}
		if _, taken := s.children[n.RetryOf]; taken {
			return domain.Remittance{}, ErrAlreadyRequeued
		}
	}

	id := uuid.NewString()
	now := s.now()
	r := newRemittance(id, n, now)
	s.byID[id] = &r
	if n.RetryOf != "" {
		s.children[n.RetryOf] = id
	}
	return r.Clone(), nil
}

func (s *MemoryTransferStore) GetRemittance(ctx context.Context, id string) (domain.Remittance, error) {
	if err := ctx.Err(); err != nil {
		return domain.Remittance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return domain.Remittance{}, domain.ErrRemittanceNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryTransferStore) Transition(ctx context.Context, id string, from, to domain.Status, detail map[string]string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return false, domain.ErrRemittanceNotFound
	}
	if r.Status != from {
		return false, nil
	}
	now := s.now()
	r.Status = to
	r.UpdatedAt = now
	r.Events = append(r.Events, domain.Event{Type: to, Timestamp: now, Detail: copyDetail(detail)})
	return true, nil
}

func (s *MemoryTransferStore) SetRemoteReference(ctx context.Context, id, reference string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return domain.ErrRemittanceNotFound
	}
	r.RemoteReference = reference
	r.UpdatedAt = s.now()
	return nil
}

func (s *MemoryTransferStore) ListByStatus(ctx context.Context, scope string, status domain.Status) ([]domain.Remittance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Remittance
	for _, r := range s.byID {
		if r.Scope == scope && r.Status == status {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func newRemittance(id string, n domain.NewRemittance, now time.Time) domain.Remittance {
	correlationID := strings.TrimSpace(n.CorrelationID)
	if correlationID == "" {
		correlationID = "remit-" + id
	}
	return domain.Remittance{
		ID:            id,
		Scope:         n.Scope,
		Amount:        n.Amount,
		Currency:      n.Currency,
		Beneficiary:   n.Beneficiary,
		Method:        n.Method,
		Status:        domain.StatusPending,
		CorrelationID: correlationID,
		RetryOf:       n.RetryOf,
		Attempt:       n.Attempt,
		Events: []domain.Event{{
			Type:      domain.StatusPending,
			Timestamp: now,
			Detail:    map[string]string{"reason": "remittance enqueued"},
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func copyDetail(detail map[string]string) map[string]string {
	if len(detail) == 0 {
		return nil
	}
	out := make(map[string]string, len(detail))
	for k, v := range detail {
		out[k] = v
	}
	return out
}

// MemoryQueue is a single-writer FIFO per scope.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string][]domain.QueueEntry
	queued  map[string]struct{}
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		entries: make(map[string][]domain.QueueEntry),
		queued:  make(map[string]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, entry domain.QueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Scope == "" || entry.RemittanceID == "" {
		return fmt.Errorf("queue entry requires scope and remittance id")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[entry.RemittanceID]; ok {
		return domain.ErrAlreadyQueued
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = q.now()
	}
	q.entries[entry.Scope] = append(q.entries[entry.Scope], entry)
	q.queued[entry.RemittanceID] = struct{}{}
	return nil
}

func (q *MemoryQueue) Drain(ctx context.Context, scope string) ([]domain.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]domain.QueueEntry(nil), q.entries[scope]...), nil
}

func (q *MemoryQueue) Claim(ctx context.Context, scope string) (domain.QueueEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.QueueEntry{}, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.entries[scope]
	if len(pending) == 0 {
		return domain.QueueEntry{}, false, nil
	}
	head := pending[0]
	if len(pending) == 1 {
		delete(q.entries, scope)
	} else {
		q.entries[scope] = pending[1:]
	}
	delete(q.queued, head.RemittanceID)
	return head, true, nil
}

func (q *MemoryQueue) Scopes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	scopes := make([]string, 0, len(q.entries))
	for scope := range q.entries {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}

// MemoryGate holds the current admission state per scope. No history is kept.
type MemoryGate struct {
	mu       sync.RWMutex
	states   map[string]domain.GateState
	fallback domain.GateState
}

// NewMemoryGate returns a gate whose unset scopes report fallback, unless the
// global scope has been set.
func NewMemoryGate(fallback domain.GateState) *MemoryGate {
	if !fallback.Valid() {
		fallback = domain.GateClosed
	}
	return &MemoryGate{states: make(map[string]domain.GateState), fallback: fallback}
}

func (g *MemoryGate) State(ctx context.Context, scope string) (domain.GateState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if state, ok := g.states[scope]; ok {
		return state, nil
	}
	if state, ok := g.states[domain.GlobalScope]; ok {
		return state, nil
	}
	return g.fallback, nil
}

func (g *MemoryGate) SetState(ctx context.Context, scope string, state domain.GateState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !state.Valid() {
		return domain.ErrInvalidGateState
	}
	if strings.TrimSpace(scope) == "" {
		return fmt.Errorf("gate scope is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.states[scope] = state
	return nil
}

// MemoryIdempotencyStore keeps request keys in a map.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*models.IdempotencyRecord
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]*models.IdempotencyRecord)}
}

func (s *MemoryIdempotencyStore) Reserve(ctx context.Context, key, requestHash string) (*models.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		if rec.RequestHash != requestHash {
			return nil, ErrIdempotencyMismatch
		}
		if rec.Status != models.IdempotencyCompleted {
			return nil, ErrIdempotencyConflict
		}
		out := *rec
		out.ResponseBody = append([]byte(nil), rec.ResponseBody...)
		return &out, nil
	}
	s.records[key] = &models.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      models.IdempotencyInProgress,
	}
	return nil, nil
}

func (s *MemoryIdempotencyStore) Complete(ctx context.Context, key string, status int, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("idempotency key %q is not reserved", key)
	}
	rec.Status = models.IdempotencyCompleted
	rec.ResponseStatus = status
	rec.ResponseBody = append([]byte(nil), body...)
	return nil
}

func (s *MemoryIdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.Status != models.IdempotencyCompleted {
		delete(s.records, key)
	}
	return nil
}

var (
	_ TransferStore    = (*MemoryTransferStore)(nil)
	_ Queue            = (*MemoryQueue)(nil)
	_ Gate             = (*MemoryGate)(nil)
	_ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
)
