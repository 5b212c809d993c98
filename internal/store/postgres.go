package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/remitgate/internal/domain"
	"github.com/punchamoorthee/remitgate/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Store is the Postgres-backed TransferStore, Queue, Gate and IdempotencyStore.
type Store struct {
	Db           *pgxpool.Pool
	GateFallback domain.GateState
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool, GateFallback: domain.GateClosed}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateRemittance inserts a PENDING remittance and its first event.
func (s *Store) CreateRemittance(ctx context.Context, n domain.NewRemittance) (domain.Remittance, error) {
	return s.createRemittance(ctx, n, false)
}

// Admit inserts a PENDING remittance and its queue entry in one transaction,
// so a remittance is never recorded without being queued.
func (s *Store) Admit(ctx context.Context, n domain.NewRemittance) (domain.Remittance, error) {
	return s.createRemittance(ctx, n, true)
}

func (s *Store) createRemittance(ctx context.Context, n domain.NewRemittance, queue bool) (domain.Remittance, error) {
	n, err := n.Validate()
	if err != nil {
		return domain.Remittance{}, err
	}
	r := newRemittance(uuid.NewString(), n, time.Now().UTC().Truncate(time.Microsecond))

	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return domain.Remittance{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO remittances (id, scope, amount, currency, beneficiary, method, status, correlation_id, retry_of, attempt, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		r.ID, r.Scope, r.Amount, r.Currency, r.Beneficiary, string(r.Method), string(r.Status),
		r.CorrelationID, nullIfEmpty(r.RetryOf), r.Attempt, r.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return domain.Remittance{}, ErrAlreadyRequeued
			case "23503":
				return domain.Remittance{}, domain.ErrRemittanceNotFound
			}
		}
		return domain.Remittance{}, fmt.Errorf("remittance insert failed: %w", err)
	}

	first := r.Events[0]
	if err := insertEvent(ctx, tx, r.ID, first); err != nil {
		return domain.Remittance{}, err
	}

	if queue {
		_, err = tx.Exec(ctx,
			"INSERT INTO remittance_queue (scope, remittance_id, enqueued_at) VALUES ($1, $2, $3)",
			r.Scope, r.ID, r.CreatedAt,
		)
		if err != nil {
			return domain.Remittance{}, fmt.Errorf("enqueue failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Remittance{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return r, nil
}

// GetRemittance retrieves a remittance with its ordered events.
func (s *Store) GetRemittance(ctx context.Context, id string) (domain.Remittance, error) {
	r, err := scanRemittance(s.Db.QueryRow(ctx, selectRemittance+" WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Remittance{}, domain.ErrRemittanceNotFound
		}
		return domain.Remittance{}, fmt.Errorf("remittance query failed: %w", err)
	}
	if r.Events, err = s.loadEvents(ctx, id); err != nil {
		return domain.Remittance{}, err
	}
	return r, nil
}

// Transition applies from -> to only if the row still holds from.
// A concurrent UPDATE on the same row blocks on the row lock and then
// re-evaluates the status predicate, so exactly one caller wins.
func (s *Store) Transition(ctx context.Context, id string, from, to domain.Status, detail map[string]string) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		"UPDATE remittances SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2",
		id, string(from), string(to), now,
	)
	if err != nil {
		return false, fmt.Errorf("status update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM remittances WHERE id = $1)", id).Scan(&exists); err != nil {
			return false, fmt.Errorf("remittance lookup failed: %w", err)
		}
		if !exists {
			return false, domain.ErrRemittanceNotFound
		}
		return false, nil
	}

	if err := insertEvent(ctx, tx, id, domain.Event{Type: to, Timestamp: now, Detail: detail}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, nil
}

func (s *Store) SetRemoteReference(ctx context.Context, id, reference string) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE remittances SET remote_reference = $2, updated_at = $3 WHERE id = $1",
		id, reference, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("remote reference update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRemittanceNotFound
	}
	return nil
}

func (s *Store) ListByStatus(ctx context.Context, scope string, status domain.Status) ([]domain.Remittance, error) {
	rows, err := s.Db.Query(ctx,
		selectRemittance+" WHERE scope = $1 AND status = $2 ORDER BY created_at, id",
		scope, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("remittance list failed: %w", err)
	}
	var out []domain.Remittance
	for rows.Next() {
		r, err := scanRemittance(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan remittance: %w", err)
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remittances: %w", err)
	}

	for i := range out {
		if out[i].Events, err = s.loadEvents(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadEvents(ctx context.Context, id string) ([]domain.Event, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT type, detail, created_at FROM remittance_events WHERE remittance_id = $1 ORDER BY id",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("event query failed: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			evt     domain.Event
			evtType string
			detail  []byte
		)
		if err := rows.Scan(&evtType, &detail, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Type = domain.Status(evtType)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &evt.Detail); err != nil {
				return nil, fmt.Errorf("decode event detail: %w", err)
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

const selectRemittance = `
SELECT id, scope, amount, currency, beneficiary, method, status, correlation_id,
       COALESCE(remote_reference, ''), COALESCE(retry_of, ''), attempt, created_at, updated_at
FROM remittances`

func scanRemittance(row pgx.Row) (domain.Remittance, error) {
	var (
		r              domain.Remittance
		method, status string
	)
	err := row.Scan(&r.ID, &r.Scope, &r.Amount, &r.Currency, &r.Beneficiary, &method, &status,
		&r.CorrelationID, &r.RemoteReference, &r.RetryOf, &r.Attempt, &r.CreatedAt, &r.UpdatedAt)
	r.Method = domain.Method(method)
	r.Status = domain.Status(status)
	return r, err
}

func insertEvent(ctx context.Context, tx pgx.Tx, id string, evt domain.Event) error {
	var detail []byte
	if len(evt.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(evt.Detail); err != nil {
			return fmt.Errorf("encode event detail: %w", err)
		}
	}
	_, err := tx.Exec(ctx,
		"INSERT INTO remittance_events (remittance_id, type, detail, created_at) VALUES ($1, $2, $3, $4)",
		id, string(evt.Type), detail, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("event insert failed: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Enqueue appends to the tail of the entry's scope.
func (s *Store) Enqueue(ctx context.Context, entry domain.QueueEntry) error {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	tag, err := s.Db.Exec(ctx, `
INSERT INTO remittance_queue (scope, remittance_id, enqueued_at) VALUES ($1, $2, $3)
ON CONFLICT (remittance_id) DO NOTHING`,
		entry.Scope, entry.RemittanceID, entry.EnqueuedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return domain.ErrRemittanceNotFound
		}
		return fmt.Errorf("enqueue failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyQueued
	}
	return nil
}

func (s *Store) Drain(ctx context.Context, scope string) ([]domain.QueueEntry, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT scope, remittance_id, enqueued_at FROM remittance_queue WHERE scope = $1 ORDER BY seq",
		scope,
	)
	if err != nil {
		return nil, fmt.Errorf("queue query failed: %w", err)
	}
	defer rows.Close()

	var entries []domain.QueueEntry
	for rows.Next() {
		var e domain.QueueEntry
		if err := rows.Scan(&e.Scope, &e.RemittanceID, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Claim deletes and returns the head of the scope. SKIP LOCKED lets concurrent
// claimers move on to the next row instead of queueing behind the head.
func (s *Store) Claim(ctx context.Context, scope string) (domain.QueueEntry, bool, error) {
	var e domain.QueueEntry
	err := s.Db.QueryRow(ctx, `
DELETE FROM remittance_queue
WHERE seq = (
    SELECT seq FROM remittance_queue
    WHERE scope = $1
    ORDER BY seq
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING scope, remittance_id, enqueued_at`, scope).Scan(&e.Scope, &e.RemittanceID, &e.EnqueuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.QueueEntry{}, false, nil
		}
		return domain.QueueEntry{}, false, fmt.Errorf("claim failed: %w", err)
	}
	return e, true, nil
}

func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.Db.Query(ctx, "SELECT DISTINCT scope FROM remittance_queue ORDER BY scope")
	if err != nil {
		return nil, fmt.Errorf("scope query failed: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// State reads the scope's gate, falling back to the global row, then GateFallback.
func (s *Store) State(ctx context.Context, scope string) (domain.GateState, error) {
	var state string
	err := s.Db.QueryRow(ctx,
		"SELECT state FROM gates WHERE scope IN ($1, $2) ORDER BY (scope = $2) LIMIT 1",
		scope, domain.GlobalScope,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if s.GateFallback.Valid() {
				return s.GateFallback, nil
			}
			return domain.GateClosed, nil
		}
		return "", fmt.Errorf("gate query failed: %w", err)
	}
	return domain.GateState(state), nil
}

func (s *Store) SetState(ctx context.Context, scope string, state domain.GateState) error {
	if !state.Valid() {
		return domain.ErrInvalidGateState
	}
	_, err := s.Db.Exec(ctx, `
INSERT INTO gates (scope, state, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (scope) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		scope, string(state), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("gate update failed: %w", err)
	}
	return nil
}

func (s *Store) Reserve(ctx context.Context, key, requestHash string) (*models.IdempotencyRecord, error) {
	tag, err := s.Db.Exec(ctx, `
INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, $3)
ON CONFLICT (key) DO NOTHING`,
		key, requestHash, models.IdempotencyInProgress,
	)
	if err != nil {
		return nil, fmt.Errorf("key reservation failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	var (
		rec    models.IdempotencyRecord
		status *int
	)
	err = s.Db.QueryRow(ctx,
		"SELECT key, request_hash, status, response_status, response_body FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&rec.Key, &rec.RequestHash, &rec.Status, &status, &rec.ResponseBody)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Released between our insert and select.
			return nil, ErrIdempotencyConflict
		}
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	if rec.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	if rec.Status != models.IdempotencyCompleted || status == nil {
		return nil, ErrIdempotencyConflict
	}
	rec.ResponseStatus = *status
	return &rec, nil
}

func (s *Store) Complete(ctx context.Context, key string, status int, body []byte) error {
	_, err := s.Db.Exec(ctx,
		"UPDATE idempotency_keys SET status = $2, response_status = $3, response_body = $4 WHERE key = $1",
		key, models.IdempotencyCompleted, status, body,
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key string) error {
	_, err := s.Db.Exec(ctx, "DELETE FROM idempotency_keys WHERE key = $1 AND status <> $2", key, models.IdempotencyCompleted)
	if err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	return nil
}

var (
	_ TransferStore    = (*Store)(nil)
	_ Queue            = (*Store)(nil)
	_ Gate             = (*Store)(nil)
	_ IdempotencyStore = (*Store)(nil)
)
