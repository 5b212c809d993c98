// Package sqlite persists the receipt ledger and signing key versions in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/punchamoorthee/remitgate/internal/domain"
	"github.com/punchamoorthee/remitgate/internal/keys"
	"github.com/punchamoorthee/remitgate/internal/rpt"
	"github.com/punchamoorthee/remitgate/internal/store/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store is append-only for receipts; key rows are only ever inserted or retired.
type Store struct {
	sqlDB *sql.DB
}

func toNanos(value time.Time) int64 {
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	return time.Unix(0, value).UTC()
}

// Open opens the ledger database at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendReceipt inserts rec. A second writer at the same chain position gets
// domain.ErrReceiptConflict.
func (s *Store) AppendReceipt(ctx context.Context, rec domain.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(rec.ID) == "" || strings.TrimSpace(rec.Scope) == "" {
		return fmt.Errorf("receipt id and scope are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO receipts (id, scope, seq, payload, hash, prev_hash, signature, key_name, key_version, public_key, minted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Scope, int64(rec.Seq), string(rec.Payload), rec.Hash, rec.PrevHash,
		rec.Signature, rec.KeyName, rec.KeyVersion, rec.PublicKey, toNanos(rec.MintedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrReceiptConflict
		}
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// LastReceipt returns the head of scope's chain.
func (s *Store) LastReceipt(ctx context.Context, scope string) (domain.Receipt, bool, error) {
	row := s.sqlDB.QueryRowContext(ctx, selectReceipt+" WHERE scope = ? ORDER BY seq DESC LIMIT 1", scope)
	rec, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Receipt{}, false, nil
	}
	if err != nil {
		return domain.Receipt{}, false, fmt.Errorf("query receipt head: %w", err)
	}
	return rec, true, nil
}

// ListReceipts returns scope's chain in append order.
func (s *Store) ListReceipts(ctx context.Context, scope string) ([]domain.Receipt, error) {
	rows, err := s.sqlDB.QueryContext(ctx, selectReceipt+" WHERE scope = ? ORDER BY seq", scope)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	var out []domain.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const selectReceipt = `
SELECT id, scope, seq, payload, hash, prev_hash, signature, key_name, key_version, public_key, minted_at
FROM receipts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (domain.Receipt, error) {
	var (
		rec      domain.Receipt
		seq      int64
		payload  string
		mintedAt int64
	)
	err := row.Scan(&rec.ID, &rec.Scope, &seq, &payload, &rec.Hash, &rec.PrevHash,
		&rec.Signature, &rec.KeyName, &rec.KeyVersion, &rec.PublicKey, &mintedAt)
	if err != nil {
		return domain.Receipt{}, err
	}
	rec.Seq = uint64(seq)
	rec.Payload = []byte(payload)
	rec.MintedAt = fromNanos(mintedAt)
	return rec, nil
}

// PutKey stores a new key version.
func (s *Store) PutKey(ctx context.Context, key domain.KeyMaterial) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(key.Name) == "" || key.Version <= 0 {
		return fmt.Errorf("key name and positive version are required")
	}
	var retiredAt sql.NullInt64
	if key.RetiredAt != nil {
		retiredAt = sql.NullInt64{Int64: toNanos(*key.RetiredAt), Valid: true}
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO signing_keys (name, version, public_key, private_key, created_at, retired_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		key.Name, key.Version, key.PublicKey, key.PrivateKey, toNanos(key.CreatedAt), retiredAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrKeyExists
		}
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

// ListKeys returns every version of name in ascending order.
func (s *Store) ListKeys(ctx context.Context, name string) ([]domain.KeyMaterial, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT name, version, public_key, private_key, created_at, retired_at
FROM signing_keys WHERE name = ? ORDER BY version`, name)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var out []domain.KeyMaterial
	for rows.Next() {
		var (
			key       domain.KeyMaterial
			createdAt int64
			retiredAt sql.NullInt64
		)
		if err := rows.Scan(&key.Name, &key.Version, &key.PublicKey, &key.PrivateKey, &createdAt, &retiredAt); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		key.CreatedAt = fromNanos(createdAt)
		if retiredAt.Valid {
			at := fromNanos(retiredAt.Int64)
			key.RetiredAt = &at
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// RetireKey stamps a version as retired. Retiring twice keeps the first stamp.
func (s *Store) RetireKey(ctx context.Context, name string, version int, at time.Time) error {
	res, err := s.sqlDB.ExecContext(ctx,
		"UPDATE signing_keys SET retired_at = COALESCE(retired_at, ?) WHERE name = ? AND version = ?",
		toNanos(at), name, version,
	)
	if err != nil {
		return fmt.Errorf("retire key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("retire key: %w", err)
	}
	if n == 0 {
		return domain.ErrKeyNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var (
	_ rpt.ReceiptStore = (*Store)(nil)
	_ keys.Store       = (*Store)(nil)
)
