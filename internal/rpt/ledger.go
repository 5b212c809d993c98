package rpt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/remitgate/internal/domain"
	"github.com/punchamoorthee/remitgate/internal/keys"
)

// ReceiptStore is an append-only per-scope chain. AppendReceipt returns
// domain.ErrReceiptConflict when the chain position is already taken.
type ReceiptStore interface {
	AppendReceipt(ctx context.Context, rec domain.Receipt) error
	LastReceipt(ctx context.Context, scope string) (domain.Receipt, bool, error)
	ListReceipts(ctx context.Context, scope string) ([]domain.Receipt, error)
}

// KeyRing supplies the active signer and historical public keys.
type KeyRing interface {
	KeyResolver
	GetSigner(ctx context.Context, name string) (*keys.Signer, error)
}

const maxAppendAttempts = 3

// Ledger appends receipts to per-scope chains. Appends within one process are
// serialized per scope; a writer in another process that wins the same
// position causes a re-read of the head and a fresh mint.
type Ledger struct {
	store   ReceiptStore
	keys    KeyRing
	keyName string
	now     func() time.Time

	mu     sync.Mutex
	scopes map[string]*sync.Mutex
}

func NewLedger(store ReceiptStore, keyRing KeyRing, keyName string) *Ledger {
	return &Ledger{
		store:   store,
		keys:    keyRing,
		keyName: keyName,
		now:     func() time.Time { return time.Now().UTC() },
		scopes:  make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) scopeLock(scope string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.scopes[scope]
	if !ok {
		m = &sync.Mutex{}
		l.scopes[scope] = m
	}
	return m
}

// Append mints a receipt over payload at the head of scope's chain.
func (l *Ledger) Append(ctx context.Context, scope string, payload any) (domain.Receipt, error) {
	lock := l.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	signer, err := l.keys.GetSigner(ctx, l.keyName)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("load signer: %w", err)
	}

	for attempt := 1; ; attempt++ {
		head, ok, err := l.store.LastReceipt(ctx, scope)
		if err != nil {
			return domain.Receipt{}, fmt.Errorf("read chain head: %w", err)
		}
		params := MintParams{Scope: scope, Seq: 1, Payload: payload, Signer: signer, Now: l.now()}
		if ok {
			params.Seq = head.Seq + 1
			params.PrevHash = head.Hash
		}
		rec, err := Mint(params)
		if err != nil {
			return domain.Receipt{}, fmt.Errorf("mint receipt: %w", err)
		}

		err = l.store.AppendReceipt(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, domain.ErrReceiptConflict) || attempt >= maxAppendAttempts {
			return domain.Receipt{}, fmt.Errorf("append receipt: %w", err)
		}
	}
}

func (l *Ledger) List(ctx context.Context, scope string) ([]domain.Receipt, error) {
	return l.store.ListReceipts(ctx, scope)
}

// Verify checks scope's whole chain against the key ring, and that the
// sequence numbers this ledger assigned run 1..n without gaps.
func (l *Ledger) Verify(ctx context.Context, scope string) (ChainReport, int, error) {
	recs, err := l.store.ListReceipts(ctx, scope)
	if err != nil {
		return ChainReport{}, 0, err
	}
	report := VerifyChainReport(ctx, recs, l.keys)
	for i, rec := range recs {
		if !report.OK && i >= report.Index {
			break
		}
		if rec.Seq != uint64(i+1) {
			report = ChainReport{Index: i, Reason: ReasonSequenceGap}
			break
		}
	}
	return report, len(recs), nil
}
