package rpt

import (
	"context"
	"sync"

	"github.com/punchamoorthee/remitgate/internal/domain"
)

// MemoryReceiptStore keeps chains in process memory.
type MemoryReceiptStore struct {
	mu     sync.RWMutex
	chains map[string][]domain.Receipt
}

func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{chains: make(map[string][]domain.Receipt)}
}

func (s *MemoryReceiptStore) AppendReceipt(ctx context.Context, rec domain.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[rec.Scope]
	for _, existing := range chain {
		if existing.Seq == rec.Seq || existing.PrevHash == rec.PrevHash || existing.ID == rec.ID {
			return domain.ErrReceiptConflict
		}
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.chains[rec.Scope] = append(chain, rec)
	return nil
}

func (s *MemoryReceiptStore) LastReceipt(ctx context.Context, scope string) (domain.Receipt, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Receipt{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[scope]
	if len(chain) == 0 {
		return domain.Receipt{}, false, nil
	}
	return chain[len(chain)-1], true, nil
}

func (s *MemoryReceiptStore) ListReceipts(ctx context.Context, scope string) ([]domain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.Receipt(nil), s.chains[scope]...), nil
}

var _ ReceiptStore = (*MemoryReceiptStore)(nil)
