package keys

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/remitgate/internal/domain"
)

// MemoryStore keeps key versions in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]map[int]domain.KeyMaterial
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]map[int]domain.KeyMaterial)}
}

func (s *MemoryStore) PutKey(ctx context.Context, key domain.KeyMaterial) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.keys[key.Name]
	if !ok {
		versions = make(map[int]domain.KeyMaterial)
		s.keys[key.Name] = versions
	}
	if _, exists := versions[key.Version]; exists {
		return domain.ErrKeyExists
	}
	versions[key.Version] = cloneKey(key)
	return nil
}

func (s *MemoryStore) ListKeys(ctx context.Context, name string) ([]domain.KeyMaterial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.KeyMaterial, 0, len(s.keys[name]))
	for _, k := range s.keys[name] {
		out = append(out, cloneKey(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) RetireKey(ctx context.Context, name string, version int, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[name][version]
	if !ok {
		return domain.ErrKeyNotFound
	}
	if k.RetiredAt == nil {
		k.RetiredAt = &at
		s.keys[name][version] = k
	}
	return nil
}

func cloneKey(k domain.KeyMaterial) domain.KeyMaterial {
	out := k
	out.PublicKey = append([]byte(nil), k.PublicKey...)
	out.PrivateKey = append([]byte(nil), k.PrivateKey...)
	if k.RetiredAt != nil {
		at := *k.RetiredAt
		out.RetiredAt = &at
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
