// Package keys manages versioned ed25519 signing keys.
//
// Each logical key name has versions 1..n. Signing always uses the highest
// version that has not been retired; every version stays available for
// verification, so rotating never breaks signatures made earlier.
package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/remitgate/internal/domain"
)

var ErrNoActiveKey = errors.New("no active key version")

// Store persists key versions. Versions are inserted once and only ever
// retired afterwards.
type Store interface {
	PutKey(ctx context.Context, key domain.KeyMaterial) error
	ListKeys(ctx context.Context, name string) ([]domain.KeyMaterial, error)
	RetireKey(ctx context.Context, name string, version int, at time.Time) error
}

// Signer signs with one key version.
type Signer struct {
	name    string
	version int
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

func (s *Signer) Name() string { return s.name }

func (s *Signer) Version() int { return s.version }

func (s *Signer) PublicKey() ed25519.PublicKey { return s.public }

func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.private, msg)
}

func (s *Signer) Verify(msg, sig []byte) bool {
	return ed25519.Verify(s.public, msg, sig)
}

type Manager struct {
	store Store
	rand  io.Reader
	now   func() time.Time
	mu    sync.Mutex
}

func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		rand:  rand.Reader,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// GetSigner returns the active signer for name, creating version 1 on first use.
func (m *Manager) GetSigner(ctx context.Context, name string) (*Signer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("key name is required")
	}
	if s, err := m.activeSigner(ctx, name); !errors.Is(err, ErrNoActiveKey) {
		return s, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have created it while we waited.
	if s, err := m.activeSigner(ctx, name); !errors.Is(err, ErrNoActiveKey) {
		return s, err
	}
	if _, err := m.createVersion(ctx, name); err != nil && !errors.Is(err, domain.ErrKeyExists) {
		return nil, err
	}
	return m.activeSigner(ctx, name)
}

// RotateKey creates the next version of name and retires the versions before
// it. If the new key cannot be generated or stored, nothing changes.
func (m *Manager) RotateKey(ctx context.Context, name string) (domain.KeyRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.KeyRecord{}, fmt.Errorf("key name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	created, err := m.createVersion(ctx, name)
	if err != nil {
		return domain.KeyRecord{}, fmt.Errorf("rotate key %s: %w", name, err)
	}

	versions, err := m.store.ListKeys(ctx, name)
	if err != nil {
		log.Printf("keys: list %s after rotation: %v", name, err)
		return created.KeyRecord, nil
	}
	now := m.now()
	for _, k := range versions {
		if k.Version >= created.Version || k.Retired() {
			continue
		}
		// Signing already moved to the new version, so this is only bookkeeping.
		if err := m.store.RetireKey(ctx, name, k.Version, now); err != nil {
			log.Printf("keys: retire %s v%d after rotation: %v", name, k.Version, err)
		}
	}
	return created.KeyRecord, nil
}

// RetireKey stops version from signing. Retiring the only active version
// makes the next GetSigner create a fresh one.
func (m *Manager) RetireKey(ctx context.Context, name string, version int) error {
	if _, err := m.GetKeyRecord(ctx, name, version); err != nil {
		return err
	}
	if err := m.store.RetireKey(ctx, name, version, m.now()); err != nil {
		return fmt.Errorf("retire key %s v%d: %w", name, version, err)
	}
	return nil
}

// GetKeyRecord returns the public record of one version, retired or not.
func (m *Manager) GetKeyRecord(ctx context.Context, name string, version int) (domain.KeyRecord, error) {
	versions, err := m.store.ListKeys(ctx, name)
	if err != nil {
		return domain.KeyRecord{}, fmt.Errorf("list keys: %w", err)
	}
	for _, k := range versions {
		if k.Version == version {
			return k.KeyRecord, nil
		}
	}
	return domain.KeyRecord{}, fmt.Errorf("%w: %s v%d", domain.ErrKeyNotFound, name, version)
}

// PublicKey resolves the verification key for a version.
func (m *Manager) PublicKey(ctx context.Context, name string, version int) (ed25519.PublicKey, error) {
	rec, err := m.GetKeyRecord(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if len(rec.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key %s v%d: malformed public key", name, version)
	}
	return ed25519.PublicKey(rec.PublicKey), nil
}

// Versions lists every version of name without private material.
func (m *Manager) Versions(ctx context.Context, name string) ([]domain.KeyRecord, error) {
	versions, err := m.store.ListKeys(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]domain.KeyRecord, 0, len(versions))
	for _, k := range versions {
		out = append(out, k.KeyRecord)
	}
	return out, nil
}

func (m *Manager) activeSigner(ctx context.Context, name string) (*Signer, error) {
	versions, err := m.store.ListKeys(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var active *domain.KeyMaterial
	for i := range versions {
		k := &versions[i]
		if k.Retired() {
			continue
		}
		if active == nil || k.Version > active.Version {
			active = k
		}
	}
	if active == nil {
		return nil, ErrNoActiveKey
	}
	if len(active.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key %s v%d: malformed private key", name, active.Version)
	}
	return &Signer{
		name:    name,
		version: active.Version,
		private: ed25519.PrivateKey(active.PrivateKey),
		public:  ed25519.PublicKey(active.PublicKey),
	}, nil
}

// createVersion must be called with m.mu held.
func (m *Manager) createVersion(ctx context.Context, name string) (domain.KeyMaterial, error) {
	versions, err := m.store.ListKeys(ctx, name)
	if err != nil {
		return domain.KeyMaterial{}, fmt.Errorf("list keys: %w", err)
	}
	next := 1
	for _, k := range versions {
		if k.Version >= next {
			next = k.Version + 1
		}
	}

	pub, priv, err := ed25519.GenerateKey(m.rand)
	if err != nil {
		return domain.KeyMaterial{}, fmt.Errorf("generate key: %w", err)
	}
	key := domain.KeyMaterial{
		KeyRecord: domain.KeyRecord{
			Name:      name,
			Version:   next,
			PublicKey: []byte(pub),
			CreatedAt: m.now(),
		},
		PrivateKey: []byte(priv),
	}
	if err := m.store.PutKey(ctx, key); err != nil {
		return domain.KeyMaterial{}, fmt.Errorf("store key: %w", err)
	}
	log.Printf("keys: created %s v%d", name, next)
	return key, nil
}
