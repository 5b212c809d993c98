package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/punchamoorthee/remitgate/internal/domain"
)

var ErrRejected = errors.New("rail rejected transfer")

type mockTransfer struct {
	id        string
	polls     int
	cancelled bool
	outcome   domain.Status
}

// MockRail is an in-process settlement rail. It settles a transfer once
// Status has been polled settleAfter times and dedupes Create by idempotency key.
type MockRail struct {
	method      domain.Method
	prefix      string
	settleAfter int

	mu         sync.Mutex
	transfers  map[string]*mockTransfer
	byKey      map[string]string
	creates    int
	failCreate []error
	failStatus []error
	rejected   map[string]struct{}
	outcomes   map[string]domain.Status
}

// NewPayTo returns a real-time rail: the first status poll reports SETTLED.
func NewPayTo() *MockRail {
	return newMockRail(domain.MethodPayTo, "payto", 1)
}

// NewBECS returns a batch direct-debit rail that needs polls status checks
// before it reports SETTLED.
func NewBECS(polls int) *MockRail {
	if polls < 1 {
		polls = 2
	}
	return newMockRail(domain.MethodBECS, "becs", polls)
}

func newMockRail(method domain.Method, prefix string, settleAfter int) *MockRail {
	return &MockRail{
		method:      method,
		prefix:      prefix,
		settleAfter: settleAfter,
		transfers:   make(map[string]*mockTransfer),
		byKey:       make(map[string]string),
		rejected:    make(map[string]struct{}),
		outcomes:    make(map[string]domain.Status),
	}
}

func (m *MockRail) Method() domain.Method { return m.method }

// FailNextCreate makes the next len(errs) Create calls return errs in order.
func (m *MockRail) FailNextCreate(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreate = append(m.failCreate, errs...)
}

// FailNextStatus makes the next len(errs) Status calls return errs in order.
func (m *MockRail) FailNextStatus(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStatus = append(m.failStatus, errs...)
}

// Reject makes Create fail fatally for the beneficiary.
func (m *MockRail) Reject(beneficiary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[strings.ToUpper(beneficiary)] = struct{}{}
}

// SettleAs overrides the terminal status reported for the beneficiary.
func (m *MockRail) SettleAs(beneficiary string, status domain.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[strings.ToUpper(beneficiary)] = status
}

// Creates counts transfers actually created, excluding deduped replays.
func (m *MockRail) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

func (m *MockRail) Create(ctx context.Context, r domain.Remittance, ac Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.failCreate) > 0 {
		err := m.failCreate[0]
		m.failCreate = m.failCreate[1:]
		return "", err
	}
	if ac.IdempotencyKey != "" {
		if id, ok := m.byKey[ac.IdempotencyKey]; ok {
			return id, nil
		}
	}
	if _, ok := m.rejected[strings.ToUpper(r.Beneficiary)]; ok {
		return "", Fatal(fmt.Errorf("%w: beneficiary %s", ErrRejected, r.Beneficiary))
	}

	outcome := domain.StatusSettled
	if o, ok := m.outcomes[strings.ToUpper(r.Beneficiary)]; ok {
		outcome = o
	}
	t := &mockTransfer{id: m.prefix + "_" + uuid.NewString(), outcome: outcome}
	m.transfers[t.id] = t
	if ac.IdempotencyKey != "" {
		m.byKey[ac.IdempotencyKey] = t.id
	}
	m.creates++
	return t.id, nil
}

func (m *MockRail) Status(ctx context.Context, transferID string, _ Context) (domain.Status, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.failStatus) > 0 {
		err := m.failStatus[0]
		m.failStatus = m.failStatus[1:]
		return "", err
	}
	t, ok := m.transfers[transferID]
	if !ok {
		return "", Fatal(fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID))
	}
	if t.cancelled {
		return domain.StatusFailed, nil
	}
	t.polls++
	if t.polls < m.settleAfter {
		return domain.StatusInitiated, nil
	}
	return t.outcome, nil
}

func (m *MockRail) Cancel(ctx context.Context, transferID string, _ Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[transferID]
	if !ok {
		return Fatal(fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID))
	}
	if t.polls >= m.settleAfter {
		return Fatal(ErrNotCancellable)
	}
	t.cancelled = true
	return nil
}

var _ PaymentAdapter = (*MockRail)(nil)
