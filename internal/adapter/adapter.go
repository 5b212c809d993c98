// Package adapter abstracts settlement rails behind PaymentAdapter.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/punchamoorthee/remitgate/internal/domain"
)

var (
	// ErrFatal marks an adapter error that must not be retried.
	ErrFatal = errors.New("fatal adapter error")

	ErrUnknownTransfer = errors.New("unknown transfer")
	ErrNotCancellable  = errors.New("transfer cannot be cancelled")
	ErrNoAdapter       = errors.New("no adapter for payment method")
)

// Fatal wraps err so IsFatal reports true.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// Context travels with every rail call. IdempotencyKey is stable across
// retries of the same remittance so a rail never creates two transfers.
type Context struct {
	CorrelationID  string
	IdempotencyKey string
}

// ContextFor builds the call context for r.
func ContextFor(r domain.Remittance) Context {
	return Context{CorrelationID: r.CorrelationID, IdempotencyKey: r.ID}
}

// PaymentAdapter is one settlement rail.
//
// Status reports INITIATED while the rail is still working, then SETTLED or
// FAILED.
type PaymentAdapter interface {
	Method() domain.Method
	Create(ctx context.Context, r domain.Remittance, ac Context) (string, error)
	Status(ctx context.Context, transferID string, ac Context) (domain.Status, error)
	Cancel(ctx context.Context, transferID string, ac Context) error
}

// Registry resolves the adapter for a payment method.
type Registry struct {
	adapters map[domain.Method]PaymentAdapter
}

func NewRegistry(adapters ...PaymentAdapter) *Registry {
	r := &Registry{adapters: make(map[domain.Method]PaymentAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Method()] = a
	}
	return r
}

func (r *Registry) Get(method domain.Method) (PaymentAdapter, error) {
	a, ok := r.adapters[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoAdapter, method)
	}
	return a, nil
}

// Methods lists the registered methods in name order.
func (r *Registry) Methods() []domain.Method {
	out := make([]domain.Method, 0, len(r.adapters))
	for m := range r.adapters {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
