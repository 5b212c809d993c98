package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/punchamoorthee/remitgate/internal/adapter"
	"github.com/punchamoorthee/remitgate/internal/domain"
)

// Reconcile re-polls every INITIATED remittance of scope once. Transfers that
// never recorded a remote reference are reported in flight; only Cancel can
// close them, once they are older than StaleAfter.
func (s *Scheduler) Reconcile(ctx context.Context, scope string) ([]Result, error) {
	pending, err := s.transfers.ListByStatus(ctx, scope, domain.StatusInitiated)
	if err != nil {
		return nil, fmt.Errorf("list in-flight %s: %w", scope, err)
	}

	var (
		results []Result
		errs    []error
		open    bool
	)
	for _, r := range pending {
		res := Result{Scope: scope, RemittanceID: r.ID}
		if r.RemoteReference == "" {
			res.Outcome = OutcomeInFlight
			res.Reason = "no remote reference"
			results = append(results, res)
			continue
		}
		a, err := s.adapters.Get(r.Method)
		if err != nil {
			res, err = s.fail(ctx, r, res, CodeNoAdapter, err.Error())
		} else {
			var st domain.Status
			st, err = s.status(ctx, a, r.RemoteReference, adapter.ContextFor(r))
			switch {
			case err != nil && adapter.IsFatal(err):
				res, err = s.fail(ctx, r, res, CodeAdapterError, "status: "+err.Error())
			case err != nil:
				// Transient: try again on the next pass.
				res.Outcome = OutcomeInFlight
				res.Reason = err.Error()
				err = nil
			default:
				res, err = s.resolve(ctx, r, res, st)
			}
		}
		if err != nil {
			errs = append(errs, err)
			if res.Outcome == "" {
				res.Outcome = OutcomeError
			}
		}
		if res.Outcome == OutcomeInFlight {
			open = true
		}
		schedulerOutcomes.WithLabelValues(string(res.Outcome)).Inc()
		results = append(results, res)
	}
	if !open {
		s.inflight.Delete(scope)
	}
	return results, errors.Join(errs...)
}

// reconcileTracked reconciles every scope this scheduler left transfers in flight in.
func (s *Scheduler) reconcileTracked(ctx context.Context) {
	s.inflight.Range(func(key, _ any) bool {
		scope := key.(string)
		if _, err := s.Reconcile(ctx, scope); err != nil {
			log.Printf("scheduler: reconcile %s: %v", scope, err)
		}
		return ctx.Err() == nil
	})
}

// Cancel asks the rail to cancel an INITIATED transfer and fails it.
// A transfer that settles first is reported as already processed.
//
// Without a remote reference a worker may still be inside Create, so Cancel
// refuses with ErrCreateInProgress until the record is older than StaleAfter.
func (s *Scheduler) Cancel(ctx context.Context, id, reason string) (Result, error) {
	r, err := s.transfers.GetRemittance(ctx, id)
	if err != nil {
		return Result{}, err
	}
	res := Result{Scope: r.Scope, RemittanceID: r.ID}
	if r.Status != domain.StatusInitiated {
		return res, fmt.Errorf("%w: status is %s", ErrNotInFlight, r.Status)
	}

	a, err := s.adapters.Get(r.Method)
	if r.RemoteReference != "" {
		if err != nil {
			return res, err
		}
		start := s.now()
		err = a.Cancel(ctx, r.RemoteReference, adapter.ContextFor(r))
		observeAdapter(r.Method, "cancel", start)
		if err != nil {
			return res, fmt.Errorf("cancel transfer %s: %w", r.RemoteReference, err)
		}
	} else if age := s.now().Sub(r.UpdatedAt); age < s.opts.StaleAfter {
		return res, fmt.Errorf("%w: initiated %s ago", ErrCreateInProgress, age.Round(time.Second))
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by operator"
	}
	book := context.WithoutCancel(ctx)
	res, err = s.fail(book, r, res, CodeCancelled, reason)
	if res.Outcome == OutcomeFailed && r.RemoteReference == "" && a != nil {
		// A late worker may have recorded a transfer before our transition.
		if cur, gerr := s.transfers.GetRemittance(book, r.ID); gerr == nil && cur.RemoteReference != "" {
			s.withdraw(book, a, cur, cur.RemoteReference, adapter.ContextFor(cur))
		}
	}
	schedulerOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	return res, err
}

// Requeue enqueues a new attempt for a FAILED remittance. The failed record
// is left untouched; the new one links back through RetryOf.
func (s *Scheduler) Requeue(ctx context.Context, id string) (domain.Remittance, error) {
	parent, err := s.transfers.GetRemittance(ctx, id)
	if err != nil {
		return domain.Remittance{}, err
	}
	if parent.Status != domain.StatusFailed {
		return domain.Remittance{}, fmt.Errorf("%w: status is %s", ErrNotFailed, parent.Status)
	}
	if parent.Attempt > s.opts.MaxRequeues {
		return domain.Remittance{}, fmt.Errorf("%w: attempt %d of %d", ErrRequeueLimit, parent.Attempt, s.opts.MaxRequeues+1)
	}

	child, err := s.Enqueue(ctx, domain.NewRemittance{
		Scope:         parent.Scope,
		Amount:        parent.Amount,
		Currency:      parent.Currency,
		Beneficiary:   parent.Beneficiary,
		Method:        parent.Method,
		CorrelationID: parent.CorrelationID,
		RetryOf:       parent.ID,
		Attempt:       parent.Attempt + 1,
	})
	if err != nil {
		return child, err
	}
	log.Printf("scheduler: remittance %s requeued as %s (attempt %d)", parent.ID, child.ID, child.Attempt)
	return child, nil
}
