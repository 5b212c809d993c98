package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/punchamoorthee/remitgate/internal/adapter"
	"github.com/punchamoorthee/remitgate/internal/domain"
	"github.com/punchamoorthee/remitgate/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotInFlight      = errors.New("remittance is not in flight")
	ErrNotFailed        = errors.New("only failed remittances can be requeued")
	ErrRequeueLimit     = errors.New("requeue limit reached")
	ErrReceiptNotMinted = errors.New("receipt not minted")
	ErrCreateInProgress = errors.New("transfer creation in progress")
)

// Outcome is how one scheduler attempt ended. Only OutcomeError carries an error.
type Outcome string

const (
	OutcomeEmpty            Outcome = "empty"
	OutcomeDeferred         Outcome = "deferred"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeSettled          Outcome = "settled"
	OutcomeFailed           Outcome = "failed"
	OutcomeInFlight         Outcome = "in_flight"
	OutcomeError            Outcome = "error"
)

// Failure codes recorded on FAILED events and receipts.
const (
	CodeAdmissionRejected = "ADMISSION_REJECTED"
	CodeNoAdapter         = "NO_ADAPTER"
	CodeAdapterError      = "ADAPTER_ERROR"
	CodeRailFailed        = "RAIL_FAILED"
	CodeCancelled         = "CANCELLED"
	CodeEnqueueFailed     = "ENQUEUE_FAILED"
)

type Result struct {
	Outcome      Outcome         `json:"outcome"`
	Scope        string          `json:"scope"`
	RemittanceID string          `json:"remittance_id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Receipt      *domain.Receipt `json:"receipt,omitempty"`
}

// Ledger appends a receipt to a scope's chain.
type Ledger interface {
	Append(ctx context.Context, scope string, payload any) (domain.Receipt, error)
}

type Options struct {
	// WorkerID is stamped on INITIATED events. Defaults to the hostname.
	WorkerID string
	// SettlementPolls is how many status checks a tick makes before leaving a
	// transfer in flight for Reconcile.
	SettlementPolls    int
	SettlementInterval time.Duration
	// MaxRequeues caps operator requeues per original remittance.
	MaxRequeues int
	// StaleAfter is how long an INITIATED remittance may go without a remote
	// reference before Cancel stops waiting for its worker. Defaults to 5m.
	StaleAfter time.Duration
	Admission  AdmissionRules
}

// Scheduler releases queued remittances through their rail.
//
// Any number of schedulers may share the same stores. The queue claim and the
// PENDING -> INITIATED transition are the only synchronization points.
type Scheduler struct {
	transfers store.TransferStore
	queue     store.Queue
	gate      store.Gate
	adapters  *adapter.Registry
	ledger    Ledger
	opts      Options
	tracer    trace.Tracer
	now       func() time.Time

	inflight sync.Map
}

func NewScheduler(transfers store.TransferStore, queue store.Queue, gate store.Gate, adapters *adapter.Registry, ledger Ledger, opts Options) *Scheduler {
	if opts.SettlementPolls < 1 {
		opts.SettlementPolls = 1
	}
	if opts.WorkerID == "" {
		opts.WorkerID, _ = os.Hostname()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	return &Scheduler{
		transfers: transfers,
		queue:     queue,
		gate:      gate,
		adapters:  adapters,
		ledger:    ledger,
		opts:      opts,
		tracer:    otel.Tracer("github.com/punchamoorthee/remitgate/internal/service"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue records a PENDING remittance and appends it to its scope's queue.
// A store that holds both does this in one transaction. Otherwise a remittance
// that cannot be queued is failed so it is never left PENDING and unqueued.
func (s *Scheduler) Enqueue(ctx context.Context, n domain.NewRemittance) (domain.Remittance, error) {
	if ad, ok := s.transfers.(store.Admitter); ok && any(s.transfers) == any(s.queue) {
		return ad.Admit(ctx, n)
	}

	r, err := s.transfers.CreateRemittance(ctx, n)
	if err != nil {
		return domain.Remittance{}, err
	}
	entry := domain.QueueEntry{Scope: r.Scope, RemittanceID: r.ID, EnqueuedAt: r.CreatedAt}
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		err = fmt.Errorf("enqueue remittance %s: %w", r.ID, err)
		s.abandon(context.WithoutCancel(ctx), r, err)
		return r, err
	}
	return r, nil
}

// abandon closes a remittance that never reached the queue.
func (s *Scheduler) abandon(ctx context.Context, r domain.Remittance, cause error) {
	won, err := s.transfers.Transition(ctx, r.ID, domain.StatusPending, domain.StatusInitiated,
		map[string]string{"worker": s.opts.WorkerID})
	if err != nil || !won {
		log.Printf("scheduler: abandon %s: won=%v err=%v", r.ID, won, err)
		return
	}
	r.Status = domain.StatusInitiated
	if _, err := s.fail(ctx, r, Result{Scope: r.Scope, RemittanceID: r.ID}, CodeEnqueueFailed, cause.Error()); err != nil {
		log.Printf("scheduler: abandon %s: %v", r.ID, err)
	}
}

// ProcessNext makes one release attempt for the head of scope's queue.
func (s *Scheduler) ProcessNext(ctx context.Context, scope string) (res Result, err error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.ProcessNext",
		trace.WithAttributes(attribute.String("remit.scope", scope)))
	defer func() {
		if err != nil && res.Outcome == "" {
			res.Outcome = OutcomeError
		}
		span.SetAttributes(
			attribute.String("remit.outcome", string(res.Outcome)),
			attribute.String("remit.remittance_id", res.RemittanceID),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		schedulerOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	}()
	res = Result{Scope: scope}

	// 1. Gate check. Read on every attempt; CLOSED leaves the queue untouched.
	state, err := s.gate.State(ctx, scope)
	if err != nil {
		return res, fmt.Errorf("read gate %s: %w", scope, err)
	}
	ObserveGate(scope, state)
	if state != domain.GateOpen {
		res.Outcome = OutcomeDeferred
		return res, nil
	}

	// 2. Claim the head.
	entry, ok, err := s.queue.Claim(ctx, scope)
	if err != nil {
		return res, fmt.Errorf("claim %s: %w", scope, err)
	}
	if !ok {
		res.Outcome = OutcomeEmpty
		return res, nil
	}
	res.RemittanceID = entry.RemittanceID

	return s.release(ctx, entry.RemittanceID, res)
}

func (s *Scheduler) release(ctx context.Context, id string, res Result) (Result, error) {
	r, err := s.transfers.GetRemittance(ctx, id)
	if err != nil {
		return res, fmt.Errorf("load remittance %s: %w", id, err)
	}

	// 3. PENDING -> INITIATED. Losing this race is the normal no-op path.
	won, err := s.transfers.Transition(ctx, id, domain.StatusPending, domain.StatusInitiated,
		map[string]string{"worker": s.opts.WorkerID})
	if err != nil {
		return res, fmt.Errorf("initiate %s: %w", id, err)
	}
	if !won {
		res.Outcome = OutcomeAlreadyProcessed
		return res, nil
	}
	r.Status = domain.StatusInitiated

	// From here on the transfer must reach a recorded outcome even if ctx is
	// cancelled, so bookkeeping writes use a detached context.
	book := context.WithoutCancel(ctx)

	if reason := s.opts.Admission.Check(r); reason != "" {
		return s.fail(book, r, res, CodeAdmissionRejected, reason)
	}

	a, err := s.adapters.Get(r.Method)
	if err != nil {
		return s.fail(book, r, res, CodeNoAdapter, err.Error())
	}
	ac := adapter.ContextFor(r)

	// 4. Create on the rail, then poll for settlement.
	transferID, err := s.create(ctx, a, r, ac)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down mid-create; the rail may have accepted it.
			return s.leaveInFlight(r, res), nil
		}
		log.Printf("scheduler: create %s on %s: %v", r.ID, r.Method, err)
		return s.fail(book, r, res, CodeAdapterError, "create: "+err.Error())
	}
	if err := s.transfers.SetRemoteReference(book, r.ID, transferID); err != nil {
		log.Printf("scheduler: record remote reference for %s: %v", r.ID, err)
	}
	r.RemoteReference = transferID

	// An operator may have closed the remittance while Create was running.
	// The reference is recorded before this read and Cancel reads it after its
	// own transition, so one side always sees the other.
	if cur, err := s.transfers.GetRemittance(book, r.ID); err == nil && cur.Status != domain.StatusInitiated {
		s.withdraw(book, a, r, transferID, ac)
		res.Outcome = OutcomeAlreadyProcessed
		return res, nil
	}

	status, err := s.poll(ctx, a, transferID, ac)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the rail may still settle it.
			return s.leaveInFlight(r, res), nil
		}
		log.Printf("scheduler: status %s on %s: %v", r.ID, r.Method, err)
		return s.fail(book, r, res, CodeAdapterError, "status: "+err.Error())
	}
	return s.resolve(book, r, res, status)
}

// withdraw cancels a rail transfer whose remittance was closed elsewhere.
func (s *Scheduler) withdraw(ctx context.Context, a adapter.PaymentAdapter, r domain.Remittance, transferID string, ac adapter.Context) {
	start := time.Now()
	err := a.Cancel(ctx, transferID, ac)
	observeAdapter(r.Method, "cancel", start)
	if err != nil {
		log.Printf("scheduler: withdraw transfer %s of %s: %v", transferID, r.ID, err)
		return
	}
	log.Printf("scheduler: withdrew transfer %s of closed remittance %s", transferID, r.ID)
}

// resolve applies a rail status to an INITIATED remittance.
func (s *Scheduler) resolve(ctx context.Context, r domain.Remittance, res Result, status domain.Status) (Result, error) {
	switch status {
	case domain.StatusSettled:
		return s.settle(ctx, r, res)
	case domain.StatusFailed:
		return s.fail(ctx, r, res, CodeRailFailed, "rail reported failure")
	default:
		return s.leaveInFlight(r, res), nil
	}
}

func (s *Scheduler) leaveInFlight(r domain.Remittance, res Result) Result {
	s.inflight.Store(r.Scope, struct{}{})
	res.Outcome = OutcomeInFlight
	return res
}

func (s *Scheduler) create(ctx context.Context, a adapter.PaymentAdapter, r domain.Remittance, ac adapter.Context) (string, error) {
	ctx, span := s.tracer.Start(ctx, "adapter.Create", trace.WithAttributes(
		attribute.String("remit.method", string(a.Method())),
		attribute.String("remit.correlation_id", ac.CorrelationID),
	))
	defer span.End()
	defer observeAdapter(a.Method(), "create", time.Now())

	id, err := a.Create(ctx, r, ac)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return id, err
}

func (s *Scheduler) status(ctx context.Context, a adapter.PaymentAdapter, transferID string, ac adapter.Context) (domain.Status, error) {
	ctx, span := s.tracer.Start(ctx, "adapter.Status", trace.WithAttributes(
		attribute.String("remit.method", string(a.Method())),
		attribute.String("remit.transfer_id", transferID),
	))
	defer span.End()
	defer observeAdapter(a.Method(), "status", time.Now())

	st, err := a.Status(ctx, transferID, ac)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return st, err
}

// poll checks status up to SettlementPolls times and returns the last status.
func (s *Scheduler) poll(ctx context.Context, a adapter.PaymentAdapter, transferID string, ac adapter.Context) (domain.Status, error) {
	for i := 1; ; i++ {
		st, err := s.status(ctx, a, transferID, ac)
		if err != nil {
			return "", err
		}
		if st != domain.StatusInitiated || i >= s.opts.SettlementPolls {
			return st, nil
		}
		if err := sleep(ctx, s.opts.SettlementInterval); err != nil {
			return "", err
		}
	}
}

func (s *Scheduler) settle(ctx context.Context, r domain.Remittance, res Result) (Result, error) {
	won, err := s.transfers.Transition(ctx, r.ID, domain.StatusInitiated, domain.StatusSettled,
		map[string]string{"remote_reference": r.RemoteReference})
	if err != nil {
		return res, fmt.Errorf("settle %s: %w", r.ID, err)
	}
	if !won {
		res.Outcome = OutcomeAlreadyProcessed
		return res, nil
	}
	r.Status = domain.StatusSettled
	res.Outcome = OutcomeSettled
	log.Printf("scheduler: remittance %s settled scope=%s ref=%s", r.ID, r.Scope, r.RemoteReference)
	return s.attest(ctx, r, res, "", "")
}

func (s *Scheduler) fail(ctx context.Context, r domain.Remittance, res Result, code, reason string) (Result, error) {
	won, err := s.transfers.Transition(ctx, r.ID, domain.StatusInitiated, domain.StatusFailed,
		map[string]string{"code": code, "reason": reason})
	if err != nil {
		return res, fmt.Errorf("fail %s: %w", r.ID, err)
	}
	if !won {
		res.Outcome = OutcomeAlreadyProcessed
		return res, nil
	}
	r.Status = domain.StatusFailed
	res.Outcome = OutcomeFailed
	res.Reason = reason
	log.Printf("scheduler: remittance %s failed scope=%s code=%s: %s", r.ID, r.Scope, code, reason)
	return s.attest(ctx, r, res, code, reason)
}

// attest mints the receipt for a terminal outcome. The outcome stands even
// when minting fails.
func (s *Scheduler) attest(ctx context.Context, r domain.Remittance, res Result, code, reason string) (Result, error) {
	payload := newReceiptPayload(r, code, reason, s.now())
	rec, err := s.ledger.Append(ctx, r.Scope, payload)
	if err != nil {
		log.Printf("scheduler: mint receipt for %s: %v", r.ID, err)
		return res, fmt.Errorf("%w for %s: %w", ErrReceiptNotMinted, r.ID, err)
	}
	receiptsMinted.WithLabelValues(payload.Kind).Inc()
	res.Receipt = &rec
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
