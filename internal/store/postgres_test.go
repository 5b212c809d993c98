package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/punchamoorthee/remitgate/internal/domain"
)

// openTestStore connects to REMITGATE_TEST_DB_SOURCE and truncates every table.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("REMITGATE_TEST_DB_SOURCE")
	if dsn == "" {
		t.Skip("REMITGATE_TEST_DB_SOURCE not set")
	}
	s, err := NewStore(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)

	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := s.Db.Exec(ctx, "TRUNCATE remittance_queue, remittance_events, remittances, gates, idempotency_keys"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestPostgresTransitionCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := newTestRemittance(t, s, "org-1")

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Transition(ctx, r.ID, domain.StatusPending, domain.StatusInitiated, map[string]string{"worker": "test"})
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}

	got, err := s.GetRemittance(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusInitiated || len(got.Events) != 2 {
		t.Fatalf("remittance = %+v", got)
	}
	if got.Events[1].Detail["worker"] != "test" {
		t.Fatalf("event detail = %v", got.Events[1].Detail)
	}
}

func TestPostgresClaimFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		r := newTestRemittance(t, s, "org-1")
		if err := s.Enqueue(ctx, domain.QueueEntry{Scope: r.Scope, RemittanceID: r.ID}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, r.ID)
	}
	if err := s.Enqueue(ctx, domain.QueueEntry{Scope: "org-1", RemittanceID: ids[0]}); !errors.Is(err, domain.ErrAlreadyQueued) {
		t.Fatalf("err = %v, want ErrAlreadyQueued", err)
	}

	for _, want := range ids {
		e, ok, err := s.Claim(ctx, "org-1")
		if err != nil || !ok {
			t.Fatalf("claim = %v, %v", ok, err)
		}
		if e.RemittanceID != want {
			t.Fatalf("claimed %s, want %s", e.RemittanceID, want)
		}
	}
	if _, ok, _ := s.Claim(ctx, "org-1"); ok {
		t.Fatal("expected empty queue")
	}
}

func TestPostgresGateFallback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if state, _ := s.State(ctx, "org-1"); state != domain.GateClosed {
		t.Fatalf("default = %s", state)
	}
	if err := s.SetState(ctx, domain.GlobalScope, domain.GateOpen); err != nil {
		t.Fatalf("set: %v", err)
	}
	if state, _ := s.State(ctx, "org-1"); state != domain.GateOpen {
		t.Fatalf("global = %s", state)
	}
	if err := s.SetState(ctx, "org-1", domain.GateClosed); err != nil {
		t.Fatalf("set: %v", err)
	}
	if state, _ := s.State(ctx, "org-1"); state != domain.GateClosed {
		t.Fatalf("scoped = %s", state)
	}
}

func TestPostgresRequeueUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	parent := newTestRemittance(t, s, "org-1")

	child := domain.NewRemittance{
		Scope: "org-1", Amount: 1250, Currency: "AUD", Beneficiary: "acct-42",
		RetryOf: parent.ID, Attempt: 2,
	}
	if _, err := s.CreateRemittance(ctx, child); err != nil {
		t.Fatalf("create child: %v", err)
	}
	if _, err := s.CreateRemittance(ctx, child); !errors.Is(err, ErrAlreadyRequeued) {
		t.Fatalf("err = %v, want ErrAlreadyRequeued", err)
	}
}

func TestPostgresAdmitQueuesAtomically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r, err := s.Admit(ctx, domain.NewRemittance{Scope: "org-1", Amount: 500, Currency: "AUD", Beneficiary: "acct-1"})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	entries, err := s.Drain(ctx, "org-1")
	if err != nil || len(entries) != 1 || entries[0].RemittanceID != r.ID {
		t.Fatalf("queue = %+v, %v", entries, err)
	}

	// A rejected insert leaves neither a remittance nor a queue row.
	child := domain.NewRemittance{Scope: "org-1", Amount: 500, Currency: "AUD", Beneficiary: "acct-1", RetryOf: r.ID, Attempt: 2}
	if _, err := s.Admit(ctx, child); err != nil {
		t.Fatalf("admit child: %v", err)
	}
	if _, err := s.Admit(ctx, child); !errors.Is(err, ErrAlreadyRequeued) {
		t.Fatalf("err = %v, want ErrAlreadyRequeued", err)
	}
	var remittances, queued int
	if err := s.Db.QueryRow(ctx, "SELECT count(*) FROM remittances").Scan(&remittances); err != nil {
		t.Fatalf("count remittances: %v", err)
	}
	if err := s.Db.QueryRow(ctx, "SELECT count(*) FROM remittance_queue").Scan(&queued); err != nil {
		t.Fatalf("count queue: %v", err)
	}
	if remittances != 2 || queued != 2 {
		t.Fatalf("remittances = %d, queued = %d; want 2 and 2", remittances, queued)
	}
}
