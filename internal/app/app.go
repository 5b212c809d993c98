// Package app assembles the stores, rails, ledger and scheduler a process runs.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/punchamoorthee/remitgate/internal/adapter"
	"github.com/punchamoorthee/remitgate/internal/api"
	"github.com/punchamoorthee/remitgate/internal/config"
	"github.com/punchamoorthee/remitgate/internal/domain"
	"github.com/punchamoorthee/remitgate/internal/keys"
	"github.com/punchamoorthee/remitgate/internal/rpt"
	"github.com/punchamoorthee/remitgate/internal/service"
	"github.com/punchamoorthee/remitgate/internal/store"
	"github.com/punchamoorthee/remitgate/internal/store/sqlite"
)

// becsSettlementPolls is how many status checks the mock BECS rail needs.
const becsSettlementPolls = 2

type App struct {
	Transfers   store.TransferStore
	Queue       store.Queue
	Gate        store.Gate
	Idempotency store.IdempotencyStore
	Keys        *keys.Manager
	Ledger      *rpt.Ledger
	Scheduler   *service.Scheduler

	closers []func()
}

// New opens Postgres when DB_SOURCE is set and the SQLite ledger when
// LEDGER_DB_PATH is set; otherwise the in-memory stores are used.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}
	fallback := domain.GateState(cfg.GateDefault)

	if cfg.DBSource != "" {
		pg, err := store.NewStore(cfg.DBSource)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		pg.GateFallback = fallback
		a.Transfers, a.Queue, a.Gate, a.Idempotency = pg, pg, pg, pg
		log.Printf("app: using postgres stores")
	} else {
		a.Transfers = store.NewMemoryTransferStore()
		a.Queue = store.NewMemoryQueue()
		a.Gate = store.NewMemoryGate(fallback)
		a.Idempotency = store.NewMemoryIdempotencyStore()
		log.Printf("app: DB_SOURCE empty, using in-memory stores")
	}

	var (
		receipts rpt.ReceiptStore
		keyStore keys.Store
	)
	if cfg.LedgerDBPath != "" {
		ledgerDB, err := openLedger(cfg.LedgerDBPath)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := ledgerDB.Close(); err != nil {
				log.Printf("app: close ledger: %v", err)
			}
		})
		receipts, keyStore = ledgerDB, ledgerDB
	} else {
		receipts, keyStore = rpt.NewMemoryReceiptStore(), keys.NewMemoryStore()
	}

	a.Keys = keys.NewManager(keyStore)
	signer, err := a.Keys.GetSigner(ctx, cfg.RPTKeyName)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	log.Printf("app: signing receipts with %s v%d", signer.Name(), signer.Version())
	a.Ledger = rpt.NewLedger(receipts, a.Keys, cfg.RPTKeyName)

	policy := service.RetryPolicy(cfg.AdapterAttempts, cfg.AdapterBackoff)
	rails := adapter.NewRegistry(
		adapter.Retrying(adapter.NewPayTo(), policy),
		adapter.Retrying(adapter.NewBECS(becsSettlementPolls), policy),
	)

	a.Scheduler = service.NewScheduler(a.Transfers, a.Queue, a.Gate, rails, a.Ledger, service.Options{
		SettlementPolls:    cfg.SettlementPolls,
		SettlementInterval: cfg.SettlementInterval,
		MaxRequeues:        cfg.MaxRequeues,
		Admission: service.AdmissionRules{
			MaxAmount:            cfg.MaxAmount,
			BlockedBeneficiaries: cfg.BlockedBeneficiary,
		},
	})
	return a, nil
}

// Handler returns the HTTP surface over the app's components.
func (a *App) Handler() *api.Handler {
	return api.NewHandler(api.Deps{
		Transfers:   a.Transfers,
		Queue:       a.Queue,
		Gate:        a.Gate,
		Idempotency: a.Idempotency,
		Scheduler:   a.Scheduler,
		Ledger:      a.Ledger,
		Keys:        a.Keys,
	})
}

// Close releases stores in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openLedger(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	s, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger sqlite store: %w", err)
	}
	return s, nil
}
