package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Tick drains every scope that has queued work, stopping in a scope at the
// first deferred, empty or failed attempt.
func (s *Scheduler) Tick(ctx context.Context) ([]Result, error) {
	scopes, err := s.queue.Scopes(ctx)
	if err != nil {
		return nil, err
	}

	var (
		results []Result
		errs    []error
	)
	for _, scope := range scopes {
		for ctx.Err() == nil {
			res, err := s.ProcessNext(ctx, scope)
			if err != nil {
				errs = append(errs, err)
			}
			if res.Outcome == OutcomeEmpty || res.Outcome == OutcomeDeferred || res.Outcome == OutcomeError {
				break
			}
			results = append(results, res)
		}
	}
	return results, errors.Join(errs...)
}

// Run starts workers that tick until ctx is cancelled. A worker that finds
// nothing to release sleeps for interval before trying again. Each pass also
// reconciles scopes with transfers left in flight.
func (s *Scheduler) Run(ctx context.Context, workers int, interval time.Duration) {
	if workers < 1 {
		workers = 1
	}
	log.Printf("scheduler: starting %d workers (poll %s)", workers, interval)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for ctx.Err() == nil {
				results, err := s.Tick(ctx)
				if err != nil && ctx.Err() == nil {
					log.Printf("scheduler: worker %d tick: %v", worker, err)
				}
				if worker == 0 {
					s.reconcileTracked(ctx)
				}
				if len(results) == 0 {
					if sleep(ctx, interval) != nil {
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()
	log.Printf("scheduler: stopped")
}
