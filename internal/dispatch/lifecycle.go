package dispatch

import (
	"context"
	"sync"
	"time"
)

// SessionHarvester reaps onboarding sessions past their TTL (invariant O1);
// satisfied by *onboarding.Store. Declared here, narrowed to the one method
// Runner drives, so dispatch doesn't import onboarding for its concrete type.
type SessionHarvester interface {
	HarvestExpired(ctx context.Context, now time.Time) (int64, error)
}

// Runner drives the retry ticker, reconciliation sweep, and expired-session
// harvest as background goroutines, following the teacher's
// Service.Start(ctx)/Stop() lifecycle (a context.CancelFunc plus a
// sync.WaitGroup, no goroutines started from init()).
type Runner struct {
	svc       *Service
	harvester SessionHarvester

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner wraps svc with a periodic retry-tick and staleness-reconcile
// loop. harvester may be nil, in which case no harvest loop runs.
func NewRunner(svc *Service, harvester SessionHarvester) *Runner {
	return &Runner{svc: svc, harvester: harvester}
}

// Start launches the retry ticker, reconciliation loop, and (if a harvester
// was wired) the expired-session harvest loop.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.tickLoop(ctx)

	r.wg.Add(1)
	go r.reconcileLoop(ctx)

	if r.harvester != nil {
		r.wg.Add(1)
		go r.harvestLoop(ctx)
	}
}

// Stop signals every running loop to stop and waits for in-flight ticks to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runner) tickLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.svc.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.svc.TickRetries(ctx, now)
		}
	}
}

func (r *Runner) reconcileLoop(ctx context.Context) {
	defer r.wg.Done()
	// Reconciliation runs far less often than the retry tick: it only
	// sweeps attempts that already missed every scheduled retry.
	ticker := time.NewTicker(r.svc.cfg.StaleAfter / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.svc.ReconcileStale(ctx, now)
		}
	}
}

func (r *Runner) harvestLoop(ctx context.Context) {
	defer r.wg.Done()
	// Expired onboarding sessions are already reaped lazily on access
	// (GetOrCreate); this loop only catches ones nobody ever texts again.
	ticker := time.NewTicker(r.svc.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_, _ = r.harvester.HarvestExpired(ctx, now)
		}
	}
}
