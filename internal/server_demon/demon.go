package server_demon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"escrowgo/internal/apperror"
	"escrowgo/internal/config"
	entity "escrowgo/internal/entity"
	"escrowgo/internal/metrics"
	"escrowgo/utils/connector"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	SweepDeposits = "deposits"
	SweepEscrows  = "escrows"
	SweepCustody  = "custody"
	SweepPayouts  = "payouts"
)

// Services the daemon drives. Each per-payment sweep lists candidates and
// hands them one at a time to a handler.
type (
	DepositSweeper interface {
		ProcessNewDeposits(ctx context.Context) (int, error)
	}
	EscrowSweeper interface {
		FundingCandidates(ctx context.Context, limit int) ([]*entity.Payment, error)
		CreateAndFundEscrow(ctx context.Context, p *entity.Payment) (*entity.Escrow, error)
	}
	CustodySweeper interface {
		Candidates(ctx context.Context, limit int) ([]*entity.ReleaseCandidate, error)
		ReleaseOne(ctx context.Context, c *entity.ReleaseCandidate) (bool, error)
	}
	PayoutSweeper interface {
		PayoutCandidates(ctx context.Context, limit int) ([]*entity.Payment, error)
		ProcessPayout(ctx context.Context, p *entity.Payment) error
	}
)

type sweep interface {
	name() string
	every() time.Duration
	tick(ctx context.Context) (int, error)
}

// Daemon runs every sweep on its own ticker until the context is cancelled.
type Daemon struct {
	sweeps []sweep
	byName map[string]sweep
	log    *zap.Logger
}

func NewDaemon(cfg *config.Config, deposits DepositSweeper, escrows EscrowSweeper, custody CustodySweeper, payouts PayoutSweeper, log *zap.Logger) *Daemon {
	log = log.With(zap.String("component", "daemon"))
	workers, timeout := cfg.Sweeps.Workers, cfg.Sweeps.PaymentTimeout

	d := &Daemon{byName: make(map[string]sweep), log: log}
	d.add(&batchSweep{
		sweepName: SweepDeposits,
		interval:  cfg.Sweeps.DepositInterval,
		run:       deposits.ProcessNewDeposits,
	})
	d.add(&poolSweep[*entity.Payment]{
		sweepName:  SweepEscrows,
		interval:   cfg.Sweeps.EscrowInterval,
		workers:    workers,
		timeout:    timeout,
		candidates: escrows.FundingCandidates,
		key:        func(p *entity.Payment) string { return p.ID },
		handle: func(ctx context.Context, p *entity.Payment) (bool, error) {
			_, err := escrows.CreateAndFundEscrow(ctx, p)
			return outcome(err)
		},
		log: log,
	})
	d.add(&poolSweep[*entity.ReleaseCandidate]{
		sweepName:  SweepCustody,
		interval:   cfg.Sweeps.CustodyInterval,
		workers:    workers,
		timeout:    timeout,
		candidates: custody.Candidates,
		key:        func(c *entity.ReleaseCandidate) string { return c.Payment.ID },
		handle:     custody.ReleaseOne,
		log:        log,
	})
	d.add(&poolSweep[*entity.Payment]{
		sweepName:  SweepPayouts,
		interval:   cfg.Sweeps.PayoutInterval,
		workers:    workers,
		timeout:    timeout,
		candidates: payouts.PayoutCandidates,
		key:        func(p *entity.Payment) string { return p.ID },
		handle: func(ctx context.Context, p *entity.Payment) (bool, error) {
			return outcome(payouts.ProcessPayout(ctx, p))
		},
		log: log,
	})
	return d
}

// outcome skips a payment whose step another worker or instance holds.
func outcome(err error) (bool, error) {
	if apperror.CodeOf(err) == apperror.CodeBusy {
		return false, nil
	}
	return err == nil, err
}

func (d *Daemon) add(s sweep) {
	d.sweeps = append(d.sweeps, s)
	d.byName[s.name()] = s
}

// Run blocks until ctx is done. Each sweep fires once at start-up and then on
// its interval; a tick still running when the next one is due delays it.
func (d *Daemon) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range d.sweeps {
		wg.Add(1)
		go func(s sweep) {
			defer wg.Done()
			d.loop(ctx, s)
		}(s)
	}
	d.log.Info("Sweeps started", zap.Int("count", len(d.sweeps)))
	wg.Wait()
	d.log.Info("Sweeps stopped")
}

func (d *Daemon) loop(ctx context.Context, s sweep) {
	ticker := time.NewTicker(s.every())
	defer ticker.Stop()
	for {
		d.runTick(ctx, s)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs a single tick of the named sweep.
func (d *Daemon) RunOnce(ctx context.Context, name string) (int, error) {
	s, ok := d.byName[name]
	if !ok {
		return 0, fmt.Errorf("unknown sweep %q", name)
	}
	return d.runTick(ctx, s)
}

func (d *Daemon) runTick(ctx context.Context, s sweep) (int, error) {
	start := time.Now()
	n, err := s.tick(ctx)
	metrics.ObserveSweep(s.name(), time.Since(start).Seconds())

	log := d.log.With(zap.String("sweep", s.name()), zap.Duration("took", time.Since(start)))
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		log.Warn("Sweep finished with errors",
			zap.Int("processed", n),
			zap.Int("errors", len(multierr.Errors(err))),
			zap.Error(err))
	case n > 0:
		log.Info("Sweep finished", zap.Int("processed", n))
	default:
		log.Debug("Sweep finished", zap.Int("processed", n))
	}
	return n, err
}

// batchSweep wraps a service call that handles its own candidates.
type batchSweep struct {
	sweepName string
	interval  time.Duration
	run       func(ctx context.Context) (int, error)
}

func (b *batchSweep) name() string         { return b.sweepName }
func (b *batchSweep) every() time.Duration { return b.interval }

func (b *batchSweep) tick(ctx context.Context) (int, error) {
	n, err := b.run(ctx)
	if err != nil {
		metrics.IncProcessed(b.sweepName, "failed")
	} else if n > 0 {
		metrics.IncProcessed(b.sweepName, "done")
	}
	return n, err
}

// poolSweep fans candidates out to a bounded set of workers sharing one
// queue. Each candidate gets its own deadline; one that runs out is left for
// the next tick.
type poolSweep[T any] struct {
	sweepName  string
	interval   time.Duration
	workers    int
	timeout    time.Duration
	candidates func(ctx context.Context, limit int) ([]T, error)
	key        func(T) string
	handle     func(ctx context.Context, item T) (bool, error)
	log        *zap.Logger
}

func (p *poolSweep[T]) name() string         { return p.sweepName }
func (p *poolSweep[T]) every() time.Duration { return p.interval }

func (p *poolSweep[T]) tick(ctx context.Context) (int, error) {
	items, err := p.candidates(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("%s: failed to list candidates: %w", p.sweepName, err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	queue := connector.NewQueue[T]()
	queue.EnqueueList(items)

	workers := p.workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	var (
		mu   sync.Mutex
		done int
		errs error
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				item, ok := queue.Dequeue()
				if !ok {
					return
				}
				ok, err := p.process(ctx, item)
				mu.Lock()
				if ok {
					done++
				}
				if err != nil {
					errs = multierr.Append(errs, fmt.Errorf("payment %s: %w", p.key(item), err))
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		errs = multierr.Append(errs, ctx.Err())
	}
	return done, errs
}

func (p *poolSweep[T]) process(ctx context.Context, item T) (bool, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ok, err := p.handle(ctx, item)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		metrics.IncProcessed(p.sweepName, "timeout")
		p.log.Warn("Payment abandoned for this tick",
			zap.String("sweep", p.sweepName),
			zap.String("payment_id", p.key(item)),
			zap.Duration("timeout", p.timeout))
	case err != nil:
		metrics.IncProcessed(p.sweepName, "failed")
	case ok:
		metrics.IncProcessed(p.sweepName, "done")
	default:
		metrics.IncProcessed(p.sweepName, "skipped")
	}
	return ok, err
}
