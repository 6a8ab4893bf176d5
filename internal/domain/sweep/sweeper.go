package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// GenerationSweeper is the generation-side work the sweeper drives
type GenerationSweeper interface {
	SweepStale(ctx context.Context, limit int) (int, error)
	ProcessQueue(ctx context.Context) (int, error)
}

// OrderReconciler is the payment-side work the sweeper drives
type OrderReconciler interface {
	Reconcile(ctx context.Context, limit int) (int, error)
}

// Config tunes the sweep cadence and batch sizes
type Config struct {
	Interval          time.Duration
	ReconcileInterval time.Duration
	BatchSize         int
}

// Sweeper runs the periodic reconciliation loops: stale generation
// settlement, queue draining and pending order re-query. Every operation it
// invokes shares an atomic claim with the live request paths, so racing them
// is safe; the sweeper is the guarantee that money eventually settles even
// when every synchronous path failed.
type Sweeper struct {
	generations GenerationSweeper
	orders      OrderReconciler
	cfg         Config
	wake        <-chan struct{}
}

func New(generations GenerationSweeper, orders OrderReconciler, cfg Config, wake <-chan struct{}) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	return &Sweeper{generations: generations, orders: orders, cfg: cfg, wake: wake}
}

// Run blocks until the context is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("reconcile_interval", s.cfg.ReconcileInterval).
		Int("batch_size", s.cfg.BatchSize).
		Msg("sweeper started")

	sweepTicker := time.NewTicker(s.cfg.Interval)
	defer sweepTicker.Stop()
	reconcileTicker := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()

	// One pass up front so a restart does not wait a full interval
	s.sweepGenerations(ctx)
	s.reconcileOrders(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweeper stopped")
			return
		case <-sweepTicker.C:
			s.sweepGenerations(ctx)
		case <-reconcileTicker.C:
			s.reconcileOrders(ctx)
		case _, ok := <-s.wake:
			if !ok {
				// Wake channel gone (no Redis); interval polling continues
				s.wake = nil
				continue
			}
			s.drainQueue(ctx)
		}
	}
}

func (s *Sweeper) sweepGenerations(ctx context.Context) {
	n, err := s.generations.SweepStale(ctx, s.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("generation sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int("settled", n).Msg("generation sweep settled stale rows")
	}
}

func (s *Sweeper) reconcileOrders(ctx context.Context) {
	n, err := s.orders.Reconcile(ctx, s.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("order reconciliation failed")
		return
	}
	if n > 0 {
		log.Info().Int("applied", n).Msg("order reconciliation applied paid orders")
	}
}

func (s *Sweeper) drainQueue(ctx context.Context) {
	n, err := s.generations.ProcessQueue(ctx)
	if err != nil {
		log.Error().Err(err).Msg("queue drain failed")
		return
	}
	if n > 0 {
		log.Info().Int("dispatched", n).Msg("queue drained after wake")
	}
}
