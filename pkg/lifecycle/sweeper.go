package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Caseline-Labs/caseline/core/pkg/identity"
	"github.com/Caseline-Labs/caseline/core/pkg/txn"
)

// Sweeper periodically re-evaluates parked entities against their stored
// resume timestamp and auto-transitions elapsed ones back to the active
// state, attributed to the system actor. Each resume runs in its own unit
// of work so one conflicting entity cannot poison the batch.
type Sweeper struct {
	machine  *Machine
	runner   *txn.Runner
	interval time.Duration
	batch    int
	limiter  *rate.Limiter
	now      func() time.Time
	logger   *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithInterval overrides the sweep cadence.
func WithInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithBatchSize bounds entities resumed per sweep.
func WithBatchSize(n int) SweeperOption {
	return func(s *Sweeper) { s.batch = n }
}

// WithResumeRate caps resume transitions per second, so a large backlog
// after downtime does not stampede the database.
func WithResumeRate(perSecond float64) SweeperOption {
	return func(s *Sweeper) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1) }
}

// WithSweeperClock injects a clock, for tests.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a sweeper over the machine and transaction runner.
func NewSweeper(machine *Machine, runner *txn.Runner, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		machine:  machine,
		runner:   runner,
		interval: time.Minute,
		batch:    100,
		limiter:  rate.NewLimiter(rate.Limit(20), 1),
		now:      time.Now,
		logger:   slog.Default().With("component", "lifecycle.sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("resumed parked entities", "count", n)
			}
		}
	}
}

// SweepOnce resumes every parked entity whose resume timestamp has
// elapsed, up to the batch size. Returns the number resumed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	def := s.machine.Definition()
	if def.ParkState == "" {
		return 0, nil
	}

	now := s.now().UTC()
	parked, err := s.machine.store.ListParkedBefore(ctx, def.ParkState, now, s.batch)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: sweep list: %w", err)
	}

	resumed := 0
	for _, inst := range parked {
		if err := s.limiter.Wait(ctx); err != nil {
			return resumed, err
		}

		inst := inst
		err := s.runner.Execute(ctx, func(ctx context.Context) error {
			_, err := s.machine.Apply(ctx, inst, TransitionInput{
				To:         def.ResumeState,
				Annotation: fmt.Sprintf("auto-resumed: scheduled resume time %s elapsed", inst.ParkedUntil.UTC().Format(time.RFC3339)),
			}, identity.SystemActor(inst.TenantID))
			return err
		})
		switch {
		case err == nil:
			resumed++
		case errors.Is(err, ErrStaleEntity):
			// Someone transitioned it between list and apply; next sweep
			// re-evaluates.
			continue
		default:
			return resumed, fmt.Errorf("lifecycle: sweep resume %s: %w", inst.EntityID, err)
		}
	}
	return resumed, nil
}
