// Package supervisor runs the executor's independent subsystems
// (membership publisher, lifecycle manager, gateway, RPC server, usage
// aggregator, ...) as a restart-with-backoff tree, and propagates
// shutdown downward with a bounded grace window so components can
// checkpoint minimal state before the process exits (spec.md §9:
// "Shutdown propagates from the supervisor downward with a 30-second
// grace window; components must checkpoint minimal state (update-seed
// counters, unsubmitted usage) before completing"). The restart loop is
// grounded in lifecycle.Manager's Run, generalized from one
// errgroup-per-event fan-out into one supervised goroutine per named
// component.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Component is one independently restartable subsystem. Run should
// block until ctx is cancelled or an unrecoverable error occurs; a nil
// return on ctx cancellation is treated as a clean stop, not a crash.
type Component struct {
	Name string
	Run  func(ctx context.Context) error

	// Checkpoint, if set, is called with a fresh context bounded by the
	// supervisor's shutdown grace window after ctx is cancelled and Run
	// has returned, giving the component a last chance to persist
	// in-memory state (e.g. usage.Aggregator's running totals) before
	// the process exits.
	Checkpoint func(ctx context.Context) error

	// Restart controls whether a non-nil, non-context-cancelled error
	// from Run triggers a backoff-and-retry instead of tearing down the
	// whole supervisor. Defaults to true when unset.
	Restart *bool
}

func (c Component) restarts() bool {
	return c.Restart == nil || *c.Restart
}

// Config controls restart backoff and shutdown timing.
type Config struct {
	// RestartBaseDelay is the initial backoff between restarts of a
	// crashing component; it doubles per sethvargo/go-retry's
	// exponential policy up to RestartMaxDelay.
	RestartBaseDelay time.Duration
	// RestartMaxDelay caps the backoff between restart attempts.
	RestartMaxDelay time.Duration
	// ShutdownGrace bounds how long Checkpoint hooks are given to run
	// after cancellation (spec.md §9's 30-second window).
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.RestartBaseDelay <= 0 {
		c.RestartBaseDelay = 500 * time.Millisecond
	}
	if c.RestartMaxDelay <= 0 {
		c.RestartMaxDelay = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Metrics is the subset of telemetry.Registry the supervisor reports
// component restarts and checkpoint outcomes to.
type Metrics interface {
	ObserveComponentRestart(name string)
	ObserveCheckpoint(name, outcome string)
}

// Supervisor owns a fixed set of Components, restarting each
// independently on failure and coordinating a bounded-grace shutdown
// across all of them together.
type Supervisor struct {
	cfg  Config
	log  zerolog.Logger
	mx   Metrics
	comp []Component
}

// New builds a Supervisor over comps. Order does not affect start
// order: every component starts concurrently, since spec.md's
// component graph has no startup ordering dependency (each subsystem
// tolerates its dependencies not yet being reachable and retries).
func New(cfg Config, comps []Component, log zerolog.Logger, mx Metrics) *Supervisor {
	return &Supervisor{
		cfg:  cfg.withDefaults(),
		log:  log.With().Str("component", "supervisor").Logger(),
		mx:   mx,
		comp: comps,
	}
}

// Run starts every component and blocks until ctx is cancelled and
// every component's checkpoint (if any) has completed or the shutdown
// grace window elapses, whichever comes first. It returns the first
// non-restart error encountered, if any.
func (s *Supervisor) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	var checkpointWG sync.WaitGroup

	for _, c := range s.comp {
		c := c
		group.Go(func() error {
			err := s.runWithRestart(gctx, c)
			checkpointWG.Add(1)
			go func() {
				defer checkpointWG.Done()
				s.runCheckpoint(c)
			}()
			return err
		})
	}

	err := group.Wait()

	done := make(chan struct{})
	go func() {
		checkpointWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("supervisor: shutdown grace window elapsed before all checkpoints completed")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runWithRestart runs c.Run, restarting it with exponential backoff on
// non-cancellation error until ctx is done or c.restarts() is false.
func (s *Supervisor) runWithRestart(ctx context.Context, c Component) error {
	// No retry cap: restarts are unlimited, since the component graph runs
	// for the life of the process.
	b, err := retry.NewExponential(s.cfg.RestartBaseDelay)
	if err != nil {
		return fmt.Errorf("supervisor: %s: %w", c.Name, err)
	}
	b = retry.WithCappedDuration(s.cfg.RestartMaxDelay, b)

	for {
		err := c.Run(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if !c.restarts() {
			s.log.Error().Err(err).Str("component", c.Name).Msg("supervisor: component failed, restarts disabled")
			return fmt.Errorf("supervisor: %s: %w", c.Name, err)
		}

		s.log.Warn().Err(err).Str("component", c.Name).Msg("supervisor: component crashed, restarting")
		if s.mx != nil {
			s.mx.ObserveComponentRestart(c.Name)
		}

		delay, stop := b.Next()
		if stop {
			return fmt.Errorf("supervisor: %s: exhausted restarts: %w", c.Name, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) runCheckpoint(c Component) {
	if c.Checkpoint == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := c.Checkpoint(ctx); err != nil {
		s.log.Warn().Err(err).Str("component", c.Name).Msg("supervisor: checkpoint failed")
		if s.mx != nil {
			s.mx.ObserveCheckpoint(c.Name, "failure")
		}
		return
	}
	if s.mx != nil {
		s.mx.ObserveCheckpoint(c.Name, "success")
	}
}
