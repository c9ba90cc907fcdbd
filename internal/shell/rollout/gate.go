package rollout

import (
	"context"
	"log/slog"
	"time"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/shell/clock"
	"github.com/artpar/stackup/internal/shell/probe"
)

// =============================================================================
// Readiness Gate
// =============================================================================

// Gate polls a unit's probe at a fixed interval until it is healthy or the
// timeout elapses.
type Gate struct {
	prober probe.Prober
	clock  clock.Clock
	logger *slog.Logger
}

// NewGate creates a readiness gate.
func NewGate(prober probe.Prober, clk clock.Clock, logger *slog.Logger) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		prober: prober,
		clock:  clk,
		logger: logger.With("component", "readiness_gate"),
	}
}

// AwaitReady returns nil once the probe passes, or immediately when the unit
// declares no probe. It returns *domain.TimeoutError when timeout elapses and
// the context error when ctx is cancelled.
func (g *Gate) AwaitReady(ctx context.Context, unit domain.ServiceUnit, timeout, interval time.Duration) error {
	if !unit.HasProbe() {
		return nil
	}

	if interval <= 0 {
		interval = time.Second
	}

	start := g.clock.Now()
	deadline := start.Add(timeout)
	attempts := 0
	var last error

	for {
		attempts++
		last = g.prober.Check(ctx, *unit.Probe)
		if last == nil {
			g.logger.Info("unit ready",
				"unit", unit.Name,
				"attempts", attempts,
				"waited", g.clock.Now().Sub(start),
			)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		remaining := deadline.Sub(g.clock.Now())
		if remaining <= 0 {
			return &domain.TimeoutError{
				Unit:     unit.Name,
				Timeout:  timeout,
				Attempts: attempts,
				Last:     last,
			}
		}

		g.logger.Debug("unit not ready", "unit", unit.Name, "attempt", attempts, "error", last)
		if err := g.clock.Sleep(ctx, min(interval, remaining)); err != nil {
			return err
		}
	}
}
