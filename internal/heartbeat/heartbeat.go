// Package heartbeat increments a PLC watchdog counter on its own schedule,
// independent of the handshake coordinator (component E).
package heartbeat

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/plantfloor/batchbridge/internal/plcgateway"
)

// wrapMod is the heartbeat counter's modulus: a 15-bit wrapping counter.
const wrapMod = 32768

// Stepper reads the heartbeat tag, increments it mod 32768, and writes it
// back, on its own ticker. Read-before-write lets the PLC reset the counter
// without creating a permanent skew. Failures are logged but never raise a
// fault — heartbeat loss is signalled by the PLC's own watchdog timer.
type Stepper struct {
	gateway  plcgateway.Gateway
	interval time.Duration
	logger   *slog.Logger
	last     atomic.Int64
}

// New constructs a Stepper. interval defaults to 2s if zero.
func New(gateway plcgateway.Gateway, interval time.Duration, logger *slog.Logger) *Stepper {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stepper{gateway: gateway, interval: interval, logger: logger}
}

// Run ticks Step on its own interval until ctx is cancelled.
func (s *Stepper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Step(ctx)
		}
	}
}

// Step performs one read-increment-write cycle. Any failure is logged and
// otherwise ignored.
func (s *Stepper) Step(ctx context.Context) {
	prev, err := s.gateway.ReadHeartbeat(ctx)
	if err != nil {
		s.logger.Warn("heartbeat: read failed", "error", err)
		return
	}
	next := (prev + 1) % wrapMod
	if err := s.gateway.WriteHeartbeat(ctx, next); err != nil {
		s.logger.Warn("heartbeat: write failed", "error", err)
		return
	}
	s.last.Store(int64(next))
}

// LastValue returns the most recently written heartbeat value, for the
// metrics snapshot writer to sample.
func (s *Stepper) LastValue() int64 {
	return s.last.Load()
}
