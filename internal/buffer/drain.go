package buffer

import (
	"context"
	"log/slog"
	"time"

	"github.com/plantfloor/batchbridge/internal/dbwriter"
)

// Drainer runs the cooperative background task described in spec §4.3: it
// wakes on a sync interval or an explicit poke, and on wake drains pending
// entries into the database writer until the queue is empty, a transient
// failure is hit, or the queue is orphaned (no mapping snapshot).
type Drainer struct {
	buf    Buffer
	writer dbwriter.Writer
	logger *slog.Logger
	cycles func() // optional hook, incremented once per completed drain wake

	interval time.Duration
	poke     chan struct{}
}

// NewDrainer constructs a Drainer. onCycle, if non-nil, is invoked once
// per wake after DrainOnce returns, for the bridge_drain_cycles_total
// counter.
func NewDrainer(buf Buffer, writer dbwriter.Writer, interval time.Duration, logger *slog.Logger, onCycle func()) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		buf:      buf,
		writer:   writer,
		logger:   logger,
		cycles:   onCycle,
		interval: interval,
		poke:     make(chan struct{}, 1),
	}
}

// Poke requests an out-of-cycle drain attempt. Non-blocking: if a poke is
// already pending, this is a no-op.
func (d *Drainer) Poke() {
	select {
	case d.poke <- struct{}{}:
	default:
	}
}

// Run blocks, draining on each tick or poke, until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.wake(ctx)
		case <-d.poke:
			d.wake(ctx)
		}
	}
}

func (d *Drainer) wake(ctx context.Context) {
	if err := d.DrainOnce(ctx); err != nil {
		d.logger.Error("drain cycle failed", "error", err)
	}
	if d.cycles != nil {
		d.cycles()
	}
}

// DrainOnce implements spec §4.3's drain algorithm for a single wake:
// repeatedly insert the oldest pending entry until the queue empties or a
// transient error stops the cycle until the next wake. An entry rejected
// with an integrity error is dropped and the cycle continues.
func (d *Drainer) DrainOnce(ctx context.Context) error {
	count, err := d.buf.PendingCount(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	m, ok, err := d.buf.SnapshotMapping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		d.logger.Error("drain: pending entries exist but no mapping snapshot found; queue is orphaned, manual intervention needed")
		return nil
	}

	for {
		entry, ok, err := d.buf.PeekOldest(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		outcome, insErr := d.writer.Insert(ctx, entry.Record, m)
		switch outcome {
		case dbwriter.OutcomeOK:
			if err := d.buf.Remove(ctx, entry.ID); err != nil {
				return err
			}
			// loop back to step 1.
		case dbwriter.OutcomeIntegrityError:
			d.logger.Error("drain: dropping entry with integrity error", "entry_id", entry.ID, "error", insErr)
			if err := d.buf.Remove(ctx, entry.ID); err != nil {
				return err
			}
		case dbwriter.OutcomeTransientError:
			d.logger.Warn("drain: transient error, stopping cycle", "entry_id", entry.ID, "error", insErr)
			if err := d.buf.IncrementAttempts(ctx, entry.ID); err != nil {
				return err
			}
			return nil
		}
	}
}
