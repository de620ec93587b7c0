// Package handshake drives the 4-state PLC handshake protocol: on each
// completed trigger it validates the batch, persists it through the
// database writer or falls back to the durable buffer, and reports a
// derived health status (component D).
package handshake

import (
	"context"
	"log/slog"
	"time"

	"github.com/plantfloor/batchbridge/internal/buffer"
	"github.com/plantfloor/batchbridge/internal/dbwriter"
	"github.com/plantfloor/batchbridge/internal/mapping"
	"github.com/plantfloor/batchbridge/internal/plcgateway"
	"github.com/plantfloor/batchbridge/internal/recipe"
	"github.com/plantfloor/batchbridge/pkg/logger"
)

const (
	triggerIdle          = 0
	triggerPLCRequest    = 1
	triggerAcknowledge   = 2
	triggerFault         = 99
)

// StatusCallback is invoked on every tick with the coordinator's current
// derived status. It is a narrow function value, not an object reference,
// so D never holds a back-pointer to its caller.
type StatusCallback func(Status)

// Coordinator implements component D. It depends on A, B, C through
// interfaces so tests can substitute fakes, grounded on the teacher's
// interface-first style (core.AlertStorage, postgres.DatabaseConnection).
type Coordinator struct {
	a plcgateway.Gateway
	b dbwriter.Writer
	c buffer.Buffer

	unionMapping mapping.Mapping
	bounds       map[string]Bounds

	logger   *slog.Logger
	onStatus StatusCallback

	state        State
	fault        *Fault
	viaCacheLast bool // true if the most recent persistence went through C instead of B
}

// Config bundles a Coordinator's construction-time dependencies.
type Config struct {
	Gateway plcgateway.Gateway
	Writer  dbwriter.Writer
	Buffer  buffer.Buffer

	Primary mapping.Mapping
	Extras  mapping.Mapping
	Bounds  map[string]Bounds

	Logger   *slog.Logger
	OnStatus StatusCallback
}

// New constructs a Coordinator in StateIdle. Returns an error if the
// primary and extras mappings are not disjoint (spec §3: composition is
// union with duplicate-key rejection at config load).
func New(cfg Config) (*Coordinator, error) {
	union, err := mapping.Compose(cfg.Primary, cfg.Extras)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		a:            cfg.Gateway,
		b:            cfg.Writer,
		c:            cfg.Buffer,
		unionMapping: union,
		bounds:       cfg.Bounds,
		logger:       logger,
		onStatus:     cfg.OnStatus,
		state:        StateIdle,
	}, nil
}

// State returns the coordinator's current protocol state.
func (co *Coordinator) State() State { return co.state }

// Fault returns the active fault descriptor, or nil if not faulted.
func (co *Coordinator) Fault() *Fault { return co.fault }

// Tick runs one poll cycle: read the trigger tag, act on the 4-state
// protocol table, and report derived status. Ticking is single-threaded
// relative to itself — callers must not invoke Tick concurrently.
func (co *Coordinator) Tick(ctx context.Context) {
	triggerVal, err := co.a.ReadTrigger(ctx)
	if err != nil {
		co.logger.Warn("tick: plc unreachable", "error", err)
		co.emitStatus()
		return
	}

	switch co.state {
	case StateIdle:
		if triggerVal == triggerPLCRequest {
			co.runBatchSequence(ctx)
		}
		// triggerVal == 0: idle tick, nothing to do.
	case StateFault:
		if triggerVal == triggerIdle {
			co.recoverFromFault(ctx)
		}
		// any other observed value: remain in FAULT.
	case StateAcknowledged:
		// Transient; runBatchSequence never returns control mid-batch, so
		// Tick should never observe this state across calls. Treat as a
		// defensive reset to IDLE rather than getting stuck.
		co.state = StateIdle
	}

	co.emitStatus()
}

// runBatchSequence implements spec §4.4's five-step batch sequence,
// atomic at the level of a single poll tick. Every log line emitted while
// handling this batch carries the same request_id, grounded on the
// teacher's correlation-ID-per-unit-of-work convention.
func (co *Coordinator) runBatchSequence(ctx context.Context) {
	log := co.logger.With("request_id", logger.GenerateRequestID())

	record, err := co.a.ReadRecipeAndExtras(ctx)
	if err != nil {
		co.enterFault(ctx, ErrorPLCReadFailed, log)
		return
	}

	if err := co.a.WriteTrigger(ctx, triggerAcknowledge); err != nil {
		co.enterFault(ctx, ErrorPLCWriteFailed, log)
		return
	}
	co.state = StateAcknowledged

	if err := co.validate(record, log); err != nil {
		co.enterFault(ctx, ErrorValidationFailed, log)
		return
	}

	if err := co.persist(ctx, record, log); err != nil {
		co.enterFault(ctx, ErrorSQLAndCacheFailed, log)
		return
	}

	if err := co.a.WriteTrigger(ctx, triggerIdle); err != nil {
		// The batch is already durable; faulting here would
		// double-report a batch that already succeeded.
		log.Error("failed to write trigger back to idle after successful persist", "error", err)
	}
	co.state = StateIdle
}

// validate applies per-field inclusive numeric bounds. Fields absent from
// the record, or not numeric, are skipped.
func (co *Coordinator) validate(record recipe.Record, log *slog.Logger) error {
	for field, bounds := range co.bounds {
		v, ok := record.Get(field)
		if !ok {
			continue
		}
		f, ok := v.AsFloat64()
		if !ok {
			continue
		}
		if f < bounds.Min || f > bounds.Max {
			log.Warn("validation failed", "field", field, "value", f, "min", bounds.Min, "max", bounds.Max)
			return errValidation
		}
	}
	return nil
}

var errValidation = validationError{}

type validationError struct{}

func (validationError) Error() string { return "field out of configured bounds" }

// persist implements step 4: try B, fall back to C on a transient error.
// An integrity error is terminal and escalated by the caller.
func (co *Coordinator) persist(ctx context.Context, record recipe.Record, log *slog.Logger) error {
	outcome, err := co.b.Insert(ctx, record, co.unionMapping)
	switch outcome {
	case dbwriter.OutcomeOK:
		co.viaCacheLast = false
		return nil
	case dbwriter.OutcomeIntegrityError:
		log.Error("insert rejected by integrity constraint, record permanently unacceptable", "error", err)
		return err
	case dbwriter.OutcomeTransientError:
		log.Warn("database write failed, falling back to durable buffer", "error", err)
		if enqErr := co.c.Enqueue(ctx, record, co.unionMapping); enqErr != nil {
			log.Error("durable buffer enqueue also failed", "error", enqErr)
			return enqErr
		}
		co.viaCacheLast = true
		return nil
	default:
		return err
	}
}

// enterFault implements spec §4.4's FAULT entry side effects: write the
// error code, then write 99 to the trigger tag. Both writes are
// best-effort — if either fails, the in-memory fault persists regardless.
func (co *Coordinator) enterFault(ctx context.Context, kind ErrorKind, log *slog.Logger) {
	co.state = StateFault
	co.fault = &Fault{Kind: kind, At: time.Now()}

	if err := co.a.WriteErrorCode(ctx, kind.Code()); err != nil {
		log.Error("failed to write error code to plc", "kind", kind, "error", err)
	}
	if err := co.a.WriteTrigger(ctx, triggerFault); err != nil {
		log.Error("failed to write fault trigger to plc", "kind", kind, "error", err)
	}
}

// recoverFromFault implements spec §4.4's FAULT recovery: clear the error
// code on the PLC (best effort), clear the in-memory fault, return to IDLE.
func (co *Coordinator) recoverFromFault(ctx context.Context) {
	if err := co.a.WriteErrorCode(ctx, ErrorNone.Code()); err != nil {
		co.logger.Warn("failed to clear error code on plc during recovery", "error", err)
	}
	co.fault = nil
	co.state = StateIdle
}

// ManualRecover performs the same recovery steps as recoverFromFault
// unconditionally, bypassing the PLC's own acknowledgement of the reset.
// Operators invoking this must understand it bypasses the PLC's
// acknowledgement handshake.
func (co *Coordinator) ManualRecover(ctx context.Context) {
	co.logger.Warn("manual fault recovery invoked: bypasses the PLC's acknowledgement handshake")
	co.recoverFromFault(ctx)
}

// PLCConnected reports whether A's driver is currently connected.
func (co *Coordinator) PLCConnected() bool {
	return co.a.Status() == plcgateway.StatusConnected
}

// FaultMessage returns the active fault's kind as a string, or nil if the
// coordinator is not faulted. Intended for the JSON status surface's
// `error` field.
func (co *Coordinator) FaultMessage() *string {
	if co.fault == nil {
		return nil
	}
	msg := co.fault.Kind.String()
	return &msg
}

// DerivedStatus computes spec §4.4's health summary from current state.
func (co *Coordinator) DerivedStatus() Status {
	if co.state == StateFault {
		return StatusFault
	}
	if co.a.Status() != plcgateway.StatusConnected {
		return StatusPLCOffline
	}
	if co.viaCacheLast {
		return StatusSQLOffline
	}
	return StatusConnected
}

// emitStatus invokes the status callback, if configured, trapping any
// panic so a misbehaving callback never escalates to a fault.
func (co *Coordinator) emitStatus() {
	if co.onStatus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			co.logger.Error("status callback panicked", "recovered", r)
		}
	}()
	co.onStatus(co.DerivedStatus())
}
