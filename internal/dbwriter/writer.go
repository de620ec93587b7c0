// Package dbwriter implements the parameterised-insert, retry/backoff
// database writer (component B).
package dbwriter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plantfloor/batchbridge/internal/mapping"
	"github.com/plantfloor/batchbridge/internal/recipe"
)

// Config holds the writer's connection and policy configuration.
type Config struct {
	DSN              string
	Table            string
	TimestampColumn  string // empty disables the appended timestamp column
	ConnectTimeout   time.Duration
	QueryTimeout     time.Duration
	MaxConns         int32
	Retry            RetryPolicy
}

// MetricsRecorder receives per-attempt and per-insert outcome counts. An
// implementation lives in internal/metricssnapshot; it is optional here so
// dbwriter has no dependency on the metrics package.
type MetricsRecorder interface {
	RecordInsertAttempt(outcome string)
}

// Writer is the contract component D depends on.
type Writer interface {
	Insert(ctx context.Context, record recipe.Record, m mapping.Mapping) (Outcome, error)
	Healthy(ctx context.Context) bool
}

// DBWriter implements Writer over a pgxpool.Pool, adapted from
// postgres.PostgresPool's lazy-connect/health-check shape.
type DBWriter struct {
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// New creates a DBWriter. The connection pool is established lazily on
// first use, matching spec §3's "acquire their respective network
// connections lazily on first use."
func New(cfg Config, logger *slog.Logger, metrics MetricsRecorder) *DBWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &DBWriter{cfg: cfg, logger: logger, metrics: metrics}
}

func (w *DBWriter) recordAttempt(outcome Outcome) {
	if w.metrics != nil {
		w.metrics.RecordInsertAttempt(outcome.String())
	}
}

// ensurePoolLocked lazily dials the database pool. Must be called with
// w.mu held.
func (w *DBWriter) ensurePoolLocked(ctx context.Context) error {
	if w.pool != nil {
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, w.cfg.ConnectTimeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(w.cfg.DSN)
	if err != nil {
		return fmt.Errorf("dbwriter: parse DSN: %w", err)
	}
	if w.cfg.MaxConns > 0 {
		poolCfg.MaxConns = w.cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return fmt.Errorf("dbwriter: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return fmt.Errorf("dbwriter: ping: %w", err)
	}

	w.pool = pool
	w.logger.Info("dbwriter connected", "table", w.cfg.Table)
	return nil
}

// markDeadLocked closes and discards the pool so the next call reconnects.
// Must be called with w.mu held.
func (w *DBWriter) markDeadLocked() {
	if w.pool != nil {
		w.pool.Close()
		w.pool = nil
	}
}

// Healthy issues a trivial round trip, required because TCP half-open
// states are common on industrial networks.
func (w *DBWriter) Healthy(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensurePoolLocked(ctx); err != nil {
		return false
	}

	queryCtx, cancel := context.WithTimeout(ctx, w.queryTimeout())
	defer cancel()

	var one int
	if err := w.pool.QueryRow(queryCtx, "SELECT 1").Scan(&one); err != nil {
		w.logger.Warn("dbwriter health check failed", "error", err)
		w.markDeadLocked()
		return false
	}
	return true
}

func (w *DBWriter) queryTimeout() time.Duration {
	if w.cfg.QueryTimeout > 0 {
		return w.cfg.QueryTimeout
	}
	return 30 * time.Second
}

// Insert implements spec §4.2's five-step algorithm plus the retry policy.
// Each attempt opens the pool lazily if none is open, and a transient
// failure discards the pool, so the next attempt reconnects. No health
// check is issued before the first attempt. Transient failures are retried
// with exponential backoff; an integrity error is never retried.
func (w *DBWriter) Insert(ctx context.Context, record recipe.Record, m mapping.Mapping) (Outcome, error) {
	cols := make([]string, 0, len(m)+1)
	args := make([]interface{}, 0, len(m)+1)

	for _, pair := range m {
		v, ok := record.Get(pair.Tag)
		if !ok {
			continue
		}
		cols = append(cols, pair.Column)
		args = append(args, goValue(v))
	}

	if w.cfg.TimestampColumn != "" {
		cols = append(cols, w.cfg.TimestampColumn)
		args = append(args, time.Now().Format("2006-01-02 15:04:05"))
	}

	if len(cols) == 0 {
		return OutcomeOK, nil
	}

	stmt := buildInsert(w.cfg.Table, cols)

	return w.insertWithRetry(ctx, func(ctx context.Context) (Outcome, error) {
		return w.execOnce(ctx, stmt, args)
	})
}

// insertWithRetry drives spec §4.2's retry schedule over attemptFn, which
// performs a single insert attempt. Pulled out of Insert so the retry
// bookkeeping (attempt count, backoff, exhaustion) can be exercised against
// a fake attemptFn without a live database connection.
func (w *DBWriter) insertWithRetry(ctx context.Context, attemptFn func(context.Context) (Outcome, error)) (Outcome, error) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.Retry.MaxRetries; attempt++ {
		outcome, err := attemptFn(ctx)
		w.recordAttempt(outcome)

		switch outcome {
		case OutcomeOK:
			return OutcomeOK, nil
		case OutcomeIntegrityError:
			return OutcomeIntegrityError, err
		case OutcomeTransientError:
			lastErr = err
			if attempt == w.cfg.Retry.MaxRetries {
				return OutcomeTransientError, lastErr
			}
			delay := w.cfg.Retry.DelayForAttempt(attempt)
			w.logger.Warn("insert failed, retrying", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return OutcomeTransientError, ctx.Err()
			}
		}
	}
	return OutcomeTransientError, lastErr
}

func (w *DBWriter) execOnce(ctx context.Context, stmt string, args []interface{}) (Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensurePoolLocked(ctx); err != nil {
		return OutcomeTransientError, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, w.queryTimeout())
	defer cancel()

	_, err := w.pool.Exec(queryCtx, stmt, args...)
	if err == nil {
		return OutcomeOK, nil
	}

	outcome := classify(err)
	if outcome == OutcomeTransientError {
		w.markDeadLocked()
	}
	return outcome, err
}

// buildInsert constructs the parameterised INSERT statement described in
// spec §4.2 step 4: column names substituted textually, values exclusively
// by parameter binding.
func buildInsert(table string, cols []string) string {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
}

// goValue unwraps a recipe.Value into the Go type pgx expects as a bind
// argument.
func goValue(v recipe.Value) interface{} {
	switch v.Kind() {
	case recipe.KindInt64:
		n, _ := v.Int64()
		return n
	case recipe.KindFloat64:
		f, _ := v.Float64()
		return f
	case recipe.KindBool:
		b, _ := v.Bool()
		return b
	case recipe.KindString:
		s, _ := v.String()
		return s
	default:
		return nil
	}
}

// Close releases the underlying connection pool, if one was established.
func (w *DBWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.markDeadLocked()
}
