package dbwriter

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Outcome is the three-way result of an insert attempt, spec §4.2's
// ok | integrity-error | transient-error contract.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeIntegrityError
	OutcomeTransientError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeIntegrityError:
		return "integrity_error"
	case OutcomeTransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

// ErrNotConnected mirrors postgres.ErrNotConnected: no pool has been
// established yet and lazy connect also failed.
var ErrNotConnected = errors.New("dbwriter: database pool is not connected")

// classify maps a database error onto OutcomeIntegrityError or
// OutcomeTransientError, grounded on DatabaseError.IsRetryable /
// IsConnectionError's SQLSTATE-class approach: PostgreSQL's class 23
// (integrity_constraint_violation) is terminal, everything else observed
// from the driver is treated as transient and eligible for retry.
func classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
			return OutcomeIntegrityError
		}
		return OutcomeTransientError
	}

	// Anything else (network failure, timeout, connection refused, driver
	// error before a server round trip) is transient.
	return OutcomeTransientError
}
