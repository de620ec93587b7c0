package dbwriter

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"unique_violation", &pgconn.PgError{Code: "23505"}, OutcomeIntegrityError},
		{"check_violation", &pgconn.PgError{Code: "23514"}, OutcomeIntegrityError},
		{"connection_failure", &pgconn.PgError{Code: "08006"}, OutcomeTransientError},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, OutcomeTransientError},
		{"plain network error", errors.New("dial tcp: connection refused"), OutcomeTransientError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classify(c.err); got != c.want {
				t.Errorf("classify(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}
