package buffer

import (
	"context"
	"errors"
	"testing"

	"github.com/plantfloor/batchbridge/internal/dbwriter"
	"github.com/plantfloor/batchbridge/internal/mapping"
	"github.com/plantfloor/batchbridge/internal/recipe"
)

// fakeWriter returns a scripted outcome per call, recording call count and
// the sequence of records it was asked to insert.
type fakeWriter struct {
	outcome func(record recipe.Record) (dbwriter.Outcome, error)
	calls   int
	seen    []recipe.Record
}

func outcomeOK() func(recipe.Record) (dbwriter.Outcome, error) {
	return func(recipe.Record) (dbwriter.Outcome, error) { return dbwriter.OutcomeOK, nil }
}

func (f *fakeWriter) Insert(ctx context.Context, record recipe.Record, m mapping.Mapping) (dbwriter.Outcome, error) {
	f.calls++
	f.seen = append(f.seen, record)
	return f.outcome(record)
}

func (f *fakeWriter) Healthy(ctx context.Context) bool { return true }

func TestDrainMixedOutcomes(t *testing.T) {
	ctx := context.Background()
	b := newTestBuffer(t)
	m := testMapping()

	for i := int64(1); i <= 3; i++ {
		rec := recipe.Record{"RECIPE_NUMBER": recipe.NewInt64(i)}
		if err := b.Enqueue(ctx, rec, m); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	writer := &fakeWriter{outcome: func(r recipe.Record) (dbwriter.Outcome, error) {
		n, _ := r["RECIPE_NUMBER"].Int64()
		switch n {
		case 1:
			return dbwriter.OutcomeOK, nil
		case 2:
			return dbwriter.OutcomeIntegrityError, errors.New("duplicate key")
		case 3:
			return dbwriter.OutcomeTransientError, errors.New("connection reset")
		default:
			t.Fatalf("unexpected record %v", r)
			return dbwriter.OutcomeOK, nil
		}
	}}

	d := NewDrainer(b, writer, 0, nil, nil)
	if err := d.DrainOnce(ctx); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	count, err := b.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("PendingCount after mixed drain = %d, want 1 (E3 remains)", count)
	}

	entry, ok, err := b.PeekOldest(ctx)
	if err != nil || !ok {
		t.Fatalf("PeekOldest: %v, %v, %v", entry, ok, err)
	}
	n, _ := entry.Record["RECIPE_NUMBER"].Int64()
	if n != 3 {
		t.Fatalf("remaining entry = %d, want 3 (E3)", n)
	}
	if entry.Attempts != 1 {
		t.Fatalf("E3 attempts = %d, want 1", entry.Attempts)
	}

	// Next drain cycle retries E3 first.
	writer2 := &fakeWriter{outcome: outcomeOK()}
	d2 := NewDrainer(b, writer2, 0, nil, nil)
	if err := d2.DrainOnce(ctx); err != nil {
		t.Fatalf("second DrainOnce: %v", err)
	}
	if writer2.calls != 1 {
		t.Fatalf("second drain should attempt exactly E3, got %d calls", writer2.calls)
	}
	n2, _ := writer2.seen[0]["RECIPE_NUMBER"].Int64()
	if n2 != 3 {
		t.Fatalf("second drain inserted record %d, want 3", n2)
	}
}
