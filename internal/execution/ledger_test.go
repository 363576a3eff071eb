// Package execution_test covers the ledger, the execution protocol and
// startup reconciliation.
package execution_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/helios-desk/options-engine/internal/execution"
	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func openLedger(t *testing.T) *execution.Ledger {
	t.Helper()
	l, err := execution.OpenLedger(zap.NewNop(), filepath.Join(t.TempDir(), "pending.jsonl"))
	if err != nil {
		t.Fatalf("OpenLedger failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func record(id string, state types.CombinationState) types.PendingCombination {
	return types.PendingCombination{
		ID:         id,
		StrategyID: "s1",
		Underlying: "SPX",
		Legs: []types.Leg{{
			Symbol: "SPX-20260918-P-5100", Underlying: "SPX",
			OptionType: types.OptionPut, Side: types.SideSell, Quantity: 1,
			Strike: decimal.NewFromInt(5100), Expiration: time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC),
		}},
		State:       state,
		SubmittedAt: time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
}

func TestAppendAndPending(t *testing.T) {
	l := openLedger(t)

	if err := l.Append(record("a", types.CombinationSubmitted)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := l.Append(record("b", types.CombinationComplete)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	pending, err := l.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "a" {
		t.Fatalf("pending = %+v, want only record a", pending)
	}
}

func TestLastRecordPerCombinationWins(t *testing.T) {
	l := openLedger(t)

	if err := l.Append(record("a", types.CombinationSubmitted)); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(record("a", types.CombinationPartiallyFilled)); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(record("a", types.CombinationComplete)); err != nil {
		t.Fatal(err)
	}

	pending, err := l.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("terminal combination still pending: %+v", pending)
	}
}

// appendRaw writes bytes straight to the ledger file, bypassing Append, to
// reproduce what a crash mid-write leaves on disk.
func appendRaw(t *testing.T, path string, raw string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(raw); err != nil {
		t.Fatal(err)
	}
}

// TestTornFinalLineIsDropped: a crash mid-append leaves a half-written last
// line. That write never completed, so replay drops it and the previous
// snapshots stand.
func TestTornFinalLineIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.jsonl")
	l, err := execution.OpenLedger(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("OpenLedger failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	if err := l.Append(record("a", types.CombinationSubmitted)); err != nil {
		t.Fatal(err)
	}
	appendRaw(t, path, `{"id":"a","state":"PARTIALLY_FIL`)

	pending, err := l.Pending()
	if err != nil {
		t.Fatalf("Pending failed on torn final line: %v", err)
	}
	if len(pending) != 1 || pending[0].State != types.CombinationSubmitted {
		t.Fatalf("pending = %+v, want record a at its last complete snapshot", pending)
	}
}

// TestCorruptInteriorLineStopsReplay: a bad line with records after it is
// real corruption, not a torn tail, and must surface as an error.
func TestCorruptInteriorLineStopsReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.jsonl")
	l, err := execution.OpenLedger(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("OpenLedger failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	if err := l.Append(record("a", types.CombinationSubmitted)); err != nil {
		t.Fatal(err)
	}
	appendRaw(t, path, "{\"id\":\"a\",\"state\":\"PARTIALLY_FIL\n")
	if err := l.Append(record("b", types.CombinationSubmitted)); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Pending(); err == nil {
		t.Fatal("Pending succeeded over interior corruption")
	}
}

func TestCompactKeepsOnlyNonTerminal(t *testing.T) {
	l := openLedger(t)

	for _, r := range []types.PendingCombination{
		record("done", types.CombinationComplete),
		record("stuck", types.CombinationUnwinding),
		record("failed", types.CombinationFailed),
	} {
		if err := l.Append(r); err != nil {
			t.Fatal(err)
		}
	}

	if err := l.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	pending, err := l.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "stuck" {
		t.Fatalf("pending after compact = %+v, want only stuck", pending)
	}

	// The ledger stays writable after the swap.
	if err := l.Append(record("new", types.CombinationSubmitted)); err != nil {
		t.Fatalf("Append after compact failed: %v", err)
	}
	pending, _ = l.Pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d records, want 2", len(pending))
	}
}
