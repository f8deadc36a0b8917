package upi

import (
	"testing"

	"github.com/shopspring/decimal"

	"swapledger/pkg/types"
)

func day(s string) types.Date { return types.MustParseDate(s) }

func TestLifecycleCreateTerminateReopen(t *testing.T) {
	t.Parallel()
	tr := &Tracker{}

	tr.Apply(types.TradeNew, "T1", decimal.NewFromInt(1000), day("2025-01-10"))
	if tr.UPI != "T1" || tr.Status != types.StatusActive {
		t.Fatalf("after open: upi=%s status=%s", tr.UPI, tr.Status)
	}

	tr.Apply(types.TradeDecrease, "T2", decimal.Zero, day("2025-01-20"))
	if tr.Status != types.StatusTerminated {
		t.Fatalf("after close: status=%s, want TERMINATED", tr.Status)
	}
	// UPI retained on the terminated position for audit.
	if tr.UPI != "T1" {
		t.Errorf("after close: upi=%s, want T1", tr.UPI)
	}

	tr.Apply(types.TradeNew, "T3", decimal.NewFromInt(200), day("2025-01-25"))
	if tr.UPI != "T3" || tr.Status != types.StatusActive {
		t.Fatalf("after reopen: upi=%s status=%s", tr.UPI, tr.Status)
	}

	want := []types.UPIChangeType{types.UPICreated, types.UPITerminated, types.UPIReopened}
	got := tr.ChangeTypes()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
	if tr.Transitions[2].PreviousUPI != "T1" {
		t.Errorf("reopen previousUpi = %s, want T1", tr.Transitions[2].PreviousUPI)
	}
}

func TestIncreaseDecreaseKeepUPI(t *testing.T) {
	t.Parallel()
	tr := &Tracker{}
	tr.Apply(types.TradeNew, "T1", decimal.NewFromInt(100), day("2025-01-10"))
	tr.Apply(types.TradeIncrease, "T2", decimal.NewFromInt(150), day("2025-01-11"))
	tr.Apply(types.TradeDecrease, "T3", decimal.NewFromInt(50), day("2025-01-12"))

	if tr.UPI != "T1" {
		t.Errorf("upi = %s, want T1", tr.UPI)
	}
	if len(tr.Transitions) != 1 {
		t.Errorf("transitions = %d, want 1 (CREATED only)", len(tr.Transitions))
	}
}

func TestNewTradeWhileActiveKeepsUPI(t *testing.T) {
	t.Parallel()
	// Replay can encounter a stored NEW_TRADE against a position that no
	// longer terminates at that point; it behaves like an increase.
	tr := &Tracker{}
	tr.Apply(types.TradeNew, "T1", decimal.NewFromInt(100), day("2025-01-10"))
	tr.Apply(types.TradeNew, "T3", decimal.NewFromInt(600), day("2025-01-25"))

	if tr.UPI != "T1" {
		t.Errorf("upi = %s, want T1", tr.UPI)
	}
	if len(tr.Transitions) != 1 {
		t.Errorf("transitions = %d, want 1", len(tr.Transitions))
	}
}

func TestFromSnapshot(t *testing.T) {
	t.Parallel()
	tr := FromSnapshot(&types.Snapshot{UPI: "T9", Status: types.StatusTerminated})
	tr.Apply(types.TradeNew, "T10", decimal.NewFromInt(5), day("2025-02-01"))

	if tr.UPI != "T10" {
		t.Errorf("upi = %s, want T10", tr.UPI)
	}
	if tr.Transitions[0].ChangeType != types.UPIReopened {
		t.Errorf("change = %s, want REOPENED", tr.Transitions[0].ChangeType)
	}
	if tr.Transitions[0].PreviousUPI != "T9" {
		t.Errorf("previousUpi = %s, want T9", tr.Transitions[0].PreviousUPI)
	}
}
