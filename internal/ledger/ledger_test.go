package ledger

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestTopup(t *testing.T) {
	l := newTestLedger(t)

	entry, err := l.Topup("acct-1", 100)
	if err != nil {
		t.Fatalf("Failed to top up: %v", err)
	}
	if entry.Delta != 100 || entry.Kind != models.LedgerKindTopup {
		t.Errorf("Unexpected topup entry: %+v", entry)
	}

	balance, _ := l.Balance("acct-1")
	if balance != 100 {
		t.Errorf("Expected balance 100, got %d", balance)
	}

	if _, err := l.Topup("acct-1", 0); err == nil {
		t.Error("Expected error for zero topup")
	}
	if _, err := l.Topup("acct-1", -5); err == nil {
		t.Error("Expected error for negative topup")
	}
}

func TestReserve_InsufficientCredit(t *testing.T) {
	l := newTestLedger(t)

	if _, err := l.Topup("acct-1", 20); err != nil {
		t.Fatalf("Failed to top up: %v", err)
	}

	if err := l.Reserve("acct-1", 30, "task-1"); err != ErrInsufficientCredit {
		t.Errorf("Expected ErrInsufficientCredit, got %v", err)
	}

	// A rejected reservation leaves the ledger untouched.
	entries, _ := l.Entries("acct-1")
	if len(entries) != 1 {
		t.Errorf("Expected 1 entry (topup only), got %d", len(entries))
	}
}

func TestReserve_ZeroCostTask(t *testing.T) {
	l := newTestLedger(t)

	// Zero-cost tasks still record a hold so settlement has a ref to close.
	if err := l.Reserve("acct-1", 0, "task-free"); err != nil {
		t.Fatalf("Expected zero-amount reserve to succeed: %v", err)
	}
	held, err := l.HasActiveReservation("acct-1", "task-free")
	if err != nil {
		t.Fatalf("Failed to check reservation: %v", err)
	}
	if !held {
		t.Error("Expected active reservation for zero-cost task")
	}
}

func TestReserve_Idempotent(t *testing.T) {
	l := newTestLedger(t)

	l.Topup("acct-1", 100)
	if err := l.Reserve("acct-1", 40, "task-1"); err != nil {
		t.Fatalf("Failed to reserve: %v", err)
	}
	if err := l.Reserve("acct-1", 40, "task-1"); err != nil {
		t.Fatalf("Expected repeated reserve to be a no-op: %v", err)
	}

	balance, _ := l.Balance("acct-1")
	if balance != 60 {
		t.Errorf("Expected balance 60 after one hold, got %d", balance)
	}
}

func TestReserve_Concurrent(t *testing.T) {
	l := newTestLedger(t)

	l.Topup("acct-1", 100)

	// 10 concurrent holds of 30 against a balance of 100: exactly 3 can fit.
	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.Reserve("acct-1", 30, fmt.Sprintf("task-%d", i))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		switch err {
		case nil:
			won++
		case ErrInsufficientCredit:
		default:
			t.Fatalf("Unexpected reserve error: %v", err)
		}
	}
	if won != 3 {
		t.Errorf("Expected exactly 3 reservations to win, got %d", won)
	}

	balance, _ := l.Balance("acct-1")
	if balance != 10 {
		t.Errorf("Expected balance 10, got %d", balance)
	}
	if balance < 0 {
		t.Error("Balance must never go negative")
	}
}

func TestDebit_ConvertsHold(t *testing.T) {
	l := newTestLedger(t)

	l.Topup("acct-1", 100)
	if err := l.Reserve("acct-1", 40, "task-1"); err != nil {
		t.Fatalf("Failed to reserve: %v", err)
	}

	if err := l.Debit("acct-1", 40, "task-1"); err != nil {
		t.Fatalf("Failed to debit: %v", err)
	}

	// The hold already carried the charge; the debit keeps balance at 60.
	balance, _ := l.Balance("acct-1")
	if balance != 60 {
		t.Errorf("Expected balance 60 after debit, got %d", balance)
	}

	// A second debit for the same ref is a no-op.
	if err := l.Debit("acct-1", 40, "task-1"); err != nil {
		t.Fatalf("Expected repeated debit to be a no-op: %v", err)
	}
	balance, _ = l.Balance("acct-1")
	if balance != 60 {
		t.Errorf("Expected balance unchanged at 60, got %d", balance)
	}

	held, _ := l.HasActiveReservation("acct-1", "task-1")
	if held {
		t.Error("Expected reservation to be settled after debit")
	}
}

func TestRefund_ReleasesHold(t *testing.T) {
	l := newTestLedger(t)

	l.Topup("acct-1", 100)
	l.Reserve("acct-1", 40, "task-1")

	if err := l.Refund("acct-1", 40, "task-1"); err != nil {
		t.Fatalf("Failed to refund: %v", err)
	}
	balance, _ := l.Balance("acct-1")
	if balance != 100 {
		t.Errorf("Expected balance restored to 100, got %d", balance)
	}

	// Refund after refund is a no-op.
	if err := l.Refund("acct-1", 40, "task-1"); err != nil {
		t.Fatalf("Expected repeated refund to be a no-op: %v", err)
	}
	balance, _ = l.Balance("acct-1")
	if balance != 100 {
		t.Errorf("Expected balance unchanged at 100, got %d", balance)
	}
}

func TestSettle_DebitThenRefundIsNoOp(t *testing.T) {
	l := newTestLedger(t)

	l.Topup("acct-1", 100)
	l.Reserve("acct-1", 40, "task-1")
	l.Debit("acct-1", 40, "task-1")

	// The ref is settled; a late refund must not give the credit back.
	if err := l.Refund("acct-1", 40, "task-1"); err != nil {
		t.Fatalf("Expected refund after debit to be a no-op: %v", err)
	}
	balance, _ := l.Balance("acct-1")
	if balance != 60 {
		t.Errorf("Expected balance to stay at 60, got %d", balance)
	}
}

func TestSettle_NoReservation(t *testing.T) {
	l := newTestLedger(t)

	l.Topup("acct-1", 100)
	if err := l.Debit("acct-1", 40, "never-reserved"); err != ErrNoReservation {
		t.Errorf("Expected ErrNoReservation, got %v", err)
	}
	if err := l.Refund("acct-1", 40, "never-reserved"); err != ErrNoReservation {
		t.Errorf("Expected ErrNoReservation, got %v", err)
	}
}

func TestBalance_ReplayNeverNegative(t *testing.T) {
	l := newTestLedger(t)

	l.Topup("acct-1", 50)
	for i := 0; i < 5; i++ {
		ref := fmt.Sprintf("task-%d", i)
		if err := l.Reserve("acct-1", 20, ref); err != nil {
			continue
		}
		if i%2 == 0 {
			l.Debit("acct-1", 20, ref)
		} else {
			l.Refund("acct-1", 20, ref)
		}
	}

	// Replaying the full history must never dip below zero at any prefix.
	entries, err := l.Entries("acct-1")
	if err != nil {
		t.Fatalf("Failed to read ledger: %v", err)
	}
	running := 0
	for _, e := range entries {
		running += e.Delta
		if running < 0 {
			t.Fatalf("Balance went negative (%d) at entry %+v", running, e)
		}
	}
}
