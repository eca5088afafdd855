// Package ledger implements the append-only credit ledger with atomic
// reserve, debit and refund primitives.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/store"
)

// ErrInsufficientCredit indicates the account's balance cannot cover the
// requested reservation. User-actionable, not retryable.
var ErrInsufficientCredit = errors.New("insufficient credit")

// ErrNoReservation indicates a settlement was requested for a reference task
// that never reserved credit.
var ErrNoReservation = errors.New("no reservation for reference task")

// Ledger computes balances and linearizes credit mutations per account.
type Ledger struct {
	store *store.Store

	mu       sync.Mutex
	accounts map[string]*sync.Mutex
}

// New creates a Ledger over the given store.
func New(s *store.Store) *Ledger {
	return &Ledger{
		store:    s,
		accounts: make(map[string]*sync.Mutex),
	}
}

// accountLock returns the mutex serializing mutations for one account.
func (l *Ledger) accountLock(accountID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.accounts[accountID]
	if !ok {
		m = &sync.Mutex{}
		l.accounts[accountID] = m
	}
	return m
}

// Topup credits an account. Amount must be positive.
func (l *Ledger) Topup(accountID string, amount int) (*models.CreditLedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: topup amount must be positive", models.ErrValidation)
	}
	entry := &models.CreditLedgerEntry{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Delta:     amount,
		Kind:      models.LedgerKindTopup,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.AppendLedgerEntry(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Reserve places a hold of amount against the account for the reference task.
// The check and the append run inside the account's critical section, so two
// concurrent reservations can never jointly overdraw the balance.
func (l *Ledger) Reserve(accountID string, amount int, refTaskID string) error {
	if amount < 0 {
		return fmt.Errorf("%w: reserve amount must not be negative", models.ErrValidation)
	}
	m := l.accountLock(accountID)
	m.Lock()
	defer m.Unlock()

	exists, err := l.store.LedgerEntryExists(accountID, models.LedgerKindReserve, refTaskID)
	if err != nil {
		return err
	}
	if exists {
		// Reservation already held for this ref.
		return nil
	}

	balance, err := l.store.LedgerBalance(accountID)
	if err != nil {
		return err
	}
	if balance < amount {
		return ErrInsufficientCredit
	}

	return l.store.AppendLedgerEntry(&models.CreditLedgerEntry{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Delta:     -amount,
		Kind:      models.LedgerKindReserve,
		RefTaskID: refTaskID,
		CreatedAt: time.Now().UTC(),
	})
}

// Debit converts the reservation for refTaskID into a permanent charge.
// Idempotent per ref: a second debit is a no-op.
func (l *Ledger) Debit(accountID string, amount int, refTaskID string) error {
	return l.Settle(models.LedgerKindDebit, accountID, amount, refTaskID, func(e *models.CreditLedgerEntry) error {
		if e == nil {
			return nil
		}
		return l.store.AppendLedgerEntry(e)
	})
}

// Refund releases the reservation for refTaskID without charging.
// Idempotent per ref: a second refund is a no-op.
func (l *Ledger) Refund(accountID string, amount int, refTaskID string) error {
	return l.Settle(models.LedgerKindRefund, accountID, amount, refTaskID, func(e *models.CreditLedgerEntry) error {
		if e == nil {
			return nil
		}
		return l.store.AppendLedgerEntry(e)
	})
}

// Settle computes the ledger entry that settles the reservation for refTaskID
// and hands it to persist inside the account's critical section. The entry is
// nil when the ref is already settled, which lets callers keep their own
// writes (a status transition, typically) while the ledger stays idempotent.
func (l *Ledger) Settle(kind models.LedgerKind, accountID string, amount int, refTaskID string, persist func(*models.CreditLedgerEntry) error) error {
	if kind != models.LedgerKindDebit && kind != models.LedgerKindRefund {
		return fmt.Errorf("%w: settle kind must be debit or refund", models.ErrValidation)
	}

	m := l.accountLock(accountID)
	m.Lock()
	defer m.Unlock()

	reserved, err := l.store.LedgerEntryExists(accountID, models.LedgerKindReserve, refTaskID)
	if err != nil {
		return err
	}
	if !reserved {
		return ErrNoReservation
	}

	settled, err := l.settled(accountID, refTaskID)
	if err != nil {
		return err
	}
	if settled {
		return persist(nil)
	}

	delta := 0
	if kind == models.LedgerKindRefund {
		delta = amount
	}
	return persist(&models.CreditLedgerEntry{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Delta:     delta,
		Kind:      kind,
		RefTaskID: refTaskID,
		CreatedAt: time.Now().UTC(),
	})
}

// Balance returns the account balance replayed from the ledger.
func (l *Ledger) Balance(accountID string) (int, error) {
	return l.store.LedgerBalance(accountID)
}

// Entries returns the account's ledger in append order.
func (l *Ledger) Entries(accountID string) ([]models.CreditLedgerEntry, error) {
	return l.store.LedgerEntries(accountID)
}

// HasActiveReservation reports whether the reference task holds a reservation
// that has not yet been debited or refunded.
func (l *Ledger) HasActiveReservation(accountID, refTaskID string) (bool, error) {
	reserved, err := l.store.LedgerEntryExists(accountID, models.LedgerKindReserve, refTaskID)
	if err != nil {
		return false, err
	}
	if !reserved {
		return false, nil
	}
	settled, err := l.settled(accountID, refTaskID)
	if err != nil {
		return false, err
	}
	return !settled, nil
}

func (l *Ledger) settled(accountID, refTaskID string) (bool, error) {
	debited, err := l.store.LedgerEntryExists(accountID, models.LedgerKindDebit, refTaskID)
	if err != nil {
		return false, err
	}
	if debited {
		return true, nil
	}
	return l.store.LedgerEntryExists(accountID, models.LedgerKindRefund, refTaskID)
}
