package custody

import (
	"context"
	"fmt"
	"sync"
)

// Ledger is an in-memory TransferGateway with double-entry balances.
// Every unit leaving one account lands in another; total supply only
// changes through Deposit. With a journal attached every movement is
// recorded, and Restore rebuilds the balances from it after a restart.
type Ledger struct {
	mu       sync.Mutex
	balances map[Account]uint64
	journal  JournalWriter // optional
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[Account]uint64),
	}
}

// WithJournal attaches an audit journal. Journal failures abort the
// movement so the audit trail never lags the balances.
func (l *Ledger) WithJournal(w JournalWriter) *Ledger {
	l.journal = w
	return l
}

// Deposit credits external funds to an account. The movement is journaled
// from the external gateway so a later Restore reproduces it.
func (l *Ledger) Deposit(ctx context.Context, account Account, amount uint64) error {
	if amount == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal != nil {
		if err := l.journal.Record(ctx, ExternalGateway, account, amount, AuthorityExternal); err != nil {
			return fmt.Errorf("journal deposit: %w", err)
		}
	}

	l.balances[account] += amount
	return nil
}

// Restore discards the current balances and rebuilds them by replaying
// the journal. Movements out of the external gateway mint supply; any
// other movement must be covered or the journal is corrupt.
func (l *Ledger) Restore(ctx context.Context, r JournalReader) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	balances := make(map[Account]uint64)
	err := r.Replay(ctx, func(from, to Account, amount uint64) error {
		if from != ExternalGateway {
			if balances[from] < amount {
				return fmt.Errorf("journal entry uncovered: %s has %d, moved %d", from, balances[from], amount)
			}
			balances[from] -= amount
		}
		balances[to] += amount
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}

	l.balances = balances
	return nil
}

// Balance returns the current balance of an account.
func (l *Ledger) Balance(account Account) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

func (l *Ledger) Transfer(ctx context.Context, from, to Account, amount uint64, authority Authority) error {
	if from == CustodyPool && authority != AuthorityCustodian {
		return fmt.Errorf("%w: pool debit needs custodian", ErrBadAuthority)
	}
	if from != CustodyPool && authority != AuthorityOwner {
		return fmt.Errorf("%w: user debit needs owner", ErrBadAuthority)
	}
	if amount == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[from] < amount {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientFunds, from, l.balances[from], amount)
	}

	if l.journal != nil {
		if err := l.journal.Record(ctx, from, to, amount, authority); err != nil {
			return fmt.Errorf("journal transfer: %w", err)
		}
	}

	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}
