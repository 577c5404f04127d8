// Package custody moves collateral between user accounts and the engine's
// custody pool. Transfers out of the pool require the custody authority;
// transfers out of a user account require that user's authority.
package custody

import (
	"context"
	"errors"

	"PerpMargin/internal/state"
)

// Account names a balance bucket. User accounts are keyed by principal;
// the custody pool is a single system account holding all posted
// collateral.
type Account string

// CustodyPool holds every position's collateral.
const CustodyPool Account = "system:custody"

// ExternalGateway is the off-system source of deposited funds. It is not
// balance-tracked; journal rows out of it mint supply during Restore.
const ExternalGateway Account = "external:gateway"

// UserAccount returns the external account of a principal.
func UserAccount(p state.Principal) Account {
	return Account("user:" + p.String())
}

// Authority identifies who sanctions a transfer.
type Authority uint8

const (
	// AuthorityOwner is the signature-holder of the source user account.
	AuthorityOwner Authority = iota
	// AuthorityCustodian is the engine's own authority over the pool.
	AuthorityCustodian
	// AuthorityExternal marks funds entering from outside the system.
	AuthorityExternal
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBadAuthority      = errors.New("authority cannot move source account")
)

// TransferGateway executes collateral movements. Implementations must be
// atomic per call: a failed transfer leaves both balances untouched.
type TransferGateway interface {
	Transfer(ctx context.Context, from, to Account, amount uint64, authority Authority) error
}
