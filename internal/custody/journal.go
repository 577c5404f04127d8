package custody

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// JournalWriter records each balance movement for audit and recovery.
type JournalWriter interface {
	Record(ctx context.Context, from, to Account, amount uint64, authority Authority) error
}

// JournalReader replays recorded movements in their original order.
// Ledger.Restore uses it to rebuild balances after a restart.
type JournalReader interface {
	Replay(ctx context.Context, apply func(from, to Account, amount uint64) error) error
}

// PostgresJournal persists movements in custody.journal. Rows carry an
// insertion sequence so replay order matches execution order.
type PostgresJournal struct {
	db *sql.DB
}

func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

func (j *PostgresJournal) Record(ctx context.Context, from, to Account, amount uint64, authority Authority) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO custody.journal (journal_id, debit_account, credit_account, amount, authority)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), string(from), string(to), int64(amount), authority.String(),
	)
	if err != nil {
		return fmt.Errorf("insert journal row: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Replay(ctx context.Context, apply func(from, to Account, amount uint64) error) error {
	rows, err := j.db.QueryContext(ctx,
		`SELECT debit_account, credit_account, amount FROM custody.journal ORDER BY entry_seq`)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var from, to string
		var amount int64
		if err := rows.Scan(&from, &to, &amount); err != nil {
			return fmt.Errorf("scan journal row: %w", err)
		}
		if err := apply(Account(from), Account(to), uint64(amount)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (a Authority) String() string {
	switch a {
	case AuthorityOwner:
		return "owner"
	case AuthorityCustodian:
		return "custodian"
	case AuthorityExternal:
		return "external"
	default:
		return "unknown"
	}
}
