package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements RecordStore on the engine.records table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *PostgresStore) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM engine.records WHERE key = $1`, key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", key, err)
	}
	return data, nil
}

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, key string, size int) ([]byte, bool, error) {
	// Insert-or-return in one round trip. ON CONFLICT DO NOTHING returns
	// no row for an existing key, so fall back to a plain read.
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO engine.records (key, data) VALUES ($1, $2)
		 ON CONFLICT (key) DO NOTHING
		 RETURNING data`,
		key, make([]byte, size),
	).Scan(&data)
	if err == nil {
		return data, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("create record %s: %w", key, err)
	}

	data, err = s.Load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}

func (s *PostgresStore) Store(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine.records (key, data, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		key, data,
	)
	if err != nil {
		return fmt.Errorf("store record %s: %w", key, err)
	}
	return nil
}

// StoreAll upserts all records in a single transaction.
func (s *PostgresStore) StoreAll(ctx context.Context, records map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store records: %w", err)
	}
	for key, data := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO engine.records (key, data, updated_at) VALUES ($1, $2, NOW())
			 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
			key, data,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("store record %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store records: %w", err)
	}
	return nil
}
