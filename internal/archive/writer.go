// Package archive persists applied-instruction envelopes to Postgres as
// a durable audit log, independent of the NATS event stream.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PerpMargin/internal/event"
)

// EventRow is a row in engine.events.
type EventRow struct {
	Sequence  uint64
	EventID   string
	Op        string
	Signer    string
	Owner     string
	Market    string
	Payload   []byte // JSON-encoded envelope
	StateHash string
	Timestamp time.Time
}

// Writer batch-inserts event rows. Multi-row INSERT keeps it portable;
// switch to pgx CopyFrom if throughput demands it.
type Writer struct {
	db *sql.DB
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// WriteBatch inserts a batch inside one transaction. Conflicting
// sequences are skipped so retries stay idempotent.
func (w *Writer) WriteBatch(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO engine.events
		(sequence, event_id, op, signer, owner, market, payload, state_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*9)

	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			int64(r.Sequence), r.EventID, r.Op, r.Signer, r.Owner,
			r.Market, r.Payload, r.StateHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

// rowFromEnvelope flattens an envelope into its archive row.
func rowFromEnvelope(env event.Envelope) (EventRow, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return EventRow{
		Sequence:  env.Sequence,
		EventID:   env.EventID.String(),
		Op:        env.Op,
		Signer:    env.Signer,
		Owner:     env.Owner,
		Market:    env.Market,
		Payload:   payload,
		StateHash: env.StateHash,
		Timestamp: env.Timestamp,
	}, nil
}
