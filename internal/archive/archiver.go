package archive

import (
	"context"
	"database/sql"
	"log"
	"time"

	"PerpMargin/internal/event"
	"PerpMargin/internal/observability"
)

// Archiver drains the envelope channel and batch-writes to Postgres.
// The channel uses blocking sends, so a stalled archiver applies
// backpressure upstream rather than losing envelopes.
type Archiver struct {
	writer       *Writer
	inputChan    <-chan event.Envelope
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewArchiver(
	db *sql.DB,
	inputChan <-chan event.Envelope,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Archiver {
	return &Archiver{
		writer:       NewWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run batches incoming envelopes and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the channel
// closes.
func (a *Archiver) Run(ctx context.Context) error {
	batch := make([]EventRow, 0, a.batchSize)

	timer := time.NewTimer(a.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := a.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final archive flush failed: %v", err)
				}
			}
			return ctx.Err()

		case env, ok := <-a.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := a.flush(context.Background(), batch); err != nil {
						log.Printf("ERROR: final archive flush failed: %v", err)
					}
				}
				return nil
			}

			row, err := rowFromEnvelope(env)
			if err != nil {
				log.Printf("WARN: skip unarchivable envelope seq=%d: %v", env.Sequence, err)
				continue
			}
			batch = append(batch, row)

			if len(batch) >= a.batchSize {
				if err := a.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: archive flush failed after retries: %v", err)
				}
				batch = batch[:0]
				timer.Reset(a.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := a.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: archive timeout flush failed after retries: %v", err)
				}
				batch = batch[:0]
			}
			timer.Reset(a.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The archiver never
// drops a batch; it keeps trying until the write succeeds or shutdown
// forces one final attempt.
func (a *Archiver) flushWithRetry(ctx context.Context, batch []EventRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: archive retry attempt %d (backoff=%v, rows=%d)",
				attempt, backoff, len(batch))
			select {
			case <-ctx.Done():
				return a.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := a.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: archive flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if a.metrics != nil {
			a.metrics.ArchiveErrors.Inc()
		}
	}
}

func (a *Archiver) flush(ctx context.Context, batch []EventRow) error {
	start := time.Now()

	if err := a.writer.WriteBatch(ctx, batch); err != nil {
		return err
	}

	if a.metrics != nil {
		a.metrics.ArchiveBatchDuration.Observe(time.Since(start).Seconds())
		a.metrics.ArchiveRowsWritten.Add(float64(len(batch)))
		a.metrics.ArchiveLastSequence.Set(float64(batch[len(batch)-1].Sequence))
	}
	return nil
}
