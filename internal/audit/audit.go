// Package audit is an async, buffered writer for the operational audit
// trail: SE-selection decisions, leader-election transitions, and
// FinalizeTransaction state changes. It is a side channel only — the core
// itself never reads this table back; it exists for operators debugging
// after the fact.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is a single audit log record.
type Entry struct {
	Action     string          // e.g. "upload_selected", "finalize_started", "leader_acquired"
	ElementID  string          // affected storage element, when applicable
	FileID     string          // affected file, when applicable
	Detail     json.RawMessage // arbitrary structured context
	OccurredAt time.Time
}

// Writer buffers Entry values on a channel and flushes them to Postgres in
// batches, so the hot request/poll paths never block on a database round
// trip.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates a Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background flush loop in a goroutine and returns at
// once. The loop exits after ctx is cancelled and pending entries are
// flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops accepting new entries and waits for the flush loop to drain.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an entry. Never blocks: a full buffer drops the entry and
// logs a warning rather than stall the caller.
func (w *Writer) Log(entry Entry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	select {
	case w.entries <- entry:
	default:
		if w.logger != nil {
			w.logger.Warn("audit log buffer full, dropping entry", "action", entry.Action)
		}
	}
}

// RecordUpload logs a successful upload's SE-selection outcome.
func (w *Writer) RecordUpload(fileID, elementID string, fileSize int64) {
	detail, _ := json.Marshal(map[string]any{"file_size": fileSize})
	w.Log(Entry{Action: "upload_selected", ElementID: elementID, FileID: fileID, Detail: detail})
}

// RecordFinalizeStart logs the Prepare phase of a 2PC transaction.
func (w *Writer) RecordFinalizeStart(transactionID, fileID, sourceElementID, targetElementID string) {
	detail, _ := json.Marshal(map[string]string{
		"transaction_id": transactionID,
		"source":         sourceElementID,
		"target":         targetElementID,
	})
	w.Log(Entry{Action: "finalize_started", ElementID: targetElementID, FileID: fileID, Detail: detail})
}

// RecordFinalizeTransition logs a FinalizeTransaction state change.
func (w *Writer) RecordFinalizeTransition(transactionID, fileID, state string) {
	detail, _ := json.Marshal(map[string]string{"transaction_id": transactionID, "state": state})
	w.Log(Entry{Action: "finalize_transition", FileID: fileID, Detail: detail})
}

// RecordLeaderChange logs a CapacityMonitor leader-election outcome.
func (w *Writer) RecordLeaderChange(replicaID string, acquired bool) {
	action := "leader_acquired"
	if !acquired {
		action = "leader_lost"
	}
	detail, _ := json.Marshal(map[string]string{"replica_id": replicaID})
	w.Log(Entry{Action: action, Detail: detail})
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to the audit_log table. Per-entry errors
// are logged but don't stop the rest of the batch.
func (w *Writer) flush(entries []Entry) {
	if w.pool == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("acquiring connection for audit flush", "error", err)
		}
		return
	}
	defer conn.Release()

	for _, e := range entries {
		_, err := conn.Exec(ctx,
			`INSERT INTO audit_log (action, element_id, file_id, detail, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
			e.Action, nullIfEmpty(e.ElementID), nullIfEmpty(e.FileID), e.Detail, e.OccurredAt,
		)
		if err != nil && w.logger != nil {
			w.logger.Error("writing audit log entry", "error", err, "action", e.Action)
		}
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
