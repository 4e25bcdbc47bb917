// Package audit implements the audit trail and config-snapshot/rollback
// component (C9): every mutating operation is logged asynchronously, and
// every BIND deploy is preceded by a content-addressed snapshot that
// SnapshotStore.Restore can later put back in place.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is a single audit_entries row (spec §4.9): before/after hashes let
// a reviewer see exactly what a mutating operation changed on disk without
// re-rendering anything.
type Entry struct {
	Actor      string
	Action     string
	TargetKind string
	TargetID   string
	BeforeHash string
	AfterHash  string
	Success    bool
	Note       string
	Ts         time.Time
}

// Writer is an async, buffered audit log writer: callers never block on a
// database round trip, matching the teacher's audit writer.
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

// NewWriter creates a Writer. Call Start to begin the background flush loop.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes entries to the
// database and returns immediately. The goroutine flushes pending entries
// and exits once ctx is cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an entry for async writing. It never blocks the caller; if
// the buffer is full the entry is dropped and a warning is logged, since an
// audit trail gap is preferable to stalling the mutating-operation pipeline.
func (w *Writer) Log(entry Entry) {
	if entry.Ts.IsZero() {
		entry.Ts = time.Now()
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "target_kind", entry.TargetKind, "target_id", entry.TargetID)
	}
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

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		w.logger.Error("acquiring connection for audit flush", "error", err, "count", len(entries))
		return
	}
	defer conn.Release()

	for _, e := range entries {
		_, err := conn.Exec(ctx,
			`INSERT INTO audit_entries (ts, actor, action, target_kind, target_id, before_hash, after_hash, success, note)
			 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''))`,
			e.Ts, e.Actor, e.Action, e.TargetKind, e.TargetID, e.BeforeHash, e.AfterHash, e.Success, e.Note)
		if err != nil {
			w.logger.Error("writing audit log entry", "error", err,
				"action", e.Action, "target_kind", e.TargetKind, "target_id", e.TargetID)
		}
	}
}
