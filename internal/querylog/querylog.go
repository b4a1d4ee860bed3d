// Package querylog is a buffered, batched audit trail of dispatch
// decisions, backed by SQLite via modernc.org/sqlite. It never answers a
// query — read-only for operators, write-only for the dispatcher — and is
// grounded on the teacher's pkg/storage/sqlite.go buffer/batch/flush-worker
// design, slimmed to the one table this dispatcher needs: one row per
// accepted-or-exhausted query, recording which upstream answered and why.
package querylog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"dispatchd/internal/logging"
)

// ErrBufferFull is returned by Log when the async buffer channel has no
// room; Log never blocks its caller waiting for disk I/O, so a full buffer
// drops the entry instead.
var ErrBufferFull = errors.New("querylog: buffer full")

// Entry is one audit record: a single dispatched query and its outcome.
type Entry struct {
	Timestamp time.Time
	ClientIP  string
	Name      string
	Qtype     string
	Upstream  string
	Action    string // "accept" or "drop" or "no_acceptable_answer"
	DurationMS int64
}

const schema = `
CREATE TABLE IF NOT EXISTS dispatch_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	client_ip TEXT NOT NULL,
	name TEXT NOT NULL,
	qtype TEXT NOT NULL,
	upstream TEXT NOT NULL,
	action TEXT NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_log_timestamp ON dispatch_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_dispatch_log_name ON dispatch_log(name);
`

// Log is the buffered SQLite-backed audit log.
type Log struct {
	db     *sql.DB
	logger *logging.Logger
	buffer chan Entry
	stmt   *sql.Stmt

	batchSize     int
	flushInterval time.Duration

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// Open creates (if needed) the SQLite file at path and starts the
// background flush worker. bufferSize bounds how many unflushed entries
// may queue before Log starts dropping.
func Open(path string, logger *logging.Logger, bufferSize int) (*Log, error) {
	if logger == nil {
		logger = logging.Global()
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("querylog: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("querylog: setting WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("querylog: applying schema: %w", err)
	}

	stmt, err := db.Prepare(`
		INSERT INTO dispatch_log (timestamp, client_ip, name, qtype, upstream, action, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("querylog: preparing insert: %w", err)
	}

	l := &Log{
		db:            db,
		logger:        logger,
		buffer:        make(chan Entry, bufferSize),
		stmt:          stmt,
		batchSize:     100,
		flushInterval: time.Second,
	}
	l.wg.Add(1)
	go l.flushWorker()
	return l, nil
}

// Log enqueues an entry for asynchronous write. It never blocks the DNS
// response path: if the buffer is full, the entry is dropped and
// ErrBufferFull is returned for the caller to count, not retry.
func (l *Log) Log(entry Entry) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return errors.New("querylog: closed")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	select {
	case l.buffer <- entry:
		return nil
	default:
		return ErrBufferFull
	}
}

func (l *Log) flushWorker() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, l.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.flushBatch(batch); err != nil {
			l.logger.Warn("querylog flush failed", "error", err, "batch_size", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-l.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *Log) flushBatch(entries []Entry) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.Stmt(l.stmt)
	for _, e := range entries {
		if _, err := stmt.Exec(e.Timestamp.UnixMilli(), e.ClientIP, e.Name, e.Qtype, e.Upstream, e.Action, e.DurationMS); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Recent returns up to limit most recent entries, newest first. Used by
// the admin surface; never consulted by the dispatcher to answer queries.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT timestamp, client_ip, name, qtype, upstream, action, duration_ms
		FROM dispatch_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&ts, &e.ClientIP, &e.Name, &e.Qtype, &e.Upstream, &e.Action, &e.DurationMS); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close stops the flush worker (flushing anything buffered) and closes
// the database handle.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.buffer)
	l.wg.Wait()
	l.stmt.Close()
	return l.db.Close()
}
