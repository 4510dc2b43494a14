package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/narthex/idgen"
)

// AuditEntry records one write the user made: a mapping change, a delimiter
// confirmation, a save or a delete.
type AuditEntry struct {
	EntryID      string
	Timestamp    time.Time
	Dataset      string
	Operation    string // "set_mapping", "remove_mapping", "set_delimiter", ...
	Parameters   string // JSON
	ErrorMessage string
	DurationMs   int64
	Status       string // "success" or "error"
}

// AuditFilter narrows Query. Zero fields match everything.
type AuditFilter struct {
	Dataset   string
	Operation string
	Since     time.Time
	Limit     int // default 100
}

// AuditLogger persists audit entries, batched on a background goroutine.
type AuditLogger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *AuditEntry
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets a custom ID generator for audit entry IDs.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// NewAuditLogger creates an audit logger. Recommended bufferSize: 1000.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:    db,
		newID: idgen.Prefixed("aud_", idgen.Default),
		ch:    make(chan *AuditEntry, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// Record builds an entry for operation on dataset and queues it. params is
// marshalled to JSON; err decides the status.
func (a *AuditLogger) Record(dataset, operation string, params any, err error, duration time.Duration) {
	e := &AuditEntry{
		Dataset:    dataset,
		Operation:  operation,
		DurationMs: duration.Milliseconds(),
		Parameters: "{}",
	}
	if params != nil {
		if b, merr := json.Marshal(params); merr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	a.LogAsync(e)
}

// Log inserts an entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	a.fillDefaults(e)
	return a.insert(ctx, a.db, e)
}

// LogAsync queues an entry, falling back to a synchronous insert when the
// buffer is full.
func (a *AuditLogger) LogAsync(e *AuditEntry) {
	a.fillDefaults(e)
	select {
	case a.ch <- e:
	default:
		slog.Warn("observability audit buffer full, sync fallback", "dataset", e.Dataset)
		if err := a.insert(context.Background(), a.db, e); err != nil {
			slog.Error("observability audit: sync fallback failed", "error", err)
		}
	}
}

// Query returns entries matching f, newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	q := `SELECT entry_id, timestamp, dataset, operation, parameters,
		error_message, duration_ms, status FROM audit_log WHERE 1=1`
	var args []any
	if f.Dataset != "" {
		q += " AND dataset = ?"
		args = append(args, f.Dataset)
	}
	if f.Operation != "" {
		q += " AND operation = ?"
		args = append(args, f.Operation)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Unix())
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC, entry_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		var errMsg sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&e.EntryID, &ts, &e.Dataset, &e.Operation, &e.Parameters,
			&errMsg, &duration, &e.Status); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.ErrorMessage = errMsg.String
		e.DurationMs = duration.Int64
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Close drains the buffer and stops the flush goroutine. Further calls are
// no-ops.
func (a *AuditLogger) Close() error {
	a.once.Do(func() {
		close(a.stop)
		<-a.done
	})
	return nil
}

func (a *AuditLogger) fillDefaults(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		if e.ErrorMessage != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("observability audit: begin tx", "error", err)
			return
		}
		for _, e := range batch {
			if err := a.insert(ctx, tx, e); err != nil {
				slog.Error("observability audit: insert", "error", err, "entry_id", e.EntryID)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("observability audit: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (a *AuditLogger) insert(ctx context.Context, db execer, e *AuditEntry) error {
	var errMsg sql.NullString
	if e.ErrorMessage != "" {
		errMsg = sql.NullString{String: e.ErrorMessage, Valid: true}
	}
	_, err := db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, dataset, operation, parameters, error_message, duration_ms, status)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.Unix(), e.Dataset, e.Operation, e.Parameters,
		errMsg, e.DurationMs, e.Status)
	return err
}
