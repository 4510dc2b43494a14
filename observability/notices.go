package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/narthex/dbopen"
	"github.com/hazyhaar/narthex/idgen"
)

// NoticeKind classifies a user-visible problem.
type NoticeKind string

const (
	// NoticeProcessing: the backend lost a dataset it was processing.
	NoticeProcessing NoticeKind = "processing"
	// NoticeNetwork: the backend could not be reached or answered badly.
	NoticeNetwork NoticeKind = "network"
	// NoticeInfo: anything else worth showing.
	NoticeInfo NoticeKind = "info"
)

// Notice is a problem shown to the user.
type Notice struct {
	ID      string     `json:"id"`
	Kind    NoticeKind `json:"kind"`
	Dataset string     `json:"dataset,omitempty"`
	Message string     `json:"message"`
	Detail  string     `json:"detail,omitempty"`
	At      time.Time  `json:"at"`
}

// NoticeLog logs notices and keeps them in the notices table for the UI.
type NoticeLog struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	now    func() time.Time
}

// NoticeOption configures a NoticeLog.
type NoticeOption func(*NoticeLog)

// WithNoticeIDGenerator sets the generator of notice IDs.
func WithNoticeIDGenerator(gen idgen.Generator) NoticeOption {
	return func(l *NoticeLog) { l.newID = gen }
}

// WithNoticeLogger sets the logger notices are echoed to.
func WithNoticeLogger(logger *slog.Logger) NoticeOption {
	return func(l *NoticeLog) { l.logger = logger }
}

// NewNoticeLog creates a log over an initialised observability database.
func NewNoticeLog(db *sql.DB, opts ...NoticeOption) *NoticeLog {
	l := &NoticeLog{
		db:     db,
		newID:  idgen.Prefixed("ntc_", idgen.Default),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Notify records n. A failing store is logged and otherwise ignored: a
// notice must never block the caller.
func (l *NoticeLog) Notify(ctx context.Context, n Notice) {
	if n.ID == "" {
		n.ID = l.newID()
	}
	if n.At.IsZero() {
		n.At = l.now()
	}
	if n.Kind == "" {
		n.Kind = NoticeInfo
	}
	l.logger.WarnContext(ctx, "notice",
		"kind", n.Kind, "dataset", n.Dataset, "message", n.Message, "detail", n.Detail)

	_, err := dbopen.Exec(ctx, l.db,
		`INSERT INTO notices (notice_id, kind, dataset, message, detail, at) VALUES (?,?,?,?,?,?)`,
		n.ID, string(n.Kind), n.Dataset, n.Message, n.Detail, n.At.UnixMilli())
	if err != nil {
		l.logger.Error("observability notices: insert", "error", err, "notice_id", n.ID)
	}
}

// Recent returns up to limit notices, newest first. dataset filters when
// not empty.
func (l *NoticeLog) Recent(ctx context.Context, dataset string, limit int) ([]Notice, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT notice_id, kind, dataset, message, detail, at FROM notices`
	args := []any{}
	if dataset != "" {
		q += ` WHERE dataset = ?`
		args = append(args, dataset)
	}
	q += ` ORDER BY at DESC, notice_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query notices: %w", err)
	}
	defer rows.Close()

	out := []Notice{}
	for rows.Next() {
		var n Notice
		var kind string
		var at int64
		if err := rows.Scan(&n.ID, &kind, &n.Dataset, &n.Message, &n.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan notice: %w", err)
		}
		n.Kind = NoticeKind(kind)
		n.At = time.UnixMilli(at)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Cleanup deletes notices older than maxAge and returns the count removed.
func (l *NoticeLog) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	threshold := l.now().Add(-maxAge).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM notices WHERE at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup notices: %w", err)
	}
	return res.RowsAffected()
}
