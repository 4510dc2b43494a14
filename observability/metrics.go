// Package observability keeps the workbench's monitoring data in SQLite:
// user-visible notices, a metrics timeseries and an audit trail of writes.
//
// Call Init on the database first, then pass it to the constructors.
// Metric and audit persistence is batched on a background goroutine and
// never applies backpressure: a failing store only logs.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/narthex/dbopen"
)

// Metric names recorded by the workbench.
const (
	MetricStatusPolls        = "narthex_status_polls"
	MetricDatasetTransitions = "narthex_dataset_transitions"
	MetricBackendCallMs      = "narthex_backend_call_ms"
	MetricMappingWrites      = "narthex_mapping_writes"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string // optional, e.g. {"dataset": "books"}
	Unit      string            // "count", "milliseconds"
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []*Metric

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMetricsManager starts a manager that flushes when bufferSize metrics
// are queued or every flushInterval. Non-positive arguments fall back to
// 100 and 5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a metric. Non-blocking apart from a full-buffer flush.
func (mm *MetricsManager) Record(m *Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// Count records a count of 1 under name with the given label pairs.
func (mm *MetricsManager) Count(name string, labels ...string) {
	m := &Metric{Name: name, Value: 1, Unit: "count"}
	if len(labels) > 1 {
		m.Labels = make(map[string]string, len(labels)/2)
		for i := 0; i+1 < len(labels); i += 2 {
			m.Labels[labels[i]] = labels[i+1]
		}
	}
	mm.Record(m)
}

// Flush writes the buffered metrics now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Query returns up to limit datapoints of metricName since since, newest
// first. An empty name matches every metric; a zero since is unbounded.
func (mm *MetricsManager) Query(ctx context.Context, metricName string, since time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	args := make([]any, 0, 3)
	if metricName != "" {
		q += " AND metric_name = ?"
		args = append(args, metricName)
	}
	if !since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, since.Unix())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var name string
		var unit, labelsJSON sql.NullString
		var ts int64
		var value float64
		if err := rows.Scan(&name, &ts, &value, &labelsJSON, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m := &Metric{Name: name, Timestamp: time.Unix(ts, 0), Value: value, Unit: unit.String}
		if labelsJSON.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(labelsJSON.String), &labels) == nil {
				m.Labels = labels
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Sum totals the persisted values of metricName.
func (mm *MetricsManager) Sum(ctx context.Context, metricName string) (float64, error) {
	var total sql.NullFloat64
	err := mm.db.QueryRowContext(ctx,
		`SELECT SUM(value) FROM metrics_timeseries WHERE metric_name = ?`, metricName).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum metric %s: %w", metricName, err)
	}
	return total.Float64, nil
}

// Cleanup deletes datapoints older than maxAge and returns the count removed.
func (mm *MetricsManager) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	threshold := time.Now().Add(-maxAge).Unix()
	result, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup metrics: %w", err)
	}
	return result.RowsAffected()
}

// Close flushes remaining metrics and stops the background goroutine.
// Further calls are no-ops.
func (mm *MetricsManager) Close() error {
	mm.once.Do(func() {
		close(mm.stop)
		<-mm.done
	})
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range mm.buffer {
			var labelsJSON sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labelsJSON = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labelsJSON, m.Unit); err != nil {
				return fmt.Errorf("insert %s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("observability metrics: flush", "error", err, "dropped", len(mm.buffer))
	}
	mm.buffer = mm.buffer[:0]
}
