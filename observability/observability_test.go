package observability

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hazyhaar/narthex/dbopen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"notices", "metrics_timeseries", "audit_log"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	if err := Init(db); err != nil {
		t.Fatalf("Init must be idempotent: %v", err)
	}
}

// --- NoticeLog ---

func TestNoticeLog_NotifyAndRecent(t *testing.T) {
	// WHAT: notices come back newest first with generated IDs.
	// WHY: the UI lists the latest problems at the top.
	db := setupObsDB(t)
	nl := NewNoticeLog(db, WithNoticeLogger(quietLogger()))
	base := time.UnixMilli(1_700_000_000_000)
	step := 0
	nl.now = func() time.Time { step++; return base.Add(time.Duration(step) * time.Second) }

	ctx := context.Background()
	nl.Notify(ctx, Notice{Kind: NoticeNetwork, Dataset: "books", Message: "Network problem checking books"})
	nl.Notify(ctx, Notice{Kind: NoticeProcessing, Dataset: "films", Message: "Problem processing films"})
	nl.Notify(ctx, Notice{Message: "hello"})

	all, err := nl.Recent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("count = %d", len(all))
	}
	if all[0].Message != "hello" || all[0].Kind != NoticeInfo {
		t.Fatalf("newest = %+v", all[0])
	}
	if all[2].ID == "" || all[2].ID[:4] != "ntc_" {
		t.Fatalf("id = %q", all[2].ID)
	}

	films, err := nl.Recent(ctx, "films", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(films) != 1 || films[0].Kind != NoticeProcessing {
		t.Fatalf("films = %+v", films)
	}
}

func TestNoticeLog_StoreFailureDoesNotPanic(t *testing.T) {
	db := setupObsDB(t)
	nl := NewNoticeLog(db, WithNoticeLogger(quietLogger()))
	db.Exec(`DROP TABLE notices`)
	nl.Notify(context.Background(), Notice{Message: "lost"})
	if _, err := nl.Recent(context.Background(), "", 1); err == nil {
		t.Fatal("expected query error without the table")
	}
}

func TestNoticeLog_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	nl := NewNoticeLog(db, WithNoticeLogger(quietLogger()))
	ctx := context.Background()
	nl.Notify(ctx, Notice{Message: "old", At: time.Now().Add(-48 * time.Hour)})
	nl.Notify(ctx, Notice{Message: "new"})

	deleted, err := nl.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d", deleted)
	}
}

// --- MetricsManager ---

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	defer mm.Close()

	mm.Record(&Metric{Name: MetricBackendCallMs, Value: 42.5, Unit: "milliseconds", Labels: map[string]string{"op": "index"}})
	mm.Count(MetricStatusPolls, "dataset", "books")
	mm.Count(MetricStatusPolls, "dataset", "films")
	mm.Flush()

	ctx := context.Background()
	calls, err := mm.Query(ctx, MetricBackendCallMs, time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].Value != 42.5 || calls[0].Labels["op"] != "index" {
		t.Fatalf("calls = %+v", calls)
	}

	polls, err := mm.Sum(ctx, MetricStatusPolls)
	if err != nil {
		t.Fatal(err)
	}
	if polls != 2 {
		t.Fatalf("polls = %v", polls)
	}
	if none, _ := mm.Sum(ctx, "never_recorded"); none != 0 {
		t.Fatalf("sum of unknown metric = %v", none)
	}
}

func TestMetricsManager_FlushOnFullBuffer(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()

	mm.Count(MetricMappingWrites)
	mm.Count(MetricMappingWrites)

	var count int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&count)
	if count != 2 {
		t.Fatalf("count = %d, want flush at buffer size", count)
	}
}

func TestMetricsManager_CloseFlushesAndCleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	mm.Record(&Metric{Name: "old", Timestamp: time.Now().Add(-40 * 24 * time.Hour), Value: 1})
	mm.Record(&Metric{Name: "new", Value: 2})
	mm.Close()
	mm.Close()

	deleted, err := mm.Cleanup(context.Background(), 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d", deleted)
	}
}

// --- AuditLogger ---

func TestAuditLogger_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100)

	al.Record("books", "set_mapping", map[string]string{"source": "s1", "target": "c1"}, nil, 12*time.Millisecond)
	al.Record("books", "set_mapping", nil, errors.New("backend down"), 0)
	al.Record("films", "set_delimiter", nil, nil, 0)
	al.Close()

	ctx := context.Background()
	books, err := al.Query(ctx, AuditFilter{Dataset: "books"})
	if err != nil {
		t.Fatal(err)
	}
	if len(books) != 2 {
		t.Fatalf("books entries = %d", len(books))
	}
	var failed, ok int
	for _, e := range books {
		switch e.Status {
		case "error":
			failed++
			if e.ErrorMessage != "backend down" {
				t.Fatalf("error message = %q", e.ErrorMessage)
			}
		case "success":
			ok++
			if e.Parameters != `{"source":"s1","target":"c1"}` || e.DurationMs != 12 {
				t.Fatalf("entry = %+v", e)
			}
		}
	}
	if failed != 1 || ok != 1 {
		t.Fatalf("failed=%d ok=%d", failed, ok)
	}
}

func TestAuditLogger_LogSync(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100)
	defer al.Close()

	entry := &AuditEntry{Dataset: "books", Operation: "zap"}
	if err := al.Log(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	if entry.EntryID == "" || entry.Status != "success" || entry.Parameters != "{}" {
		t.Fatalf("defaults not filled: %+v", entry)
	}
	got, err := al.Query(context.Background(), AuditFilter{Operation: "zap"})
	if err != nil || len(got) != 1 {
		t.Fatalf("query = %v, %v", got, err)
	}
}
