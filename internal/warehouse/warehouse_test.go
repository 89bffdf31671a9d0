package warehouse

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/decoder"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
)

func TestParsePathMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path     string
		wantMigr int64
		haveMigr bool
		wantDate string
		haveDate bool
	}{
		{"raw/migration=2/year=2024/month=5/day=7/events-1.bin", 2, true, "2024-05-07", true},
		{"raw/events-1.bin", 0, false, "", false},
		{"raw/migration=abc/events-1.bin", 0, false, "", false},
		{"raw/year=2024/month=13/day=1/events-1.bin", 0, false, "", false},
		{"raw/migration=0/year=2023/month=1/day=31/updates-9.bin", 0, true, "2023-01-31", true},
	}
	for _, tc := range cases {
		migr, date := parsePathMeta(tc.path)
		if tc.haveMigr != (migr != nil) {
			t.Fatalf("%s: migration presence = %v, want %v", tc.path, migr != nil, tc.haveMigr)
		}
		if migr != nil && *migr != tc.wantMigr {
			t.Fatalf("%s: migration = %d, want %d", tc.path, *migr, tc.wantMigr)
		}
		if tc.haveDate != (date != nil) {
			t.Fatalf("%s: date presence = %v, want %v", tc.path, date != nil, tc.haveDate)
		}
		if date != nil && date.Format("2006-01-02") != tc.wantDate {
			t.Fatalf("%s: date = %s, want %s", tc.path, date.Format("2006-01-02"), tc.wantDate)
		}
	}
}

func newTestWarehouse(t *testing.T) (*Warehouse, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.duckdb"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	rawDir := filepath.Join(dir, "raw")
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return New(st, zap.NewNop(), rawDir), rawDir
}

func seedEventsFile(t *testing.T, rawDir, rel string, recs []models.Record) string {
	t.Helper()
	path := filepath.Join(rawDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := decoder.WriteFile(path, [][]models.Record{recs}); err != nil {
		t.Fatalf("seed %s: %v", rel, err)
	}
	return path
}

func rec(id, eventType string, at time.Time) models.Record {
	return models.Record{
		EventID:     id,
		UpdateID:    "u-" + id,
		ContractID:  "c-" + id,
		TemplateID:  "Splice.Amulet:Amulet",
		EventType:   eventType,
		EffectiveAt: at,
		RecordedAt:  at,
	}
}

func TestIngestThenAggregate(t *testing.T) {
	w, rawDir := newTestWarehouse(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	seedEventsFile(t, rawDir, "migration=1/year=2024/month=5/day=1/events-0001.bin", []models.Record{
		rec("e1", models.EventCreated, base),
		rec("e2", models.EventCreated, base.Add(time.Second)),
		rec("e3", models.EventCreated, base.Add(2*time.Second)),
		rec("e4", models.EventArchived, base.Add(3*time.Second)),
		rec("e5", models.EventArchived, base.Add(4*time.Second)),
	})

	scan, err := w.ScanAndIndex(ctx)
	if err != nil {
		t.Fatalf("ScanAndIndex: %v", err)
	}
	if scan.TotalFiles != 1 || scan.NewFiles != 1 {
		t.Fatalf("scan = %+v, want total 1 new 1", scan)
	}

	// Idempotent on an unchanged directory.
	scan2, err := w.ScanAndIndex(ctx)
	if err != nil {
		t.Fatalf("ScanAndIndex again: %v", err)
	}
	if scan2.NewFiles != 0 {
		t.Fatalf("rescan found %d new files, want 0", scan2.NewFiles)
	}

	ing, err := w.IngestNewFiles(ctx, 1)
	if err != nil {
		t.Fatalf("IngestNewFiles: %v", err)
	}
	if ing.Ingested != 1 || ing.Records != 5 {
		t.Fatalf("ingest = %+v, want ingested 1 records 5", ing)
	}

	// Finalized file: count and bounds set, immutable markers present.
	files, err := w.ListFiles(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	f := files[0]
	if !f.Ingested || f.RecordCount != 5 || f.MinTS == nil || f.MaxTS == nil {
		t.Fatalf("file not finalized: %+v", f)
	}
	if f.MinTS.After(*f.MaxTS) {
		t.Fatalf("min_ts %v after max_ts %v", f.MinTS, f.MaxTS)
	}
	if f.MigrationID == nil || *f.MigrationID != 1 {
		t.Fatalf("migration_id = %v, want 1", f.MigrationID)
	}

	counts, err := w.UpdateEventTypeCounts(ctx)
	if err != nil {
		t.Fatalf("UpdateEventTypeCounts: %v", err)
	}
	want := map[string]int64{models.EventCreated: 3, models.EventArchived: 2}
	if len(counts) != 2 {
		t.Fatalf("got %d type counts, want 2: %+v", len(counts), counts)
	}
	for _, c := range counts {
		if want[c.Type] != c.Count {
			t.Fatalf("count[%s] = %d, want %d", c.Type, c.Count, want[c.Type])
		}
	}

	// No new data: second run is a no-op returning nil.
	counts2, err := w.UpdateEventTypeCounts(ctx)
	if err != nil {
		t.Fatalf("UpdateEventTypeCounts again: %v", err)
	}
	if counts2 != nil {
		t.Fatalf("second aggregation returned %+v, want nil", counts2)
	}

	// Watermark never exceeds max ingested file id.
	last, err := w.GetLastFileID(ctx, AggEventTypeCounts)
	if err != nil {
		t.Fatal(err)
	}
	max, err := w.MaxIngestedFileID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last != max {
		t.Fatalf("watermark %d != max ingested %d", last, max)
	}
}

func TestEmptyRawDirectory(t *testing.T) {
	w, _ := newTestWarehouse(t)
	ctx := context.Background()

	scan, err := w.ScanAndIndex(ctx)
	if err != nil {
		t.Fatalf("ScanAndIndex: %v", err)
	}
	if scan.TotalFiles != 0 || scan.NewFiles != 0 {
		t.Fatalf("scan = %+v, want zeros", scan)
	}
	stats, err := w.GetFileStats(ctx)
	if err != nil {
		t.Fatalf("GetFileStats: %v", err)
	}
	if len(stats) != 0 {
		t.Fatalf("stats = %+v, want empty", stats)
	}
	pending, err := w.GetPendingFileCount(ctx)
	if err != nil || pending != 0 {
		t.Fatalf("pending = %d err %v, want 0", pending, err)
	}
}

func TestGapScan(t *testing.T) {
	w, rawDir := newTestWarehouse(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	// Two files 10 minutes apart within one migration: one gap.
	seedEventsFile(t, rawDir, "migration=1/events-0001.bin", []models.Record{
		rec("a1", models.EventCreated, base),
		rec("a2", models.EventCreated, base.Add(time.Minute)),
	})
	seedEventsFile(t, rawDir, "migration=1/events-0002.bin", []models.Record{
		rec("b1", models.EventCreated, base.Add(11*time.Minute)),
	})
	// A different migration starting much later: no cross-partition gap.
	seedEventsFile(t, rawDir, "migration=2/events-0003.bin", []models.Record{
		rec("c1", models.EventCreated, base.Add(48*time.Hour)),
	})

	if _, err := w.ScanAndIndex(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := w.IngestNewFiles(ctx, 10); err != nil {
		t.Fatal(err)
	}

	gaps, err := w.ScanGaps(ctx, 2*time.Minute)
	if err != nil {
		t.Fatalf("ScanGaps: %v", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("got %d gaps, want 1: %+v", len(gaps), gaps)
	}
	g := gaps[0]
	if g.MigrationID == nil || *g.MigrationID != 1 {
		t.Fatalf("gap migration = %v, want 1", g.MigrationID)
	}
	if g.WidthMs != (10 * time.Minute).Milliseconds() {
		t.Fatalf("gap width = %dms, want %dms", g.WidthMs, (10 * time.Minute).Milliseconds())
	}
}

func TestStreamEventsCursor(t *testing.T) {
	w, rawDir := newTestWarehouse(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	var recs []models.Record
	for i := 0; i < 5; i++ {
		recs = append(recs, rec(string(rune('a'+i)), models.EventCreated, base.Add(time.Duration(i)*time.Minute)))
	}
	seedEventsFile(t, rawDir, "events-0001.bin", recs)
	if _, err := w.ScanAndIndex(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := w.IngestNewFiles(ctx, 1); err != nil {
		t.Fatal(err)
	}

	page1, cursor, err := w.StreamEvents(ctx, EventFilter{Limit: 2})
	if err != nil {
		t.Fatalf("StreamEvents: %v", err)
	}
	if len(page1) != 2 || cursor == nil {
		t.Fatalf("page1 len %d cursor %v", len(page1), cursor)
	}
	page2, _, err := w.StreamEvents(ctx, EventFilter{Limit: 10, Cursor: cursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 3 {
		t.Fatalf("page2 len = %d, want 3", len(page2))
	}
	// Strict '<': no overlap between pages.
	seen := map[any]bool{}
	for _, r := range page1 {
		seen[r["event_id"]] = true
	}
	for _, r := range page2 {
		if seen[r["event_id"]] {
			t.Fatalf("event %v appeared on both pages", r["event_id"])
		}
	}

	n, err := w.CountEvents(ctx, "", models.EventCreated)
	if err != nil || n != 5 {
		t.Fatalf("CountEvents = %d err %v, want 5", n, err)
	}
}

func TestResetFileReingest(t *testing.T) {
	w, rawDir := newTestWarehouse(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	seedEventsFile(t, rawDir, "events-0001.bin", []models.Record{
		rec("x1", models.EventCreated, base),
		rec("x2", models.EventCreated, base.Add(time.Second)),
	})
	if _, err := w.ScanAndIndex(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := w.IngestNewFiles(ctx, 1); err != nil {
		t.Fatal(err)
	}

	files, _ := w.ListFiles(ctx, 1, 0)
	if err := w.ResetFile(ctx, files[0].FileID); err != nil {
		t.Fatalf("ResetFile: %v", err)
	}
	pending, _ := w.GetPendingFileCount(ctx)
	if pending != 1 {
		t.Fatalf("pending after reset = %d, want 1", pending)
	}
	n, _ := w.CountEvents(ctx, "", "")
	if n != 0 {
		t.Fatalf("raw rows after reset = %d, want 0", n)
	}

	ing, err := w.IngestNewFiles(ctx, 1)
	if err != nil || ing.Ingested != 1 || ing.Records != 2 {
		t.Fatalf("re-ingest = %+v err %v", ing, err)
	}
}
