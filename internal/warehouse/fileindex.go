// Package warehouse owns the raw file index, the streaming ingestor, the
// incremental aggregations and the gap scan.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/decoder"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
)

// RecordFileSuffix is the only on-disk suffix recognized as ingestion input.
const RecordFileSuffix = ".bin"

type Warehouse struct {
	store  *store.Store
	logger *zap.Logger
	rawDir string
}

func New(st *store.Store, logger *zap.Logger, rawDir string) *Warehouse {
	return &Warehouse{store: st, logger: logger, rawDir: rawDir}
}

// ScanAndIndex walks the raw directory and upserts one raw_files row per new
// record file. Unreadable subtrees are logged and skipped. Idempotent on an
// unchanged directory.
func (w *Warehouse) ScanAndIndex(ctx context.Context) (*models.ScanResult, error) {
	indexed, err := w.indexedPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("load indexed paths: %w", err)
	}

	var discovered []string
	walkErr := filepath.WalkDir(w.rawDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("skipping unreadable subtree", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), RecordFileSuffix) {
			discovered = append(discovered, filepath.ToSlash(path))
		}
		return nil
	})
	if walkErr != nil {
		// WalkDir only returns an error from the root; an absent raw dir just
		// means nothing to scan yet.
		w.logger.Warn("raw directory walk ended early", zap.String("dir", w.rawDir), zap.Error(walkErr))
	}

	result := &models.ScanResult{TotalFiles: len(discovered)}
	for _, path := range discovered {
		if _, ok := indexed[path]; ok {
			continue
		}
		fileType := decoder.FileType(path)
		if fileType == "" {
			continue
		}
		migrationID, recordDate := parsePathMeta(path)
		fileID, err := w.store.NextFileID(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocate file id: %w", err)
		}
		err = w.store.Exec(ctx,
			`INSERT INTO raw_files (file_id, path, file_type, migration_id, record_date, ingested)
			 VALUES (?, ?, ?, ?, ?, false)`,
			fileID, path, fileType, migrationID, recordDate)
		if err != nil {
			return nil, fmt.Errorf("index file %s: %w", path, err)
		}
		result.NewFiles++
	}
	if result.NewFiles > 0 {
		w.logger.Info("scan complete",
			zap.Int("total_files", result.TotalFiles),
			zap.Int("new_files", result.NewFiles))
	}
	return result, nil
}

func (w *Warehouse) indexedPaths(ctx context.Context) (map[string]struct{}, error) {
	rows, err := w.store.Query(ctx, `SELECT path FROM raw_files`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[filepath.ToSlash(p)] = struct{}{}
	}
	return out, rows.Err()
}

// parsePathMeta pulls the optional migration=<n> and year=/month=/day=
// segments out of a normalized path.
func parsePathMeta(path string) (*int64, *time.Time) {
	var migrationID *int64
	var year, month, day int
	for _, seg := range strings.Split(path, "/") {
		switch {
		case strings.HasPrefix(seg, "migration="):
			if n, err := strconv.ParseInt(seg[len("migration="):], 10, 64); err == nil {
				migrationID = &n
			}
		case strings.HasPrefix(seg, "year="):
			year, _ = strconv.Atoi(seg[len("year="):])
		case strings.HasPrefix(seg, "month="):
			month, _ = strconv.Atoi(seg[len("month="):])
		case strings.HasPrefix(seg, "day="):
			day, _ = strconv.Atoi(seg[len("day="):])
		}
	}
	var recordDate *time.Time
	if year > 0 && month >= 1 && month <= 12 && day >= 1 && day <= 31 {
		d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		recordDate = &d
	}
	return migrationID, recordDate
}

// GetFileStats groups raw_files by (type, ingested).
func (w *Warehouse) GetFileStats(ctx context.Context) ([]models.FileStats, error) {
	rows, err := w.store.Query(ctx, `
		SELECT file_type, ingested, COUNT(*), COALESCE(SUM(record_count), 0)
		FROM raw_files
		GROUP BY file_type, ingested
		ORDER BY file_type, ingested`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.FileStats
	for rows.Next() {
		var st models.FileStats
		var files, records any
		if err := rows.Scan(&st.FileType, &st.Ingested, &files, &records); err != nil {
			return nil, err
		}
		st.FileCount = store.ToInt64(files)
		st.RecordCount = store.ToInt64(records)
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetPendingFileCount counts files not yet ingested.
func (w *Warehouse) GetPendingFileCount(ctx context.Context) (int64, error) {
	var n any
	err := w.store.QueryRow(ctx, `SELECT COUNT(*) FROM raw_files WHERE NOT ingested`).Scan(&n)
	if err != nil {
		return 0, err
	}
	return store.ToInt64(n), nil
}

// GetFile loads one raw_files row by id.
func (w *Warehouse) GetFile(ctx context.Context, fileID int64) (*models.RawFile, error) {
	row := w.store.QueryRow(ctx, `
		SELECT file_id, path, file_type, migration_id, record_date, record_count,
		       min_ts, max_ts, ingested, ingested_at
		FROM raw_files WHERE file_id = ?`, fileID)
	f, err := scanRawFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// ListFiles returns the file index, newest record_date first.
func (w *Warehouse) ListFiles(ctx context.Context, limit, offset int) ([]models.RawFile, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := w.store.Query(ctx, `
		SELECT file_id, path, file_type, migration_id, record_date, record_count,
		       min_ts, max_ts, ingested, ingested_at
		FROM raw_files
		ORDER BY record_date DESC NULLS LAST, file_id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RawFile
	for rows.Next() {
		f, err := scanRawFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRawFile(r rowScanner) (*models.RawFile, error) {
	var f models.RawFile
	var migrationID sql.NullInt64
	var recordDate, minTS, maxTS, ingestedAt sql.NullTime
	var recordCount any
	err := r.Scan(&f.FileID, &f.Path, &f.FileType, &migrationID, &recordDate,
		&recordCount, &minTS, &maxTS, &f.Ingested, &ingestedAt)
	if err != nil {
		return nil, err
	}
	f.RecordCount = store.ToInt64(recordCount)
	if migrationID.Valid {
		f.MigrationID = &migrationID.Int64
	}
	if recordDate.Valid {
		t := recordDate.Time.UTC()
		f.RecordDate = &t
	}
	if minTS.Valid {
		t := minTS.Time.UTC()
		f.MinTS = &t
	}
	if maxTS.Valid {
		t := maxTS.Time.UTC()
		f.MaxTS = &t
	}
	if ingestedAt.Valid {
		t := ingestedAt.Time.UTC()
		f.IngestedAt = &t
	}
	return &f, nil
}

// ResetFile clears a file's raw rows and its ingestion state so the next
// cycle re-ingests it. The only sanctioned way to re-create rows under an
// existing _file_id.
func (w *Warehouse) ResetFile(ctx context.Context, fileID int64) error {
	f, err := w.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("file %d not indexed", fileID)
	}
	table := "events_raw"
	if f.FileType == models.FileTypeUpdates {
		table = "updates_raw"
	}
	if err := w.store.Exec(ctx, `DELETE FROM `+table+` WHERE _file_id = ?`, fileID); err != nil {
		return fmt.Errorf("purge rows for file %d: %w", fileID, err)
	}
	return w.store.Exec(ctx, `
		UPDATE raw_files
		SET ingested = false, ingested_at = NULL, record_count = 0, min_ts = NULL, max_ts = NULL
		WHERE file_id = ?`, fileID)
}
