package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/decoder"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
)

// IngestBatchSize is the bulk-insert batch size for raw rows.
const IngestBatchSize = 2000

var eventCols = []string{
	"event_id", "update_id", "contract_id", "template_id", "event_type",
	"effective_at", "recorded_at", "signatories", "observers", "acting_parties",
	"consuming", "payload", "exercise_choice", "exercise_argument",
	"exercise_result", "_file_id",
}

var updateCols = []string{
	"update_id", "effective_at", "recorded_at", "payload", "_file_id",
}

// IngestNewFiles streams up to maxFiles pending files into the raw tables.
// Files are taken oldest record_date first. A file either finalizes fully or
// leaves no trace: on any decode or insert error its partial rows are purged
// and the raw_files row stays un-ingested for a later retry.
func (w *Warehouse) IngestNewFiles(ctx context.Context, maxFiles int) (*models.IngestResult, error) {
	if maxFiles <= 0 {
		maxFiles = 1
	}
	pending, err := w.pendingFiles(ctx, maxFiles)
	if err != nil {
		return nil, fmt.Errorf("select pending files: %w", err)
	}

	result := &models.IngestResult{}
	for _, f := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n, err := w.ingestOne(ctx, f)
		if err != nil {
			w.logger.Error("file ingestion failed",
				zap.Int64("file_id", f.FileID),
				zap.String("path", f.Path),
				zap.Error(err))
			result.Failed++
			continue
		}
		result.Ingested++
		result.Records += n
	}
	return result, nil
}

func (w *Warehouse) pendingFiles(ctx context.Context, limit int) ([]models.RawFile, error) {
	rows, err := w.store.Query(ctx, `
		SELECT file_id, path, file_type, migration_id, record_date, record_count,
		       min_ts, max_ts, ingested, ingested_at
		FROM raw_files
		WHERE NOT ingested
		ORDER BY record_date ASC NULLS LAST, file_id ASC
		LIMIT ?`, limit)
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

func (w *Warehouse) ingestOne(ctx context.Context, f models.RawFile) (int64, error) {
	table, cols := "events_raw", eventCols
	if f.FileType == models.FileTypeUpdates {
		table, cols = "updates_raw", updateCols
	}

	// Crash leftovers from an earlier attempt must not double-count.
	if err := w.store.Exec(ctx, `DELETE FROM `+table+` WHERE _file_id = ?`, f.FileID); err != nil {
		return 0, fmt.Errorf("clear stale rows: %w", err)
	}

	r, err := decoder.Open(f.Path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var (
		batch [][]any
		count int64
		minTS time.Time
		maxTS time.Time
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.store.BulkInsert(ctx, table, cols, batch, IngestBatchSize); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			w.purge(ctx, table, f.FileID)
			return 0, fmt.Errorf("decode: %w", err)
		}
		ts := rec.RecordedAt
		if count == 0 || ts.Before(minTS) {
			minTS = ts
		}
		if count == 0 || ts.After(maxTS) {
			maxTS = ts
		}
		count++

		if f.FileType == models.FileTypeUpdates {
			batch = append(batch, []any{
				rec.UpdateID, rec.EffectiveAt, rec.RecordedAt, rawString(rec.Payload), f.FileID,
			})
		} else {
			batch = append(batch, []any{
				rec.EventID, rec.UpdateID, rec.ContractID, rec.TemplateID, rec.EventType,
				rec.EffectiveAt, rec.RecordedAt,
				jsonList(rec.Signatories), jsonList(rec.Observers), jsonList(rec.ActingParties),
				rec.Consuming, rawString(rec.Payload), rec.Choice,
				rawString(rec.ExerciseArg), rawString(rec.ExerciseRes), f.FileID,
			})
		}
		if len(batch) >= IngestBatchSize {
			if err := flush(); err != nil {
				w.purge(ctx, table, f.FileID)
				return 0, fmt.Errorf("bulk insert: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		w.purge(ctx, table, f.FileID)
		return 0, fmt.Errorf("bulk insert: %w", err)
	}

	// Finalize. After this the count and bounds are immutable.
	var minArg, maxArg any
	if count > 0 {
		minArg, maxArg = minTS, maxTS
	}
	err = w.store.Exec(ctx, `
		UPDATE raw_files
		SET record_count = ?, min_ts = ?, max_ts = ?, ingested = true, ingested_at = ?
		WHERE file_id = ?`,
		count, minArg, maxArg, time.Now().UTC(), f.FileID)
	if err != nil {
		w.purge(ctx, table, f.FileID)
		return 0, fmt.Errorf("finalize file: %w", err)
	}
	w.logger.Info("file ingested",
		zap.Int64("file_id", f.FileID),
		zap.String("path", f.Path),
		zap.Int64("records", count))
	return count, nil
}

func (w *Warehouse) purge(ctx context.Context, table string, fileID int64) {
	if err := w.store.Exec(ctx, `DELETE FROM `+table+` WHERE _file_id = ?`, fileID); err != nil {
		w.logger.Warn("failed to purge partial rows", zap.Int64("file_id", fileID), zap.Error(err))
	}
}

func jsonList(vals []string) any {
	if len(vals) == 0 {
		return nil
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return nil
	}
	return string(b)
}

func rawString(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
