package warehouse

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
)

// ScanGaps looks for contiguity holes in the ingested time coverage, one
// partition per migration id (the synchronizer boundary). A gap is reported
// when the next file's min_ts starts more than threshold after the running
// max_ts of everything before it.
func (w *Warehouse) ScanGaps(ctx context.Context, threshold time.Duration) ([]models.Gap, error) {
	rows, err := w.store.Query(ctx, `
		SELECT file_id, migration_id, min_ts, max_ts
		FROM raw_files
		WHERE ingested AND min_ts IS NOT NULL AND max_ts IS NOT NULL
		ORDER BY migration_id NULLS FIRST, min_ts ASC, file_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gaps []models.Gap
	var (
		havePrev   bool
		prevMigr   sql.NullInt64
		prevFileID int64
		runningMax time.Time
	)
	for rows.Next() {
		var fileID int64
		var migr sql.NullInt64
		var minTS, maxTS time.Time
		if err := rows.Scan(&fileID, &migr, &minTS, &maxTS); err != nil {
			return nil, err
		}
		samePartition := havePrev &&
			prevMigr.Valid == migr.Valid &&
			(!migr.Valid || prevMigr.Int64 == migr.Int64)

		if samePartition {
			if delta := minTS.Sub(runningMax); delta > threshold {
				g := models.Gap{
					From:       runningMax.UTC(),
					To:         minTS.UTC(),
					WidthMs:    delta.Milliseconds(),
					BeforeFile: prevFileID,
					AfterFile:  fileID,
				}
				if migr.Valid {
					m := migr.Int64
					g.MigrationID = &m
				}
				gaps = append(gaps, g)
			}
			if maxTS.After(runningMax) {
				runningMax = maxTS
			}
		} else {
			runningMax = maxTS
		}
		havePrev = true
		prevMigr = migr
		prevFileID = fileID
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(gaps) > 0 {
		w.logger.Warn("coverage gaps detected", zap.Int("count", len(gaps)))
	}
	return gaps, nil
}
