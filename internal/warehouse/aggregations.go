package warehouse

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
)

// Aggregation names. Each keeps its own watermark so a file is accounted for
// at most once per aggregation.
const (
	AggEventTypeCounts = "event_type_counts"
	AggTemplateCounts  = "template_counts"
	AggDailyCounts     = "daily_counts"
)

type TypeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// GetLastFileID returns the stored watermark for an aggregation, or 0.
func (w *Warehouse) GetLastFileID(ctx context.Context, name string) (int64, error) {
	var n any
	err := w.store.QueryRow(ctx,
		`SELECT last_file_id FROM aggregation_state WHERE agg_name = ?`, name).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return store.ToInt64(n), nil
}

// MaxIngestedFileID returns the highest ingested file id, or 0.
func (w *Warehouse) MaxIngestedFileID(ctx context.Context) (int64, error) {
	var n any
	err := w.store.QueryRow(ctx,
		`SELECT COALESCE(MAX(file_id), 0) FROM raw_files WHERE ingested`).Scan(&n)
	if err != nil {
		return 0, err
	}
	return store.ToInt64(n), nil
}

// HasNewData reports whether ingested files exist beyond the watermark.
func (w *Warehouse) HasNewData(ctx context.Context, name string) (bool, error) {
	last, err := w.GetLastFileID(ctx, name)
	if err != nil {
		return false, err
	}
	max, err := w.MaxIngestedFileID(ctx)
	if err != nil {
		return false, err
	}
	return max > last, nil
}

// aggWindow resolves the (watermark, max_ingested] file id window, or ok=false
// when the aggregation is already up to date.
func (w *Warehouse) aggWindow(ctx context.Context, name string) (lo, hi int64, ok bool, err error) {
	lo, err = w.GetLastFileID(ctx, name)
	if err != nil {
		return 0, 0, false, err
	}
	hi, err = w.MaxIngestedFileID(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	return lo, hi, hi > lo, nil
}

// UpdateEventTypeCounts folds new files into the per-event-type totals and
// advances the watermark in the same transaction. Returns nil when there is
// no new data.
func (w *Warehouse) UpdateEventTypeCounts(ctx context.Context) ([]TypeCount, error) {
	lo, hi, ok, err := w.aggWindow(ctx, AggEventTypeCounts)
	if err != nil || !ok {
		return nil, err
	}
	err = w.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agg_event_type_counts (event_type, count)
			SELECT event_type, COUNT(*)
			FROM events_raw
			WHERE _file_id > ? AND _file_id <= ? AND event_type IS NOT NULL
			GROUP BY event_type
			ON CONFLICT (event_type) DO UPDATE SET count = agg_event_type_counts.count + excluded.count`,
			lo, hi)
		if err != nil {
			return err
		}
		return advanceWatermark(ctx, tx, AggEventTypeCounts, hi)
	})
	if err != nil {
		return nil, err
	}
	return w.GetEventTypeCounts(ctx)
}

// GetEventTypeCounts reads the current totals, descending.
func (w *Warehouse) GetEventTypeCounts(ctx context.Context) ([]TypeCount, error) {
	rows, err := w.store.Query(ctx,
		`SELECT event_type, count FROM agg_event_type_counts ORDER BY count DESC, event_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TypeCount
	for rows.Next() {
		var tc TypeCount
		var n any
		if err := rows.Scan(&tc.Type, &n); err != nil {
			return nil, err
		}
		tc.Count = store.ToInt64(n)
		out = append(out, tc)
	}
	return out, rows.Err()
}

// UpdateTemplateCounts folds new files into per-template-name totals.
func (w *Warehouse) UpdateTemplateCounts(ctx context.Context) (int64, error) {
	lo, hi, ok, err := w.aggWindow(ctx, AggTemplateCounts)
	if err != nil || !ok {
		return 0, err
	}
	err = w.store.WithTx(ctx, func(tx *sql.Tx) error {
		// template_name = suffix after the final ':'.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agg_template_counts (template_name, count)
			SELECT CASE WHEN strpos(template_id, ':') > 0
			            THEN regexp_extract(template_id, '([^:]*)$', 1)
			            ELSE template_id END AS template_name,
			       COUNT(*)
			FROM events_raw
			WHERE _file_id > ? AND _file_id <= ? AND template_id IS NOT NULL
			GROUP BY template_name
			ON CONFLICT (template_name) DO UPDATE SET count = agg_template_counts.count + excluded.count`,
			lo, hi)
		if err != nil {
			return err
		}
		return advanceWatermark(ctx, tx, AggTemplateCounts, hi)
	})
	if err != nil {
		return 0, err
	}
	return hi - lo, nil
}

// UpdateDailyCounts folds new files into per-day event totals.
func (w *Warehouse) UpdateDailyCounts(ctx context.Context) (int64, error) {
	lo, hi, ok, err := w.aggWindow(ctx, AggDailyCounts)
	if err != nil || !ok {
		return 0, err
	}
	err = w.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agg_daily_counts (day, count)
			SELECT CAST(effective_at AS DATE), COUNT(*)
			FROM events_raw
			WHERE _file_id > ? AND _file_id <= ? AND effective_at IS NOT NULL
			GROUP BY CAST(effective_at AS DATE)
			ON CONFLICT (day) DO UPDATE SET count = agg_daily_counts.count + excluded.count`,
			lo, hi)
		if err != nil {
			return err
		}
		return advanceWatermark(ctx, tx, AggDailyCounts, hi)
	})
	if err != nil {
		return 0, err
	}
	return hi - lo, nil
}

func advanceWatermark(ctx context.Context, tx *sql.Tx, name string, fileID int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO aggregation_state (agg_name, last_file_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (agg_name) DO UPDATE
		SET last_file_id = excluded.last_file_id, updated_at = excluded.updated_at`,
		name, fileID, time.Now().UTC())
	return err
}

// UpdateAllAggregations runs every aggregation independently. A failure is
// captured per aggregation so the rest still advance.
func (w *Warehouse) UpdateAllAggregations(ctx context.Context) map[string]any {
	results := make(map[string]any, 3)

	if counts, err := w.UpdateEventTypeCounts(ctx); err != nil {
		w.logger.Warn("aggregation failed", zap.String("agg", AggEventTypeCounts), zap.Error(err))
		results[AggEventTypeCounts] = map[string]string{"error": err.Error()}
	} else {
		results[AggEventTypeCounts] = counts
	}
	if n, err := w.UpdateTemplateCounts(ctx); err != nil {
		w.logger.Warn("aggregation failed", zap.String("agg", AggTemplateCounts), zap.Error(err))
		results[AggTemplateCounts] = map[string]string{"error": err.Error()}
	} else {
		results[AggTemplateCounts] = map[string]int64{"files": n}
	}
	if n, err := w.UpdateDailyCounts(ctx); err != nil {
		w.logger.Warn("aggregation failed", zap.String("agg", AggDailyCounts), zap.Error(err))
		results[AggDailyCounts] = map[string]string{"error": err.Error()}
	} else {
		results[AggDailyCounts] = map[string]int64{"files": n}
	}
	return results
}
