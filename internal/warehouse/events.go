package warehouse

import (
	"context"
	"strings"
	"time"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
)

// EventFilter narrows the raw event stream. Template matches the template_id
// suffix by containment; EventType matches exactly. Cursor is the last
// recorded_at already seen; the page continues strictly below it, descending.
type EventFilter struct {
	Template  string
	EventType string
	Cursor    *time.Time
	Limit     int
}

// StreamEvents returns one descending page of raw events plus the cursor for
// the next page (nil when the stream is exhausted).
func (w *Warehouse) StreamEvents(ctx context.Context, f EventFilter) ([]map[string]any, *time.Time, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT event_id, update_id, contract_id, template_id, event_type,
		       effective_at, recorded_at, consuming, payload, exercise_choice,
		       _file_id
		FROM events_raw
		WHERE 1=1`)
	var args []any
	if f.Template != "" {
		sb.WriteString(` AND template_id LIKE '%' || ? || '%'`)
		args = append(args, f.Template)
	}
	if f.EventType != "" {
		sb.WriteString(` AND event_type = ?`)
		args = append(args, f.EventType)
	}
	if f.Cursor != nil {
		sb.WriteString(` AND recorded_at < ?`)
		args = append(args, f.Cursor.UTC())
	}
	sb.WriteString(` ORDER BY recorded_at DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := w.store.QueryMaps(ctx, sb.String(), args...)
	if err != nil {
		return nil, nil, err
	}
	var next *time.Time
	if len(rows) == limit {
		if ts, ok := rows[len(rows)-1]["recorded_at"].(time.Time); ok {
			t := ts.UTC()
			next = &t
		}
	}
	return rows, next, nil
}

// CountEvents counts raw events under the same filters, ignoring pagination.
func (w *Warehouse) CountEvents(ctx context.Context, template, eventType string) (int64, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT COUNT(*) FROM events_raw WHERE 1=1`)
	var args []any
	if template != "" {
		sb.WriteString(` AND template_id LIKE '%' || ? || '%'`)
		args = append(args, template)
	}
	if eventType != "" {
		sb.WriteString(` AND event_type = ?`)
		args = append(args, eventType)
	}
	var n any
	if err := w.store.QueryRow(ctx, sb.String(), args...).Scan(&n); err != nil {
		return 0, err
	}
	return store.ToInt64(n), nil
}
