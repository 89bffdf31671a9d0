package templateindex

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
)

// GetFilesForTemplate returns the files whose template_name contains pattern,
// as OS-correct paths anchored at the configured data root. The index may
// carry paths written on another OS; RewritePath fixes them up.
func (b *Builder) GetFilesForTemplate(ctx context.Context, pattern string) ([]string, error) {
	rows, err := b.store.Query(ctx, `
		SELECT DISTINCT file_path FROM template_file_index
		WHERE template_name LIKE '%' || ? || '%'
		ORDER BY file_path`, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, RewritePath(p, b.dataRoot))
	}
	return out, rows.Err()
}

// RewritePath maps a stored (possibly foreign-OS) file path onto the local
// data root. The raw/ segment anchors the relative part.
func RewritePath(stored, dataRoot string) string {
	s := strings.ReplaceAll(stored, `\`, "/")
	if i := strings.Index(s, "/raw/"); i >= 0 {
		return filepath.Join(dataRoot, filepath.FromSlash(s[i+1:]))
	}
	if strings.HasPrefix(s, "raw/") {
		return filepath.Join(dataRoot, filepath.FromSlash(s))
	}
	return filepath.FromSlash(s)
}

// GetIndexedTemplates summarizes the index per template name.
func (b *Builder) GetIndexedTemplates(ctx context.Context) ([]models.TemplateSummary, error) {
	rows, err := b.store.Query(ctx, `
		SELECT template_name, SUM(event_count), COUNT(DISTINCT file_path)
		FROM template_file_index
		GROUP BY template_name
		ORDER BY SUM(event_count) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TemplateSummary
	for rows.Next() {
		var ts models.TemplateSummary
		var events, files any
		if err := rows.Scan(&ts.TemplateName, &events, &files); err != nil {
			return nil, err
		}
		ts.TotalEvents = store.ToInt64(events)
		ts.FileCount = store.ToInt64(files)
		out = append(out, ts)
	}
	return out, rows.Err()
}

// IsPopulated reports whether the index holds any rows.
func (b *Builder) IsPopulated(ctx context.Context) (bool, error) {
	var one int
	err := b.store.QueryRow(ctx, `SELECT 1 FROM template_file_index LIMIT 1`).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// State is the persisted singleton build summary.
type State struct {
	LastIndexedAt       *time.Time `json:"last_indexed_at,omitempty"`
	TotalFilesIndexed   int64      `json:"total_files_indexed"`
	TotalTemplatesFound int64      `json:"total_templates_found"`
	BuildDurationSecs   float64    `json:"build_duration_seconds"`
}

// GetState reads the singleton state row; nil when no build has run.
func (b *Builder) GetState(ctx context.Context) (*State, error) {
	var st State
	var at sql.NullTime
	var files, templates any
	err := b.store.QueryRow(ctx, `
		SELECT last_indexed_at, total_files_indexed, total_templates_found, build_duration_seconds
		FROM template_file_index_state WHERE id = 1`).
		Scan(&at, &files, &templates, &st.BuildDurationSecs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if at.Valid {
		t := at.Time.UTC()
		st.LastIndexedAt = &t
	}
	st.TotalFilesIndexed = store.ToInt64(files)
	st.TotalTemplatesFound = store.ToInt64(templates)
	return &st, nil
}
