// Package templateindex maintains the template→file inverted index: for every
// raw event file, which template names it contains, with per-(file,template)
// event counts and time bounds. Projections use it to confine their scans to
// a handful of files.
package templateindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/decoder"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/locks"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
)

const (
	// FileBatchSize is how many files one pool job covers.
	FileBatchSize = 100
	// FlushChunkSize is how many index rows go into one upsert statement.
	FlushChunkSize = 500
	// StallTimeout kills the pool when no file completes for this long.
	StallTimeout = 2 * time.Minute
	// lockStaleAge bounds how long a crashed builder can block rebuilds.
	lockStaleAge = 2 * time.Hour
)

type Builder struct {
	store       *store.Store
	logger      *zap.Logger
	dataRoot    string
	workers     int
	concurrency int

	mu       sync.Mutex
	progress Progress
	building bool
}

// Progress is the single observable build state; updates are monotonic.
type Progress struct {
	Phase     string    `json:"phase"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	StartedAt time.Time `json:"started_at"`
}

// ETA derives remaining seconds from the rate so far; 0 when unknown.
func (p Progress) ETA() float64 {
	elapsed := time.Since(p.StartedAt).Seconds()
	if p.Current == 0 || elapsed <= 0 {
		return 0
	}
	rate := float64(p.Current) / elapsed
	return float64(p.Total-p.Current) / rate
}

// BuildResult summarizes one completed build.
type BuildResult struct {
	FilesIndexed   int           `json:"files_indexed"`
	FilesFailed    int           `json:"files_failed"`
	TemplatesFound int64         `json:"templates_found"`
	Duration       time.Duration `json:"-"`
	DurationSecs   float64       `json:"duration_seconds"`
	UsedFallback   bool          `json:"used_fallback"`
}

func NewBuilder(st *store.Store, logger *zap.Logger, dataRoot string, workers, concurrency int) *Builder {
	if workers < 1 {
		workers = 1
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Builder{
		store:       st,
		logger:      logger,
		dataRoot:    dataRoot,
		workers:     workers,
		concurrency: concurrency,
	}
}

// Progress returns a snapshot of the current build state.
func (b *Builder) Progress() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.progress
}

// InProgress reports whether a build is running in this process.
func (b *Builder) InProgress() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.building
}

func (b *Builder) setPhase(phase string, current, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress.Phase = phase
	b.progress.Total = total
	if current >= b.progress.Current {
		b.progress.Current = current
	}
}

func (b *Builder) advance() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress.Current++
	return b.progress.Current
}

// Build populates the index. force truncates and rebuilds; otherwise only
// files absent from the index are scanned. Per-file failures are logged and
// skipped. If the worker pool stalls or fails, the remaining files are
// processed on the calling goroutine with bounded concurrency.
func (b *Builder) Build(ctx context.Context, force bool) (*BuildResult, error) {
	b.mu.Lock()
	if b.building {
		b.mu.Unlock()
		return nil, ErrBuildInProgress
	}
	b.building = true
	b.progress = Progress{Phase: "listing", StartedAt: time.Now()}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.building = false
		b.mu.Unlock()
	}()

	lockDir := filepath.Join(b.dataRoot, ".locks")
	if cleared, err := locks.ClearStale(lockDir, locks.TemplateIndexLock, lockStaleAge); err == nil && cleared {
		b.logger.Warn("cleared stale template index build lock")
	}
	lock, err := locks.Acquire(lockDir, locks.TemplateIndexLock)
	if err != nil {
		if errors.Is(err, locks.ErrHeld) {
			return nil, ErrBuildInProgress
		}
		return nil, fmt.Errorf("acquire build lock: %w", err)
	}
	defer lock.Release()

	start := time.Now()
	if force {
		if err := b.store.Exec(ctx, `DELETE FROM template_file_index`); err != nil {
			return nil, fmt.Errorf("truncate index: %w", err)
		}
	}
	files, err := b.pendingFiles(ctx, force)
	if err != nil {
		return nil, fmt.Errorf("list pending files: %w", err)
	}
	result := &BuildResult{}
	if len(files) == 0 {
		b.setPhase("done", 0, 0)
		return result, b.writeState(ctx, start, result)
	}

	b.setPhase("scanning", 0, len(files))
	b.logger.Info("template index build started",
		zap.Int("files", len(files)),
		zap.Int("workers", b.workers),
		zap.Bool("force", force))

	remaining, err := b.runPool(ctx, files, result)
	if err != nil {
		b.logger.Warn("worker pool unavailable, falling back to in-line processing", zap.Error(err))
		remaining = files
		result.UsedFallback = true
	}
	if len(remaining) > 0 {
		if !result.UsedFallback {
			result.UsedFallback = true
			b.logger.Warn("worker pool stalled, processing remainder in-line",
				zap.Int("remaining", len(remaining)))
		}
		if err := b.runInline(ctx, remaining, result); err != nil {
			return nil, err
		}
	}

	result.Duration = time.Since(start)
	result.DurationSecs = result.Duration.Seconds()
	b.setPhase("done", len(files), len(files))
	if err := b.writeState(ctx, start, result); err != nil {
		return nil, err
	}
	b.logger.Info("template index build complete",
		zap.Int("files_indexed", result.FilesIndexed),
		zap.Int("files_failed", result.FilesFailed),
		zap.Int64("templates_found", result.TemplatesFound),
		zap.Duration("elapsed", result.Duration))
	return result, nil
}

// ErrBuildInProgress reports a concurrent in-process build.
var ErrBuildInProgress = fmt.Errorf("template index build already in progress")

func (b *Builder) pendingFiles(ctx context.Context, force bool) ([]string, error) {
	query := `
		SELECT path FROM raw_files
		WHERE file_type = 'events'`
	if !force {
		query += ` AND path NOT IN (SELECT DISTINCT file_path FROM template_file_index)`
	}
	query += ` ORDER BY file_id`
	rows, err := b.store.Query(ctx, query)
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
		out = append(out, p)
	}
	return out, rows.Err()
}

type fileResult struct {
	path string
	rows []models.TemplateFileRow
	err  error
}

// runPool fans file batches out to the worker pool and flushes results as
// they arrive. Returns the files still unprocessed when the stall watchdog
// fires, or an error if the pool could not run at all.
func (b *Builder) runPool(ctx context.Context, files []string, result *BuildResult) ([]string, error) {
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan []string, b.workers)
	results := make(chan fileResult, FileBatchSize)

	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range jobs {
				for _, path := range batch {
					if poolCtx.Err() != nil {
						return
					}
					rows, err := ScanFile(path)
					select {
					case results <- fileResult{path: path, rows: rows, err: err}:
					case <-poolCtx.Done():
						return
					}
				}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for start := 0; start < len(files); start += FileBatchSize {
			end := start + FileBatchSize
			if end > len(files) {
				end = len(files)
			}
			select {
			case jobs <- files[start:end]:
			case <-poolCtx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	done := make(map[string]bool, len(files))
	var buffer []models.TemplateFileRow
	lastProgress := time.Now()
	watchdog := time.NewTicker(5 * time.Second)
	defer watchdog.Stop()

	for {
		select {
		case res, ok := <-results:
			if !ok {
				// Pool drained normally.
				if err := b.flush(ctx, buffer, result); err != nil {
					return nil, err
				}
				return unprocessed(files, done), nil
			}
			lastProgress = time.Now()
			done[res.path] = true
			cur := b.advance()
			if res.err != nil {
				result.FilesFailed++
				b.logger.Warn("file skipped during index build",
					zap.String("path", res.path), zap.Error(res.err))
				continue
			}
			result.FilesIndexed++
			buffer = append(buffer, res.rows...)
			if len(buffer) >= FlushChunkSize {
				if err := b.flush(ctx, buffer, result); err != nil {
					return nil, err
				}
				buffer = nil
			}
			if cur%1000 == 0 {
				p := b.Progress()
				b.logger.Info("template index progress",
					zap.Int("current", p.Current),
					zap.Int("total", p.Total),
					zap.Float64("eta_seconds", p.ETA()))
			}
		case <-watchdog.C:
			if time.Since(lastProgress) > StallTimeout {
				cancel()
				if err := b.flush(ctx, buffer, result); err != nil {
					return nil, err
				}
				return unprocessed(files, done), nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func unprocessed(files []string, done map[string]bool) []string {
	var out []string
	for _, f := range files {
		if !done[f] {
			out = append(out, f)
		}
	}
	return out
}

// runInline processes files on the calling goroutine with a bounded in-flight
// window. This is the fallback when the pool cannot be used.
func (b *Builder) runInline(ctx context.Context, files []string, result *BuildResult) error {
	sem := make(chan struct{}, b.concurrency)
	results := make(chan fileResult, b.concurrency)
	var wg sync.WaitGroup

	go func() {
		for _, path := range files {
			if ctx.Err() != nil {
				break
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(p string) {
				defer wg.Done()
				defer func() { <-sem }()
				rows, err := ScanFile(p)
				results <- fileResult{path: p, rows: rows, err: err}
			}(path)
		}
		wg.Wait()
		close(results)
	}()

	var buffer []models.TemplateFileRow
	for res := range results {
		b.advance()
		if res.err != nil {
			result.FilesFailed++
			b.logger.Warn("file skipped during index build",
				zap.String("path", res.path), zap.Error(res.err))
			continue
		}
		result.FilesIndexed++
		buffer = append(buffer, res.rows...)
		if len(buffer) >= FlushChunkSize {
			if err := b.flush(ctx, buffer, result); err != nil {
				return err
			}
			buffer = nil
		}
	}
	return b.flush(ctx, buffer, result)
}

// ScanFile decodes one event file and aggregates its per-template counts and
// time bounds. Each caller owns its decoder instance.
func ScanFile(path string) ([]models.TemplateFileRow, error) {
	r, err := decoder.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	type agg struct {
		count       int64
		first, last time.Time
	}
	byTemplate := make(map[string]*agg)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rec.TemplateID == "" {
			continue
		}
		name := models.TemplateName(rec.TemplateID)
		a, ok := byTemplate[name]
		if !ok {
			a = &agg{first: rec.EffectiveAt, last: rec.EffectiveAt}
			byTemplate[name] = a
		}
		a.count++
		if rec.EffectiveAt.Before(a.first) {
			a.first = rec.EffectiveAt
		}
		if rec.EffectiveAt.After(a.last) {
			a.last = rec.EffectiveAt
		}
	}

	normalized := normalizePath(path)
	rows := make([]models.TemplateFileRow, 0, len(byTemplate))
	for name, a := range byTemplate {
		rows = append(rows, models.TemplateFileRow{
			FilePath:     normalized,
			TemplateName: name,
			EventCount:   a.count,
			FirstEventAt: a.first,
			LastEventAt:  a.last,
		})
	}
	return rows, nil
}

func normalizePath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// flush upserts index rows in chunks, falling back to row-by-row when a bulk
// statement fails so partial progress is preserved.
func (b *Builder) flush(ctx context.Context, rows []models.TemplateFileRow, result *BuildResult) error {
	for start := 0; start < len(rows); start += FlushChunkSize {
		end := start + FlushChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		if err := b.upsertChunk(ctx, chunk); err != nil {
			b.logger.Warn("bulk index flush failed, inserting row-by-row",
				zap.Int("rows", len(chunk)), zap.Error(err))
			for _, row := range chunk {
				if err := b.upsertChunk(ctx, []models.TemplateFileRow{row}); err != nil {
					b.logger.Warn("index row dropped",
						zap.String("file", row.FilePath),
						zap.String("template", row.TemplateName),
						zap.Error(err))
					continue
				}
				result.TemplatesFound++
			}
			continue
		}
		result.TemplatesFound += int64(len(chunk))
	}
	return nil
}

func (b *Builder) upsertChunk(ctx context.Context, rows []models.TemplateFileRow) error {
	if len(rows) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO template_file_index
		(file_path, template_name, event_count, first_event_at, last_event_at) VALUES `)
	args := make([]any, 0, len(rows)*5)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, row.FilePath, row.TemplateName, row.EventCount, row.FirstEventAt, row.LastEventAt)
	}
	sb.WriteString(` ON CONFLICT (file_path, template_name) DO UPDATE SET
		event_count = excluded.event_count,
		first_event_at = excluded.first_event_at,
		last_event_at = excluded.last_event_at`)
	return b.store.Exec(ctx, sb.String(), args...)
}

func (b *Builder) writeState(ctx context.Context, start time.Time, result *BuildResult) error {
	var totalFiles, totalTemplates any
	if err := b.store.QueryRow(ctx,
		`SELECT COUNT(DISTINCT file_path), COUNT(DISTINCT template_name) FROM template_file_index`).
		Scan(&totalFiles, &totalTemplates); err != nil {
		return err
	}
	return b.store.Exec(ctx, `
		INSERT INTO template_file_index_state
			(id, last_indexed_at, total_files_indexed, total_templates_found, build_duration_seconds)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_indexed_at = excluded.last_indexed_at,
			total_files_indexed = excluded.total_files_indexed,
			total_templates_found = excluded.total_templates_found,
			build_duration_seconds = excluded.build_duration_seconds`,
		time.Now().UTC(), store.ToInt64(totalFiles), store.ToInt64(totalTemplates),
		time.Since(start).Seconds())
}
