package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/decoder"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/locks"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/templateindex"
)

// Per-file read deadline during index builds. A file that cannot be decoded
// within this window is counted failed and skipped.
const fileReadDeadline = 30 * time.Second

// Stale lock files older than this are cleared before acquiring.
const lockStaleAge = 2 * time.Hour

// ErrBuildInProgress is returned when a build is already running, either in
// this process or in another one holding the fs lock.
var ErrBuildInProgress = errors.New("governance: vote index build already in progress")

// Indexer materializes the vote_requests projection from raw record files,
// using the template inverted index to restrict reads to relevant files.
type Indexer struct {
	store   *store.Store
	tix     *templateindex.Builder
	logger  *zap.Logger
	lockDir string

	mu       sync.Mutex
	building bool
}

func New(st *store.Store, tix *templateindex.Builder, lockDir string, logger *zap.Logger) *Indexer {
	return &Indexer{
		store:   st,
		tix:     tix,
		logger:  logger.Named("governance"),
		lockDir: lockDir,
	}
}

// BuildResult summarizes one completed vote index build.
type BuildResult struct {
	BuildID         string         `json:"build_id"`
	CreatesSeen     int64          `json:"creates_seen"`
	TerminalsSeen   int64          `json:"terminals_seen"`
	RowsWritten     int64          `json:"rows_written"`
	FilesScanned    int            `json:"files_scanned"`
	FilesFailed     int            `json:"files_failed"`
	UnknownOutcomes int64          `json:"unknown_outcomes"`
	ShapeCounts     map[string]int `json:"shape_counts"`
	Duration        time.Duration  `json:"-"`
}

// Build runs the full two-pass projection: a terminal map pass over the DSO
// rules files, then a create pass over the proposal files. Safe to re-run;
// rows upsert on event id.
func (ix *Indexer) Build(ctx context.Context) (*BuildResult, error) {
	ix.mu.Lock()
	if ix.building {
		ix.mu.Unlock()
		return nil, ErrBuildInProgress
	}
	ix.building = true
	ix.mu.Unlock()
	defer func() {
		ix.mu.Lock()
		ix.building = false
		ix.mu.Unlock()
	}()

	if cleared, err := locks.ClearStale(ix.lockDir, locks.VoteRequestIndexLock, lockStaleAge); err == nil && cleared {
		ix.logger.Warn("cleared stale build lock")
	}
	lock, err := locks.Acquire(ix.lockDir, locks.VoteRequestIndexLock)
	if err != nil {
		if errors.Is(err, locks.ErrHeld) {
			return nil, ErrBuildInProgress
		}
		return nil, fmt.Errorf("acquire build lock: %w", err)
	}
	defer lock.Release()

	start := time.Now()
	res := &BuildResult{
		BuildID:     uuid.NewString(),
		ShapeCounts: map[string]int{},
	}
	if err := ix.recordBuildStart(ctx, res.BuildID, start); err != nil {
		return nil, err
	}

	terminals, err := ix.buildTerminalMap(ctx, res)
	if err != nil {
		ix.recordBuildEnd(ctx, res, err)
		return nil, err
	}
	err = ix.projectCreates(ctx, terminals, res)
	ix.recordBuildEnd(ctx, res, err)
	if err != nil {
		return nil, err
	}

	res.Duration = time.Since(start)
	ix.logger.Info("vote index build complete",
		zap.String("build_id", res.BuildID),
		zap.Int64("creates", res.CreatesSeen),
		zap.Int64("terminals", res.TerminalsSeen),
		zap.Int64("rows", res.RowsWritten),
		zap.Int("files_failed", res.FilesFailed),
		zap.Duration("took", res.Duration))
	return res, nil
}

// Building reports whether a build is running in this process.
func (ix *Indexer) Building() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.building
}

// buildTerminalMap scans every file containing DSO rules activity and
// collects, per proposal-root contract id, the consuming exercise that
// finalized it. The earliest terminal wins when duplicates appear.
func (ix *Indexer) buildTerminalMap(ctx context.Context, res *BuildResult) (map[string]TerminalExercise, error) {
	files, err := ix.tix.GetFilesForTemplate(ctx, ConsumptionTemplate)
	if err != nil {
		return nil, fmt.Errorf("list %s files: %w", ConsumptionTemplate, err)
	}
	terminals := make(map[string]TerminalExercise)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := ix.scanFile(path, func(rec models.Record) {
			if rec.EventType != models.EventExercised || !rec.Consuming {
				return
			}
			if models.TemplateName(rec.TemplateID) != ConsumptionTemplate {
				return
			}
			cid := ProposalRootCID(rec.ExerciseArg)
			if cid == "" {
				return
			}
			term := TerminalExercise{
				Choice:      rec.Choice,
				OutcomeTag:  outcomeTag(rec.ExerciseRes),
				EffectiveAt: rec.EffectiveAt,
				EventID:     rec.EventID,
			}
			prev, seen := terminals[cid]
			if !seen || term.EffectiveAt.Before(prev.EffectiveAt) {
				terminals[cid] = term
			}
			res.TerminalsSeen++
		})
		res.FilesScanned++
		if err != nil {
			res.FilesFailed++
			ix.logger.Warn("terminal pass skipped file", zap.String("path", path), zap.Error(err))
		}
	}
	return terminals, nil
}

// outcomeTag pulls the variant tag out of an exercise result, when present.
func outcomeTag(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var tagged struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(raw, &tagged); err == nil && tagged.Tag != "" {
		return tagged.Tag
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err == nil && len(m) == 1 {
		for k := range m {
			return k
		}
	}
	return ""
}

// projectCreates scans every file containing proposal creates and upserts
// one row per create event, finalized against the terminal map.
func (ix *Indexer) projectCreates(ctx context.Context, terminals map[string]TerminalExercise, res *BuildResult) error {
	files, err := ix.tix.GetFilesForTemplate(ctx, ProposalTemplate)
	if err != nil {
		return fmt.Errorf("list %s files: %w", ProposalTemplate, err)
	}
	now := time.Now().UTC()
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rows []models.VoteRequestRow
		err := ix.scanFile(path, func(rec models.Record) {
			if rec.EventType != models.EventCreated {
				return
			}
			if models.TemplateName(rec.TemplateID) != ProposalTemplate {
				return
			}
			row := ix.projectOne(rec, terminals, now, res)
			rows = append(rows, row)
			res.CreatesSeen++
		})
		res.FilesScanned++
		if err != nil {
			res.FilesFailed++
			ix.logger.Warn("create pass skipped file", zap.String("path", path), zap.Error(err))
		}
		for i := range rows {
			if err := ix.upsertRow(ctx, &rows[i]); err != nil {
				return fmt.Errorf("upsert vote request %s: %w", rows[i].EventID, err)
			}
			res.RowsWritten++
		}
	}
	return nil
}

// projectOne turns a single proposal create into its materialized row.
func (ix *Indexer) projectOne(rec models.Record, terminals map[string]TerminalExercise, now time.Time, res *BuildResult) models.VoteRequestRow {
	pf := ExtractProposalFields(rec.Payload)
	res.ShapeCounts[pf.Shape.String()]++

	proposalID := pf.TrackingCID
	if proposalID == "" {
		proposalID = rec.ContractID
	}
	subject := ActionSubject(pf.ActionTag, pf.ActionBody, pf.Requester)

	var term *TerminalExercise
	if t, ok := terminals[rec.ContractID]; ok {
		term = &t
	}
	status, closed, known := DeriveStatus(term, pf.VoteBefore, now)
	if !known {
		res.UnknownOutcomes++
	}

	var accepts, rejects int64
	for _, v := range pf.Votes {
		if v.Accept {
			accepts++
		} else {
			rejects++
		}
	}
	votesJSON := ""
	if len(pf.Votes) > 0 {
		if b, err := json.Marshal(pf.Votes); err == nil {
			votesJSON = string(b)
		}
	}

	return models.VoteRequestRow{
		EventID:       rec.EventID,
		StableID:      stableID(rec),
		ContractID:    rec.ContractID,
		ProposalID:    proposalID,
		TrackingCID:   pf.TrackingCID,
		Requester:     pf.Requester,
		ActionTag:     pf.ActionTag,
		ActionSubject: subject,
		SemanticKey:   SemanticKey(pf.ActionTag, subject),
		Reason:        pf.Reason,
		ReasonURL:     pf.ReasonURL,
		Status:        status,
		IsClosed:      closed,
		IsHuman:       IsHuman(pf),
		VotesJSON:     votesJSON,
		AcceptCount:   accepts,
		RejectCount:   rejects,
		VoteBefore:    pf.VoteBefore,
		EffectiveAt:   rec.EffectiveAt,
		UpdatedAt:     now,
	}
}

func (ix *Indexer) upsertRow(ctx context.Context, row *models.VoteRequestRow) error {
	return ix.store.Exec(ctx, `
		INSERT INTO vote_requests (
			event_id, stable_id, contract_id, proposal_id, tracking_cid,
			requester, action_tag, action_subject, semantic_key,
			reason, reason_url, status, is_closed, is_human,
			votes_json, accept_count, reject_count,
			vote_before, effective_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			status = excluded.status,
			is_closed = excluded.is_closed,
			is_human = excluded.is_human,
			votes_json = excluded.votes_json,
			accept_count = excluded.accept_count,
			reject_count = excluded.reject_count,
			updated_at = excluded.updated_at`,
		row.EventID, row.StableID, row.ContractID, row.ProposalID, nullStr(row.TrackingCID),
		row.Requester, row.ActionTag, row.ActionSubject, row.SemanticKey,
		row.Reason, row.ReasonURL, row.Status, row.IsClosed, row.IsHuman,
		nullStr(row.VotesJSON), row.AcceptCount, row.RejectCount,
		row.VoteBefore, row.EffectiveAt, row.UpdatedAt)
}

// stableID is the first present identity of a record: contract id, then
// event id, then update id. Two distinct contracts never share one.
func stableID(rec models.Record) string {
	switch {
	case rec.ContractID != "":
		return rec.ContractID
	case rec.EventID != "":
		return rec.EventID
	default:
		return rec.UpdateID
	}
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// scanFile decodes one record file under a read deadline and feeds every
// record to fn.
func (ix *Indexer) scanFile(path string, fn func(models.Record)) error {
	r, err := decoder.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	deadline := time.Now().Add(fileReadDeadline)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fn(rec)
		if time.Now().After(deadline) {
			return fmt.Errorf("read deadline exceeded after %s", fileReadDeadline)
		}
	}
}

func (ix *Indexer) recordBuildStart(ctx context.Context, buildID string, at time.Time) error {
	return ix.store.Exec(ctx, `
		INSERT INTO vote_index_builds (build_id, started_at) VALUES (?, ?)`,
		buildID, at.UTC())
}

func (ix *Indexer) recordBuildEnd(ctx context.Context, res *BuildResult, buildErr error) {
	var errMsg any
	if buildErr != nil {
		errMsg = buildErr.Error()
	}
	err := ix.store.Exec(ctx, `
		UPDATE vote_index_builds SET
			finished_at = ?, creates_seen = ?, terminals_seen = ?,
			rows_written = ?, success = ?, error = ?
		WHERE build_id = ?`,
		time.Now().UTC(), res.CreatesSeen, res.TerminalsSeen,
		res.RowsWritten, buildErr == nil, errMsg, res.BuildID)
	if err != nil {
		ix.logger.Warn("failed to record build outcome", zap.Error(err))
	}
}
