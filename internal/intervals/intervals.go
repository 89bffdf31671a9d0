// Package intervals materializes contract lifetimes: each create opens an
// interval, the matching consume closes it. Two projections use the same
// core, super-validator onboardings and DSO rules epochs.
package intervals

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/decoder"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/payload"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/templateindex"
)

// Drop reasons counted per build.
const (
	DropMissingParty = "missing_party"
	DropMissingStart = "missing_start"
	DropInverted     = "inverted"
	DropIncomplete   = "incomplete"
)

// BuildResult summarizes one interval build.
type BuildResult struct {
	Template    string           `json:"template"`
	CreatesSeen int64            `json:"creates_seen"`
	ClosesSeen  int64            `json:"closes_seen"`
	RowsWritten int64            `json:"rows_written"`
	Drops       map[string]int64 `json:"drops"`
}

// spec binds one projection: the template it follows, the table it fills and
// the column extraction for a create payload.
type spec struct {
	template string
	table    string
	columns  []string
	extract  func(rec models.Record) (vals []any, dropReason string)
}

// Indexer rebuilds both interval tables from the raw files the template
// index points at.
type Indexer struct {
	store  *store.Store
	tix    *templateindex.Builder
	logger *zap.Logger
}

func New(st *store.Store, tix *templateindex.Builder, logger *zap.Logger) *Indexer {
	return &Indexer{store: st, tix: tix, logger: logger.Named("intervals")}
}

// BuildSvIntervals rebuilds the super-validator membership table.
func (ix *Indexer) BuildSvIntervals(ctx context.Context) (*BuildResult, error) {
	return ix.build(ctx, spec{
		template: "SvOnboardingConfirmed",
		table:    "sv_intervals",
		columns: []string{"contract_id", "sv_party", "sv_name", "sv_reward_weight",
			"sv_participant_id", "dso", "reason", "active_from", "active_until"},
		extract: extractSv,
	})
}

// BuildDsoRulesIntervals rebuilds the DSO rules epoch table.
func (ix *Indexer) BuildDsoRulesIntervals(ctx context.Context) (*BuildResult, error) {
	return ix.build(ctx, spec{
		template: "DsoRules",
		table:    "dso_rules_intervals",
		columns:  []string{"contract_id", "dso", "epoch", "active_from", "active_until"},
		extract:  extractDsoRules,
	})
}

func extractSv(rec models.Record) ([]any, string) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(rec.Payload, &m); err != nil {
		return nil, DropMissingParty
	}
	party := payload.ExtractParty(m["svParty"])
	if party == "" {
		party = payload.ExtractParty(m["sv"])
	}
	if party == "" {
		return nil, DropMissingParty
	}
	weight, _ := payload.ExtractInt(m["svRewardWeight"])
	name := payload.ExtractText(m["svName"])
	if name == "" {
		name = payload.ExtractText(m["name"])
	}
	reason := payload.ExtractText(m["reason"])
	return []any{rec.ContractID, party, name, weight,
		payload.ExtractText(m["svParticipantId"]),
		payload.ExtractParty(m["dso"]), reason, nil, nil}, ""
}

func extractDsoRules(rec models.Record) ([]any, string) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(rec.Payload, &m); err != nil {
		return []any{rec.ContractID, "", int64(0), nil, nil}, ""
	}
	epoch, _ := payload.ExtractInt(m["epoch"])
	return []any{rec.ContractID, payload.ExtractParty(m["dso"]), epoch, nil, nil}, ""
}

type openInterval struct {
	vals []any
	from time.Time
}

// build runs the two-pass join: collect creates and closes per contract id,
// then write one row per create with its close bound filled in. A close with
// no matching create counts as incomplete.
func (ix *Indexer) build(ctx context.Context, sp spec) (*BuildResult, error) {
	files, err := ix.tix.GetFilesForTemplate(ctx, sp.template)
	if err != nil {
		return nil, fmt.Errorf("list %s files: %w", sp.template, err)
	}

	res := &BuildResult{Template: sp.template, Drops: map[string]int64{}}
	creates := make(map[string]openInterval)
	closes := make(map[string]time.Time)

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := scanFile(path, func(rec models.Record) {
			if models.TemplateName(rec.TemplateID) != sp.template {
				return
			}
			switch {
			case rec.EventType == models.EventCreated:
				res.CreatesSeen++
				vals, drop := sp.extract(rec)
				if drop != "" {
					res.Drops[drop]++
					return
				}
				if rec.EffectiveAt.IsZero() {
					res.Drops[DropMissingStart]++
					return
				}
				creates[rec.ContractID] = openInterval{vals: vals, from: rec.EffectiveAt}
			case rec.EventType == models.EventArchived,
				rec.EventType == models.EventExercised && rec.Consuming:
				res.ClosesSeen++
				if prev, ok := closes[rec.ContractID]; !ok || rec.EffectiveAt.Before(prev) {
					closes[rec.ContractID] = rec.EffectiveAt
				}
			}
		}); err != nil {
			ix.logger.Warn("interval scan skipped file", zap.String("path", path), zap.Error(err))
		}
	}

	for cid := range closes {
		if _, ok := creates[cid]; !ok {
			res.Drops[DropIncomplete]++
		}
	}

	var rows [][]any
	n := len(sp.columns)
	for cid, iv := range creates {
		iv.vals[n-2] = iv.from
		if until, ok := closes[cid]; ok {
			if until.Before(iv.from) {
				res.Drops[DropInverted]++
				continue
			}
			iv.vals[n-1] = until
		}
		rows = append(rows, iv.vals)
	}

	if res.CreatesSeen > 0 && len(rows) == 0 {
		return nil, fmt.Errorf("%s build produced no rows from %d creates (drops: %v)",
			sp.table, res.CreatesSeen, res.Drops)
	}

	// Swap the table contents in one transaction so readers never see a
	// half-built projection.
	placeholders := ""
	for i := range sp.columns {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		sp.table, strings.Join(sp.columns, ", "), placeholders)
	err = ix.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+sp.table); err != nil {
			return err
		}
		for _, vals := range rows {
			if _, err := tx.ExecContext(ctx, insert, vals...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.RowsWritten = int64(len(rows))
	ix.logger.Info("interval build complete",
		zap.String("table", sp.table),
		zap.Int64("creates", res.CreatesSeen),
		zap.Int64("closes", res.ClosesSeen),
		zap.Int64("rows", res.RowsWritten))
	return res, nil
}

// scanFile feeds every record of one file to fn.
func scanFile(path string, fn func(models.Record)) error {
	r, err := decoder.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fn(rec)
	}
}
