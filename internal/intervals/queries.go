package intervals

import (
	"context"
	"database/sql"
	"time"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
)

const svCols = `contract_id, sv_party, sv_name, sv_reward_weight,
	sv_participant_id, dso, reason, active_from, active_until`

// CountActiveSvsAt counts distinct super validator parties with an interval
// covering the instant. The close bound is exclusive; a re-onboarded party
// with overlapping contracts counts once.
func (ix *Indexer) CountActiveSvsAt(ctx context.Context, at time.Time) (int64, error) {
	var raw any
	err := ix.store.QueryRow(ctx, `
		SELECT COUNT(DISTINCT sv_party) FROM sv_intervals
		WHERE active_from <= ? AND (active_until IS NULL OR active_until > ?)`,
		at, at).Scan(&raw)
	if err != nil {
		return 0, err
	}
	return store.ToInt64(raw), nil
}

// ListActiveSvsAt returns the members active at the instant, heaviest first,
// one row per party (the latest covering interval wins).
func (ix *Indexer) ListActiveSvsAt(ctx context.Context, at time.Time) ([]models.SvInterval, error) {
	rows, err := ix.store.Query(ctx, `
		SELECT `+svCols+` FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY sv_party
				ORDER BY active_from DESC, contract_id) AS rn
			FROM sv_intervals
			WHERE active_from <= ? AND (active_until IS NULL OR active_until > ?)
		) WHERE rn = 1
		ORDER BY sv_reward_weight DESC, sv_party ASC`, at, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSvIntervals(rows)
}

// RecentSvIntervals returns the most recently opened intervals across all
// parties, newest first.
func (ix *Indexer) RecentSvIntervals(ctx context.Context, limit int) ([]models.SvInterval, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := ix.store.Query(ctx, `
		SELECT `+svCols+` FROM sv_intervals
		ORDER BY active_from DESC, contract_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSvIntervals(rows)
}

// SvTimeline returns every interval of one party, oldest first.
func (ix *Indexer) SvTimeline(ctx context.Context, party string) ([]models.SvInterval, error) {
	rows, err := ix.store.Query(ctx, `
		SELECT `+svCols+` FROM sv_intervals
		WHERE sv_party = ? ORDER BY active_from ASC`, party)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSvIntervals(rows)
}

// ThresholdsAt derives the governance vote thresholds from the SV count
// active at the instant. An empty membership still needs one vote for a
// simple majority.
func (ix *Indexer) ThresholdsAt(ctx context.Context, at time.Time) (models.VotingThresholds, error) {
	n, err := ix.CountActiveSvsAt(ctx, at)
	if err != nil {
		return models.VotingThresholds{}, err
	}
	return Thresholds(n), nil
}

// Thresholds computes the vote thresholds for a member count.
func Thresholds(n int64) models.VotingThresholds {
	if n <= 0 {
		return models.VotingThresholds{SvCount: 0, TwoThirds: 0, SimpleMajority: 1}
	}
	return models.VotingThresholds{
		SvCount:        n,
		TwoThirds:      (n*2 + 2) / 3,
		SimpleMajority: n/2 + 1,
	}
}

// ActiveDsoRulesEpoch returns the epoch of the DSO rules contract active at
// the instant, or false when none covers it.
func (ix *Indexer) ActiveDsoRulesEpoch(ctx context.Context, at time.Time) (int64, bool, error) {
	var raw any
	err := ix.store.QueryRow(ctx, `
		SELECT epoch FROM dso_rules_intervals
		WHERE active_from <= ? AND (active_until IS NULL OR active_until > ?)
		ORDER BY active_from DESC LIMIT 1`, at, at).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return store.ToInt64(raw), true, nil
}

func scanSvIntervals(rows *sql.Rows) ([]models.SvInterval, error) {
	var out []models.SvInterval
	for rows.Next() {
		var iv models.SvInterval
		var name, participant, dso, reason sql.NullString
		var until sql.NullTime
		if err := rows.Scan(&iv.ContractID, &iv.SvParty, &name, &iv.SvRewardWeight,
			&participant, &dso, &reason, &iv.ActiveFrom, &until); err != nil {
			return nil, err
		}
		iv.SvName = name.String
		iv.SvParticipantID = participant.String
		iv.DSO = dso.String
		iv.Reason = reason.String
		if until.Valid {
			t := until.Time
			iv.ActiveUntil = &t
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}
