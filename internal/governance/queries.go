package governance

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
)

const voteRequestCols = `
	event_id, stable_id, contract_id, proposal_id, tracking_cid,
	requester, action_tag, action_subject, semantic_key,
	reason, reason_url, status, is_closed, is_human,
	votes_json, accept_count, reject_count,
	vote_before, effective_at, updated_at`

// ListFilter narrows ListVoteRequests.
type ListFilter struct {
	Status    string
	HumanOnly bool
	ActionTag string
	Limit     int
	Offset    int
}

// ListVoteRequests returns raw projection rows, newest first.
func (ix *Indexer) ListVoteRequests(ctx context.Context, f ListFilter) ([]models.VoteRequestRow, error) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.HumanOnly {
		conds = append(conds, "is_human")
	}
	if f.ActionTag != "" {
		conds = append(conds, "action_tag = ?")
		args = append(args, f.ActionTag)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := ix.store.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM vote_requests %s
		ORDER BY effective_at DESC, event_id DESC
		LIMIT ? OFFSET ?`, voteRequestCols, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVoteRequestRows(rows, nil)
}

// QueryCanonicalProposals collapses resubmitted proposals onto one canonical
// row per proposal id: the latest create wins, siblings contribute bounds
// and peak vote tallies.
func (ix *Indexer) QueryCanonicalProposals(ctx context.Context, status string, humanOnly bool, limit, offset int) ([]models.CanonicalProposal, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var conds []string
	var args []any
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if humanOnly {
		conds = append(conds, "is_human")
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit, offset)
	rows, err := ix.store.Query(ctx, fmt.Sprintf(`
		WITH ranked AS (
			SELECT %s,
				ROW_NUMBER() OVER w_desc AS rn,
				COUNT(*) OVER w AS related_count,
				MIN(effective_at) OVER w AS first_seen,
				MAX(effective_at) OVER w AS last_seen,
				MAX(accept_count) OVER w AS max_accept,
				MAX(reject_count) OVER w AS max_reject
			FROM vote_requests %s
			WINDOW
				w AS (PARTITION BY proposal_id),
				w_desc AS (PARTITION BY proposal_id ORDER BY effective_at DESC, event_id DESC)
		)
		SELECT * EXCLUDE (rn) FROM ranked
		WHERE rn = 1
		ORDER BY last_seen DESC
		LIMIT ? OFFSET ?`, voteRequestCols, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CanonicalProposal
	for rows.Next() {
		var cp models.CanonicalProposal
		var nulls vrNulls
		var related, maxAcc, maxRej sql.NullInt64
		var first, last sql.NullTime
		dest := nulls.dest(&cp.VoteRequestRow)
		dest = append(dest, &related, &first, &last, &maxAcc, &maxRej)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		nulls.apply(&cp.VoteRequestRow)
		cp.RelatedCount = related.Int64
		cp.FirstSeen = first.Time
		cp.LastSeen = last.Time
		cp.MaxAccept = maxAcc.Int64
		cp.MaxReject = maxRej.Int64
		out = append(out, cp)
	}
	return out, rows.Err()
}

// QueryProposalTimeline returns every row sharing a semantic key, oldest
// first, so resubmission chains read top to bottom.
func (ix *Indexer) QueryProposalTimeline(ctx context.Context, semanticKey string) ([]models.VoteRequestRow, error) {
	rows, err := ix.store.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM vote_requests
		WHERE semantic_key = ?
		ORDER BY effective_at ASC, event_id ASC`, voteRequestCols), semanticKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVoteRequestRows(rows, nil)
}

// StatusCounts returns proposal counts per status, human rows only when
// humanOnly is set.
func (ix *Indexer) StatusCounts(ctx context.Context, humanOnly bool) (map[string]int64, error) {
	where := ""
	if humanOnly {
		where = "WHERE is_human"
	}
	rows, err := ix.store.Query(ctx, fmt.Sprintf(
		`SELECT status, COUNT(*) FROM vote_requests %s GROUP BY status`, where))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// LatestBuild returns the most recent build history row, or nil when no
// build has run.
func (ix *Indexer) LatestBuild(ctx context.Context) (map[string]any, error) {
	builds, err := ix.store.QueryMaps(ctx, `
		SELECT * FROM vote_index_builds ORDER BY started_at DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	if len(builds) == 0 {
		return nil, nil
	}
	return builds[0], nil
}

func scanVoteRequestRows(rows *sql.Rows, out []models.VoteRequestRow) ([]models.VoteRequestRow, error) {
	for rows.Next() {
		var r models.VoteRequestRow
		var nulls vrNulls
		if err := rows.Scan(nulls.dest(&r)...); err != nil {
			return nil, err
		}
		nulls.apply(&r)
		out = append(out, r)
	}
	return out, rows.Err()
}

// vrNulls receives the nullable columns of a vote_requests row; apply copies
// the valid ones onto the row after a scan.
type vrNulls struct {
	tracking sql.NullString
	votes    sql.NullString
	before   sql.NullTime
}

// dest builds the scan destination list matching voteRequestCols.
func (n *vrNulls) dest(r *models.VoteRequestRow) []any {
	return []any{
		&r.EventID, &r.StableID, &r.ContractID, &r.ProposalID, &n.tracking,
		&r.Requester, &r.ActionTag, &r.ActionSubject, &r.SemanticKey,
		&r.Reason, &r.ReasonURL, &r.Status, &r.IsClosed, &r.IsHuman,
		&n.votes, &r.AcceptCount, &r.RejectCount,
		&n.before, &r.EffectiveAt, &r.UpdatedAt,
	}
}

func (n *vrNulls) apply(r *models.VoteRequestRow) {
	if n.tracking.Valid {
		r.TrackingCID = n.tracking.String
	}
	if n.votes.Valid {
		r.VotesJSON = n.votes.String
	}
	if n.before.Valid {
		t := n.before.Time
		r.VoteBefore = &t
	}
}
