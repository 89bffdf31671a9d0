package rewards

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
)

// ListFilter narrows ListCoupons.
type ListFilter struct {
	CouponType  string
	Beneficiary string
	Round       *int64
	Limit       int
	Offset      int
}

// ListCoupons returns priced coupon rows, newest first.
func (ix *Indexer) ListCoupons(ctx context.Context, f ListFilter) ([]models.RewardCoupon, error) {
	var conds []string
	var args []any
	if f.CouponType != "" {
		conds = append(conds, "coupon_type = ?")
		args = append(args, f.CouponType)
	}
	if f.Beneficiary != "" {
		conds = append(conds, "beneficiary = ?")
		args = append(args, f.Beneficiary)
	}
	if f.Round != nil {
		conds = append(conds, "round = ?")
		args = append(args, *f.Round)
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
		SELECT event_id, contract_id, template_id, effective_at, round,
			coupon_type, beneficiary, weight, cc_amount, has_issuance_data
		FROM reward_coupons %s
		ORDER BY effective_at DESC, event_id DESC
		LIMIT ? OFFSET ?`, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RewardCoupon
	for rows.Next() {
		var c models.RewardCoupon
		var beneficiary sql.NullString
		var at sql.NullTime
		if err := rows.Scan(&c.EventID, &c.ContractID, &c.TemplateID, &at, &c.Round,
			&c.CouponType, &beneficiary, &c.Weight, &c.CCAmount, &c.HasIssuanceData); err != nil {
			return nil, err
		}
		c.Beneficiary = beneficiary.String
		if at.Valid {
			c.EffectiveAt = at.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BeneficiarySummary is the per-party rollup of coupon value.
type BeneficiarySummary struct {
	Beneficiary   string     `json:"beneficiary"`
	CouponCount   int64      `json:"coupon_count"`
	TotalCC       float64    `json:"total_cc"`
	UnpricedCount int64      `json:"unpriced_count"`
	FirstAt       *time.Time `json:"first_at,omitempty"`
	LastAt        *time.Time `json:"last_at,omitempty"`
}

// SummarizeBeneficiaries rolls coupons up per beneficiary, biggest earners
// first.
func (ix *Indexer) SummarizeBeneficiaries(ctx context.Context, limit int) ([]BeneficiarySummary, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := ix.store.Query(ctx, `
		SELECT beneficiary, COUNT(*), SUM(cc_amount),
			SUM(CASE WHEN has_issuance_data THEN 0 ELSE 1 END),
			MIN(effective_at), MAX(effective_at)
		FROM reward_coupons
		WHERE beneficiary IS NOT NULL
		GROUP BY beneficiary
		ORDER BY SUM(cc_amount) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BeneficiarySummary
	for rows.Next() {
		var s BeneficiarySummary
		var first, last sql.NullTime
		if err := rows.Scan(&s.Beneficiary, &s.CouponCount, &s.TotalCC,
			&s.UnpricedCount, &first, &last); err != nil {
			return nil, err
		}
		if first.Valid {
			s.FirstAt = &first.Time
		}
		if last.Valid {
			s.LastAt = &last.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RoundTotals returns total coupon value per round for one coupon type, or
// all types when ctype is empty.
func (ix *Indexer) RoundTotals(ctx context.Context, ctype string) (map[int64]float64, error) {
	query := `SELECT round, SUM(cc_amount) FROM reward_coupons`
	var args []any
	if ctype != "" {
		query += ` WHERE coupon_type = ?`
		args = append(args, ctype)
	}
	query += ` GROUP BY round`

	rows, err := ix.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]float64)
	for rows.Next() {
		var round int64
		var total float64
		if err := rows.Scan(&round, &total); err != nil {
			return nil, err
		}
		out[round] = total
	}
	return out, rows.Err()
}
