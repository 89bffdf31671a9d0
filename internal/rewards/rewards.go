// Package rewards denormalizes reward coupon creates into one queryable
// table, pricing each coupon against the issuance rates of its mining round
// when those are known.
package rewards

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/decoder"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/payload"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/templateindex"
)

// Coupon templates and the issuance round template.
const (
	AppCouponTemplate       = "AppRewardCoupon"
	ValidatorCouponTemplate = "ValidatorRewardCoupon"
	SvCouponTemplate        = "SvRewardCoupon"
	IssuingRoundTemplate    = "IssuingMiningRound"
)

var couponTypes = map[string]string{
	AppCouponTemplate:       models.CouponApp,
	ValidatorCouponTemplate: models.CouponValidator,
	SvCouponTemplate:        models.CouponSV,
}

// Indexer rebuilds the reward_coupons table.
type Indexer struct {
	store  *store.Store
	tix    *templateindex.Builder
	logger *zap.Logger
}

func New(st *store.Store, tix *templateindex.Builder, logger *zap.Logger) *Indexer {
	return &Indexer{store: st, tix: tix, logger: logger.Named("rewards")}
}

// BuildResult summarizes one coupon build.
type BuildResult struct {
	RoundsSeen   int64 `json:"rounds_seen"`
	CouponsSeen  int64 `json:"coupons_seen"`
	RowsWritten  int64 `json:"rows_written"`
	Unpriced     int64 `json:"unpriced"`
	FilesScanned int   `json:"files_scanned"`
	FilesFailed  int   `json:"files_failed"`
}

// Build runs the issuance pass then the coupon pass. Rows upsert on event
// id, so rebuilds reprice rather than duplicate.
func (ix *Indexer) Build(ctx context.Context) (*BuildResult, error) {
	res := &BuildResult{}
	rates, err := ix.collectIssuanceRates(ctx, res)
	if err != nil {
		return nil, err
	}
	if err := ix.projectCoupons(ctx, rates, res); err != nil {
		return nil, err
	}
	ix.logger.Info("reward coupon build complete",
		zap.Int64("rounds", res.RoundsSeen),
		zap.Int64("coupons", res.CouponsSeen),
		zap.Int64("unpriced", res.Unpriced))
	return res, nil
}

// collectIssuanceRates scans the issuing round creates into a round number
// to rates map. Later creates of the same round win.
func (ix *Indexer) collectIssuanceRates(ctx context.Context, res *BuildResult) (map[int64]models.IssuanceRates, error) {
	files, err := ix.tix.GetFilesForTemplate(ctx, IssuingRoundTemplate)
	if err != nil {
		return nil, fmt.Errorf("list %s files: %w", IssuingRoundTemplate, err)
	}
	rates := make(map[int64]models.IssuanceRates)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := scanFile(path, func(rec models.Record) {
			if rec.EventType != models.EventCreated ||
				models.TemplateName(rec.TemplateID) != IssuingRoundTemplate {
				return
			}
			round, ok := extractRound(rec.Payload)
			if !ok {
				return
			}
			rates[round] = extractRates(rec.Payload)
			res.RoundsSeen++
		})
		res.FilesScanned++
		if err != nil {
			res.FilesFailed++
			ix.logger.Warn("issuance pass skipped file", zap.String("path", path), zap.Error(err))
		}
	}
	return rates, nil
}

func extractRound(raw json.RawMessage) (int64, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0, false
	}
	return payload.ExtractInt(m["round"])
}

var rateKeys = map[string][]string{
	"app":       {"issuancePerFeaturedAppRewardCoupon", "issuancePerAppRewardCoupon"},
	"validator": {"issuancePerValidatorRewardCoupon"},
	"sv":        {"issuancePerSvRewardCoupon"},
}

func extractRates(raw json.RawMessage) models.IssuanceRates {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return models.IssuanceRates{}
	}
	pick := func(keys []string) float64 {
		for _, k := range keys {
			if v, ok := payload.ExtractDecimal(m[k]); ok {
				return v
			}
		}
		return 0
	}
	return models.IssuanceRates{
		PerApp:       pick(rateKeys["app"]),
		PerValidator: pick(rateKeys["validator"]),
		PerSv:        pick(rateKeys["sv"]),
	}
}

// beneficiaryKeys is the fixed priority for resolving who a coupon pays.
// After owner, the provider nested under the coupon's round is probed before
// the remaining flat keys.
var beneficiaryKeys = []string{"provider", "beneficiary", "owner"}

var fallbackBeneficiaryKeys = []string{"user", "sv", "validator"}

func extractBeneficiary(m map[string]json.RawMessage) string {
	for _, k := range beneficiaryKeys {
		if v, ok := m[k]; ok {
			if s := payload.ExtractParty(v); s != "" {
				return s
			}
		}
	}
	if round, ok := m["round"]; ok {
		var rm map[string]json.RawMessage
		if err := json.Unmarshal(round, &rm); err == nil {
			if s := payload.ExtractParty(rm["provider"]); s != "" {
				return s
			}
		}
	}
	for _, k := range fallbackBeneficiaryKeys {
		if v, ok := m[k]; ok {
			if s := payload.ExtractParty(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// projectCoupons scans the three coupon templates and writes one priced row
// per create.
func (ix *Indexer) projectCoupons(ctx context.Context, rates map[int64]models.IssuanceRates, res *BuildResult) error {
	seen := map[string]bool{}
	for tmpl := range couponTypes {
		files, err := ix.tix.GetFilesForTemplate(ctx, tmpl)
		if err != nil {
			return fmt.Errorf("list %s files: %w", tmpl, err)
		}
		for _, path := range files {
			if seen[path] {
				continue
			}
			seen[path] = true
			if err := ctx.Err(); err != nil {
				return err
			}
			var coupons []models.RewardCoupon
			err := scanFile(path, func(rec models.Record) {
				if rec.EventType != models.EventCreated {
					return
				}
				ctype, ok := couponTypes[models.TemplateName(rec.TemplateID)]
				if !ok {
					return
				}
				coupons = append(coupons, priceCoupon(rec, ctype, rates, res))
				res.CouponsSeen++
			})
			res.FilesScanned++
			if err != nil {
				res.FilesFailed++
				ix.logger.Warn("coupon pass skipped file", zap.String("path", path), zap.Error(err))
				continue
			}
			if err := ix.upsertCoupons(ctx, coupons); err != nil {
				return err
			}
			res.RowsWritten += int64(len(coupons))
		}
	}
	return nil
}

// priceCoupon resolves the coupon value: an explicit amount wins, then
// weight times the round's per-type rate, then the bare weight flagged as
// unpriced.
func priceCoupon(rec models.Record, ctype string, allRates map[int64]models.IssuanceRates, res *BuildResult) models.RewardCoupon {
	var m map[string]json.RawMessage
	json.Unmarshal(rec.Payload, &m)

	c := models.RewardCoupon{
		EventID:     rec.EventID,
		ContractID:  rec.ContractID,
		TemplateID:  rec.TemplateID,
		EffectiveAt: rec.EffectiveAt,
		CouponType:  ctype,
		Beneficiary: extractBeneficiary(m),
	}
	c.Round, _ = payload.ExtractInt(m["round"])
	c.Weight, _ = payload.ExtractDecimal(m["weight"])

	for _, k := range []string{"ccAmount", "initialAmount", "amount"} {
		if v, ok := payload.ExtractDecimal(m[k]); ok {
			c.CCAmount = v
			c.HasIssuanceData = true
			return c
		}
	}
	if rates, ok := allRates[c.Round]; ok {
		rate := rateFor(rates, ctype)
		if rate > 0 {
			c.CCAmount = c.Weight * rate
			c.HasIssuanceData = true
			return c
		}
	}
	c.CCAmount = c.Weight
	res.Unpriced++
	return c
}

func rateFor(r models.IssuanceRates, ctype string) float64 {
	switch ctype {
	case models.CouponApp:
		return r.PerApp
	case models.CouponValidator:
		return r.PerValidator
	case models.CouponSV:
		return r.PerSv
	}
	return 0
}

func (ix *Indexer) upsertCoupons(ctx context.Context, coupons []models.RewardCoupon) error {
	for i := range coupons {
		c := &coupons[i]
		err := ix.store.Exec(ctx, `
			INSERT INTO reward_coupons (
				event_id, contract_id, template_id, effective_at, round,
				coupon_type, beneficiary, weight, cc_amount, has_issuance_data
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (event_id) DO UPDATE SET
				cc_amount = excluded.cc_amount,
				has_issuance_data = excluded.has_issuance_data`,
			c.EventID, c.ContractID, c.TemplateID, c.EffectiveAt, c.Round,
			c.CouponType, nullIfEmpty(c.Beneficiary), c.Weight, c.CCAmount, c.HasIssuanceData)
		if err != nil {
			return fmt.Errorf("upsert coupon %s: %w", c.EventID, err)
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

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
