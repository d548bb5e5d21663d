// Package settings supplies the live bonus parameters. Defaults come from
// the environment; an operator-saved document in the store overrides any
// field it sets. Batches read the live value once and snapshot it.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/carryflash"
	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/store"
)

type Provider interface {
	Current(ctx context.Context) (model.BonusConfig, error)
}

// Static always returns the same parameters.
type Static model.BonusConfig

func (s Static) Current(context.Context) (model.BonusConfig, error) {
	return Normalize(model.BonusConfig(s), model.BonusConfig(s)), nil
}

// StoreProvider overlays the saved settings document on the defaults.
type StoreProvider struct {
	ops      store.Ops
	defaults model.BonusConfig
}

func NewStoreProvider(ops store.Ops, defaults model.BonusConfig) *StoreProvider {
	return &StoreProvider{ops: ops, defaults: defaults}
}

func (p *StoreProvider) Current(ctx context.Context) (model.BonusConfig, error) {
	cfg := p.defaults
	doc, err := p.ops.GetBonusSettings(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return Normalize(cfg, p.defaults), nil
	}
	if err != nil {
		return cfg, fmt.Errorf("load bonus settings: %w", err)
	}
	// Fields absent from the document keep their default.
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return cfg, fmt.Errorf("decode bonus settings: %w", err)
	}
	return Normalize(cfg, p.defaults), nil
}

// Save validates and stores cfg as the override document.
func (p *StoreProvider) Save(ctx context.Context, cfg model.BonusConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	doc, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return p.ops.SaveBonusSettings(ctx, doc)
}

// Normalize replaces out-of-range values with the fallback's.
func Normalize(cfg, fallback model.BonusConfig) model.BonusConfig {
	out := cfg
	if !out.PairUnitPrice.IsPositive() {
		out.PairUnitPrice = fallback.PairUnitPrice
	}
	if out.WeeklyPairCap.IsNegative() {
		out.WeeklyPairCap = decimal.Zero
	}
	if !out.PVPerPair.IsPositive() {
		out.PVPerPair = fallback.PVPerPair
	}
	if out.SalesPerPV.IsNegative() {
		out.SalesPerPV = fallback.SalesPerPV
	}
	if out.PayoutRatio.IsNegative() {
		out.PayoutRatio = fallback.PayoutRatio
	}
	if out.MinKFactor.IsNegative() || out.MinKFactor.GreaterThan(decimal.NewFromInt(1)) {
		out.MinKFactor = fallback.MinKFactor
	}
	if !carryflash.Valid(out.CarryFlashStrategy) {
		out.CarryFlashStrategy = fallback.CarryFlashStrategy
	}
	if out.BonusHoldHours < 0 {
		out.BonusHoldHours = 0
	}
	if out.StockistPoolRate.IsNegative() {
		out.StockistPoolRate = fallback.StockistPoolRate
	}
	if out.LeaderPoolRate.IsNegative() {
		out.LeaderPoolRate = fallback.LeaderPoolRate
	}
	if !out.StockistPVPerShare.IsPositive() {
		out.StockistPVPerShare = fallback.StockistPVPerShare
	}
	if out.MinStockistShares < 0 {
		out.MinStockistShares = 0
	}
	if out.MinLeaderScore.IsNegative() {
		out.MinLeaderScore = decimal.Zero
	}
	rates := make([]decimal.Decimal, 0, len(out.MatchingRates))
	for _, r := range out.MatchingRates {
		rates = append(rates, model.ClampNonNegative(r))
	}
	out.MatchingRates = rates
	return out
}

// Validate rejects a document an operator should not be able to save.
func Validate(cfg model.BonusConfig) error {
	switch {
	case !cfg.PairUnitPrice.IsPositive():
		return fmt.Errorf("%w: pair_unit_price must be positive", model.ErrValidation)
	case !cfg.PVPerPair.IsPositive():
		return fmt.Errorf("%w: pv_per_pair must be positive", model.ErrValidation)
	case cfg.WeeklyPairCap.IsNegative():
		return fmt.Errorf("%w: weekly_pair_cap must not be negative", model.ErrValidation)
	case cfg.MinKFactor.IsNegative() || cfg.MinKFactor.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: min_k_factor must be within [0, 1]", model.ErrValidation)
	case !carryflash.Valid(cfg.CarryFlashStrategy):
		return fmt.Errorf("%w: %q", carryflash.ErrUnknownStrategy, cfg.CarryFlashStrategy)
	case cfg.BonusHoldHours < 0:
		return fmt.Errorf("%w: bonus_hold_hours must not be negative", model.ErrValidation)
	case !cfg.StockistPVPerShare.IsPositive():
		return fmt.Errorf("%w: stockist_pv_per_share must be positive", model.ErrValidation)
	}
	for i, r := range cfg.MatchingRates {
		if r.IsNegative() {
			return fmt.Errorf("%w: matching_rates[%d] is negative", model.ErrValidation, i)
		}
	}
	return nil
}
