// Package throttle implements the weekly payout limits: the per-user pair
// bonus cap and the global K-factor that scales every payout down when
// aggregate bonus demand exceeds the reserve funded by the week's sales.
//
// The K-factor is a single number for the whole batch. It must be computed
// from complete aggregate demand before any individual payout is made,
// otherwise early users would be paid at a different rate than late ones.
package throttle

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/model"
)

// KScale is the number of decimal places kept in a K-factor.
const KScale int32 = 6

var (
	one = decimal.NewFromInt(1)

	// minPositiveK keeps K strictly positive when no floor is configured.
	minPositiveK = decimal.New(1, -KScale)
)

// Throttle holds the limits a batch runs under.
type Throttle struct {
	// WeeklyPairCap is the maximum pair bonus per user per week.
	// Zero means uncapped.
	WeeklyPairCap decimal.Decimal

	// MinKFactor is the lowest K the throttle will ever return.
	MinKFactor decimal.Decimal
}

// New creates a throttle from a batch's bonus configuration.
func New(cfg model.BonusConfig) *Throttle {
	return &Throttle{
		WeeklyPairCap: cfg.WeeklyPairCap,
		MinKFactor:    cfg.MinKFactor,
	}
}

// KFactor returns 1 when demand fits in the reserve, otherwise
// reserve/demand rounded down to KScale places and floored at MinKFactor.
// The result is always in (0, 1].
func (t *Throttle) KFactor(reserve, demand decimal.Decimal) decimal.Decimal {
	if !demand.IsPositive() || demand.LessThanOrEqual(reserve) {
		return one
	}

	k := model.ClampNonNegative(reserve).Div(demand).Truncate(KScale)

	floor := t.MinKFactor.Truncate(KScale)
	if floor.GreaterThan(one) {
		floor = one
	}
	if k.LessThan(floor) {
		k = floor
	}
	if !k.IsPositive() {
		k = minPositiveK
	}
	return k
}

// CapPairBonus applies the weekly cap. It returns the capped amount and
// the cap amount in force (zero when uncapped).
func (t *Throttle) CapPairBonus(theoretical decimal.Decimal) (capped, capAmount decimal.Decimal) {
	theoretical = model.ClampNonNegative(theoretical)
	if !t.WeeklyPairCap.IsPositive() {
		return theoretical, decimal.Zero
	}
	return decimal.Min(theoretical, t.WeeklyPairCap), t.WeeklyPairCap
}

// Pay scales an amount by K and rounds down to whole cents.
func Pay(amount, k decimal.Decimal) decimal.Decimal {
	return model.ClampNonNegative(amount).Mul(k).RoundDown(model.MoneyScale)
}
