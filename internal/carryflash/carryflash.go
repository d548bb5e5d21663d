// Package carryflash decides how much PV each user keeps on each side after
// a weekly settlement. A strategy maps a user's pre-settlement balances and
// settled amounts to target end-of-week balances; the settlement batch then
// writes the ledger entries that remove the difference.
package carryflash

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/model"
)

// Kind names a strategy. The set is closed.
type Kind string

const (
	DeductPaid     Kind = "deduct_paid"
	DeductWeakSide Kind = "deduct_weak_side"
	FlushAll       Kind = "flush_all"
	Disabled       Kind = "disabled"
)

var (
	ErrUnknownStrategy = fmt.Errorf("%w: unknown carry-flash strategy", model.ErrValidation)
	ErrNegativeInput   = fmt.Errorf("%w: negative carry-flash input", model.ErrValidation)
)

// Kinds lists every supported strategy.
func Kinds() []Kind {
	return []Kind{DeductPaid, DeductWeakSide, FlushAll, Disabled}
}

// Valid reports whether s names a supported strategy.
func Valid(s string) bool {
	for _, k := range Kinds() {
		if string(k) == s {
			return true
		}
	}
	return false
}

// Result is the target end-of-week balance for one user.
type Result struct {
	UserID     string          `json:"user_id"`
	LeftPVEnd  decimal.Decimal `json:"left_pv_end"`
	RightPVEnd decimal.Decimal `json:"right_pv_end"`
}

// Removal is how much PV the result takes off each side of the balances
// in s. Settlement applies it to the balance it finds at write time, so PV
// that arrives after the strategy ran is left alone.
func (r Result) Removal(s model.WeeklyUserSummary) (left, right decimal.Decimal) {
	return model.ClampNonNegative(s.LeftPVBefore.Sub(r.LeftPVEnd)),
		model.ClampNonNegative(s.RightPVBefore.Sub(r.RightPVEnd))
}

// Strategy computes target balances from a user's weekly summary. It reads
// LeftPVBefore, RightPVBefore, WeakPV and PaidPV.
type Strategy interface {
	Kind() Kind
	Apply(weekKey string, s model.WeeklyUserSummary) (Result, error)
}

// New returns the strategy for kind.
func New(kind string) (Strategy, error) {
	switch Kind(kind) {
	case DeductPaid:
		return deductPaid{}, nil
	case DeductWeakSide:
		return deductWeakSide{}, nil
	case FlushAll:
		return flushAll{}, nil
	case Disabled:
		return disabled{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, kind)
	}
}

func checkInputs(weekKey string, s model.WeeklyUserSummary) error {
	for name, v := range map[string]decimal.Decimal{
		"left_pv":  s.LeftPVBefore,
		"right_pv": s.RightPVBefore,
		"weak_pv":  s.WeakPV,
		"paid_pv":  s.PaidPV,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s=%s for user %s in %s", ErrNegativeInput, name, v, s.UserID, weekKey)
		}
	}
	return nil
}

func result(s model.WeeklyUserSummary, left, right decimal.Decimal) Result {
	return Result{
		UserID:     s.UserID,
		LeftPVEnd:  model.ClampNonNegative(left),
		RightPVEnd: model.ClampNonNegative(right),
	}
}

type deductPaid struct{}

func (deductPaid) Kind() Kind { return DeductPaid }

func (deductPaid) Apply(weekKey string, s model.WeeklyUserSummary) (Result, error) {
	if err := checkInputs(weekKey, s); err != nil {
		return Result{}, err
	}
	return result(s, s.LeftPVBefore.Sub(s.PaidPV), s.RightPVBefore.Sub(s.PaidPV)), nil
}

// deductWeakSide removes the week's weak-side volume from both legs, paid
// or not; volume above the cap is not carried.
type deductWeakSide struct{}

func (deductWeakSide) Kind() Kind { return DeductWeakSide }

func (deductWeakSide) Apply(weekKey string, s model.WeeklyUserSummary) (Result, error) {
	if err := checkInputs(weekKey, s); err != nil {
		return Result{}, err
	}
	return result(s, s.LeftPVBefore.Sub(s.WeakPV), s.RightPVBefore.Sub(s.WeakPV)), nil
}

type flushAll struct{}

func (flushAll) Kind() Kind { return FlushAll }

func (flushAll) Apply(weekKey string, s model.WeeklyUserSummary) (Result, error) {
	if err := checkInputs(weekKey, s); err != nil {
		return Result{}, err
	}
	return result(s, decimal.Zero, decimal.Zero), nil
}

type disabled struct{}

func (disabled) Kind() Kind { return Disabled }

func (disabled) Apply(weekKey string, s model.WeeklyUserSummary) (Result, error) {
	if err := checkInputs(weekKey, s); err != nil {
		return Result{}, err
	}
	return result(s, s.LeftPVBefore, s.RightPVBefore), nil
}

// Engine applies one strategy across a batch of users.
type Engine struct {
	strategy Strategy
}

func NewEngine(kind string) (*Engine, error) {
	s, err := New(kind)
	if err != nil {
		return nil, err
	}
	return &Engine{strategy: s}, nil
}

func (e *Engine) Kind() Kind { return e.strategy.Kind() }

// BatchResult is keyed by user ID. A user appears in exactly one map.
type BatchResult struct {
	Results map[string]Result
	Errors  map[string]error
}

// ApplyBatch runs the strategy for every summary. One user's failure is
// recorded and does not stop the others.
func (e *Engine) ApplyBatch(weekKey string, summaries []model.WeeklyUserSummary) BatchResult {
	out := BatchResult{
		Results: make(map[string]Result, len(summaries)),
		Errors:  make(map[string]error),
	}
	for _, s := range summaries {
		r, err := e.strategy.Apply(weekKey, s)
		if err != nil {
			out.Errors[s.UserID] = err
			continue
		}
		out.Results[s.UserID] = r
	}
	return out
}
