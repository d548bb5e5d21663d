package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementState is derived from the settlement row, never stored.
type SettlementState string

const (
	StateNotStarted SettlementState = "NOT_STARTED"
	StateInProgress SettlementState = "IN_PROGRESS"
	StateFinalized  SettlementState = "FINALIZED"
)

// BonusConfig is the parameter set a batch runs with. It is captured once
// at batch start and stored verbatim on the settlement row.
type BonusConfig struct {
	PairUnitPrice      decimal.Decimal   `json:"pair_unit_price"`
	WeeklyPairCap      decimal.Decimal   `json:"weekly_pair_cap"` // zero = uncapped
	PVPerPair          decimal.Decimal   `json:"pv_per_pair"`
	MatchingRates      []decimal.Decimal `json:"matching_rates"` // index 0 = first upline level
	SalesPerPV         decimal.Decimal   `json:"sales_per_pv"`
	PayoutRatio        decimal.Decimal   `json:"payout_ratio"`
	MinKFactor         decimal.Decimal   `json:"min_k_factor"`
	CarryFlashStrategy string            `json:"carry_flash_strategy"`
	BonusHoldHours     int               `json:"bonus_hold_hours"`
	StockistPoolRate   decimal.Decimal   `json:"stockist_pool_rate"`
	LeaderPoolRate     decimal.Decimal   `json:"leader_pool_rate"`
	StockistPVPerShare decimal.Decimal   `json:"stockist_pv_per_share"`
	MinStockistShares  int64             `json:"min_stockist_shares"`
	MinLeaderScore     decimal.Decimal   `json:"min_leader_score"`
}

// BonusHold is the delay between settlement and wallet release.
func (c BonusConfig) BonusHold() time.Duration {
	return time.Duration(c.BonusHoldHours) * time.Hour
}

// WeeklySettlement is the per-week batch marker and its aggregate totals.
// FinalizedAt is the completion marker; nil means the batch is incomplete.
type WeeklySettlement struct {
	WeekKey           string          `json:"week_key" db:"week_key"`
	TotalPV           decimal.Decimal `json:"total_pv" db:"total_pv"`
	FixedSales        decimal.Decimal `json:"fixed_sales" db:"fixed_sales"`
	GlobalReserve     decimal.Decimal `json:"global_reserve" db:"global_reserve"`
	VariablePotential decimal.Decimal `json:"variable_potential" db:"variable_potential"`
	KFactor           decimal.Decimal `json:"k_factor" db:"k_factor"`
	UserCount         int             `json:"user_count" db:"user_count"`
	ConfigSnapshot    []byte          `json:"config_snapshot" db:"config_snapshot"`
	StartedAt         time.Time       `json:"started_at" db:"started_at"`
	FinalizedAt       *time.Time      `json:"finalized_at,omitempty" db:"finalized_at"`
}

// State reports the batch state of a settlement row (nil = not started).
func (w *WeeklySettlement) State() SettlementState {
	switch {
	case w == nil:
		return StateNotStarted
	case w.FinalizedAt == nil:
		return StateInProgress
	default:
		return StateFinalized
	}
}

// WeeklyUserSummary is one user's outcome for a week.
// Unique key: (week_key, user_id).
type WeeklyUserSummary struct {
	WeekKey                  string          `json:"week_key" db:"week_key"`
	UserID                   string          `json:"user_id" db:"user_id"`
	LeftPVBefore             decimal.Decimal `json:"left_pv_before" db:"left_pv_before"`
	RightPVBefore            decimal.Decimal `json:"right_pv_before" db:"right_pv_before"`
	LeftPVAfter              decimal.Decimal `json:"left_pv_after" db:"left_pv_after"`
	RightPVAfter             decimal.Decimal `json:"right_pv_after" db:"right_pv_after"`
	WeakPV                   decimal.Decimal `json:"weak_pv" db:"weak_pv"`
	PaidPV                   decimal.Decimal `json:"paid_pv" db:"paid_pv"`
	PairCount                int64           `json:"pair_count" db:"pair_count"`
	PairBonusTheoretical     decimal.Decimal `json:"pair_bonus_theoretical" db:"pair_bonus_theoretical"`
	PairBonusCapped          decimal.Decimal `json:"pair_bonus_capped" db:"pair_bonus_capped"`
	PairBonusPaid            decimal.Decimal `json:"pair_bonus_paid" db:"pair_bonus_paid"`
	MatchingBonusTheoretical decimal.Decimal `json:"matching_bonus_theoretical" db:"matching_bonus_theoretical"`
	MatchingBonusPaid        decimal.Decimal `json:"matching_bonus_paid" db:"matching_bonus_paid"`
	CapAmount                decimal.Decimal `json:"cap_amount" db:"cap_amount"`
	CapUsed                  decimal.Decimal `json:"cap_used" db:"cap_used"`
	Strategy                 string          `json:"strategy" db:"strategy"`
	CreatedAt                time.Time       `json:"created_at" db:"created_at"`
}

// QuarterlySettlement is the per-quarter batch marker and pool totals.
type QuarterlySettlement struct {
	QuarterKey          string          `json:"quarter_key" db:"quarter_key"`
	TotalVolume         decimal.Decimal `json:"total_volume" db:"total_volume"`
	WeekCount           int             `json:"week_count" db:"week_count"`
	StockistPool        decimal.Decimal `json:"stockist_pool" db:"stockist_pool"`
	LeaderPool          decimal.Decimal `json:"leader_pool" db:"leader_pool"`
	StockistTotalShares int64           `json:"stockist_total_shares" db:"stockist_total_shares"`
	LeaderTotalScore    decimal.Decimal `json:"leader_total_score" db:"leader_total_score"`
	StockistUnitValue   decimal.Decimal `json:"stockist_unit_value" db:"stockist_unit_value"`
	LeaderUnitValue     decimal.Decimal `json:"leader_unit_value" db:"leader_unit_value"`
	ConfigSnapshot      []byte          `json:"config_snapshot" db:"config_snapshot"`
	StartedAt           time.Time       `json:"started_at" db:"started_at"`
	FinalizedAt         *time.Time      `json:"finalized_at,omitempty" db:"finalized_at"`
}

// State reports the batch state of a quarterly row (nil = not started).
func (q *QuarterlySettlement) State() SettlementState {
	switch {
	case q == nil:
		return StateNotStarted
	case q.FinalizedAt == nil:
		return StateInProgress
	default:
		return StateFinalized
	}
}

type DividendPool string

const (
	PoolStockist DividendPool = "stockist"
	PoolLeader   DividendPool = "leader"
)

type DividendStatus string

const (
	DividendPaid    DividendStatus = "paid"
	DividendSkipped DividendStatus = "skipped"
)

// DividendLog records a paid or skipped pool payout.
// Unique key: (quarter_key, user_id, pool).
type DividendLog struct {
	ID         string          `json:"id" db:"id"`
	QuarterKey string          `json:"quarter_key" db:"quarter_key"`
	UserID     string          `json:"user_id" db:"user_id"`
	Pool       DividendPool    `json:"pool" db:"pool"`
	Shares     int64           `json:"shares" db:"shares"`
	Score      decimal.Decimal `json:"score" db:"score"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Status     DividendStatus  `json:"status" db:"status"`
	Reason     string          `json:"reason,omitempty" db:"reason"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// OutcomeStatus is the structured result of a write operation.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Event is broadcast to downstream consumers after a commit.
type Event struct {
	Type   string          `json:"type"`
	Key    string          `json:"key,omitempty"`
	UserID string          `json:"user_id,omitempty"`
	Amount decimal.Decimal `json:"amount"`
	At     time.Time       `json:"at"`
}

// Event types.
const (
	EventPurchaseCredited    = "purchase.credited"
	EventWeeklyFinalized     = "weekly_settlement.finalized"
	EventQuarterlyFinalized  = "quarterly_settlement.finalized"
	EventAdjustmentFinalized = "adjustment.finalized"
	EventBonusReleased       = "bonus.released"
)

// Publisher receives events after the writes they describe have committed.
type Publisher interface {
	Publish(Event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
