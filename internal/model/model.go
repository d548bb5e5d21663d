// Package model defines the core domain types shared across the PV engine.
// All monetary and PV values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rounding scales. Money is paid in cents; PV keeps four places.
const (
	MoneyScale int32 = 2
	PVScale    int32 = 4
)

// Asset selects one of the parallel ledgers.
type Asset string

const (
	AssetPV     Asset = "pv"
	AssetPoints Asset = "points"
	AssetWallet Asset = "wallet"
)

// Side is the binary-tree leg relative to an ancestor.
type Side string

const (
	SideLeft  Side = "LEFT"
	SideRight Side = "RIGHT"
)

// Valid reports whether s is LEFT or RIGHT.
func (s Side) Valid() bool {
	return s == SideLeft || s == SideRight
}

type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

// Opposite returns the direction that undoes d.
func (d Direction) Opposite() Direction {
	if d == Credit {
		return Debit
	}
	return Credit
}

// SourceKind identifies what produced a ledger entry.
type SourceKind string

const (
	SourceOrder            SourceKind = "ORDER"
	SourceWeeklySettlement SourceKind = "WEEKLY_SETTLEMENT"
	SourceCarryFlash       SourceKind = "CARRY_FLASH"
	SourceAdjustment       SourceKind = "ADJUSTMENT"
)

// LedgerEntry is an immutable PV or points movement. Corrections are only
// made by writing an opposing entry.
// Unique key: (asset, source_kind, source_id, owner_user_id, side, direction).
type LedgerEntry struct {
	ID                 string          `json:"id" db:"id"`
	Asset              Asset           `json:"asset" db:"asset"`
	OwnerUserID        string          `json:"owner_user_id" db:"owner_user_id"`
	CounterpartyUserID string          `json:"counterparty_user_id,omitempty" db:"counterparty_user_id"`
	Side               Side            `json:"side,omitempty" db:"side"` // empty for points
	Level              int             `json:"level" db:"level"`
	Amount             decimal.Decimal `json:"amount" db:"amount"` // unsigned
	Direction          Direction       `json:"direction" db:"direction"`
	SourceKind         SourceKind      `json:"source_kind" db:"source_kind"`
	SourceID           string          `json:"source_id" db:"source_id"`
	AdjustmentBatchID  string          `json:"adjustment_batch_id,omitempty" db:"adjustment_batch_id"`
	ReversalOfEntryID  string          `json:"reversal_of_entry_id,omitempty" db:"reversal_of_entry_id"`
	Note               string          `json:"note,omitempty" db:"note"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// Signed returns the amount with the sign implied by the direction.
func (e LedgerEntry) Signed() decimal.Decimal {
	if e.Direction == Debit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// SideTotals holds signed sums (credits minus debits) per side. Points
// entries carry no side and land in Unsided.
type SideTotals struct {
	Left    decimal.Decimal `json:"left"`
	Right   decimal.Decimal `json:"right"`
	Unsided decimal.Decimal `json:"unsided"`
}

// Of returns the total for one side.
func (t SideTotals) Of(s Side) decimal.Decimal {
	switch s {
	case SideLeft:
		return t.Left
	case SideRight:
		return t.Right
	default:
		return t.Unsided
	}
}

// PVBalance is what callers see: never negative per side.
type PVBalance struct {
	UserID  string          `json:"user_id"`
	LeftPV  decimal.Decimal `json:"left_pv"`
	RightPV decimal.Decimal `json:"right_pv"`
	TotalPV decimal.Decimal `json:"total_pv"`
}

// Purchase records a processed purchase event. Its order ID is the
// idempotency anchor for crediting PV up the placement chain.
type Purchase struct {
	OrderID     string          `json:"order_id" db:"order_id"`
	BuyerUserID string          `json:"buyer_user_id" db:"buyer_user_id"`
	PointValue  decimal.Decimal `json:"point_value" db:"point_value"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	TotalPV     decimal.Decimal `json:"total_pv" db:"total_pv"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// PurchaseCompleted is the inbound event from checkout.
type PurchaseCompleted struct {
	OrderID     string          `json:"order_id"`
	BuyerUserID string          `json:"buyer_user_id"`
	PointValue  decimal.Decimal `json:"point_value"`
	Quantity    int64           `json:"quantity"`
}

// Wallet transaction remarks.
const (
	RemarkPairBonus        = "pair_bonus"
	RemarkMatchingBonus    = "matching_bonus"
	RemarkStockistDividend = "stockist_dividend"
	RemarkLeaderDividend   = "leader_dividend"
	RemarkReversalPrefix   = "reversal:"
)

// Wallet transaction source types.
const (
	SourceTypeOrder               = "order"
	SourceTypeWeeklySettlement    = "weekly_settlement"
	SourceTypeQuarterlySettlement = "quarterly_settlement"
	SourceTypeAdjustment          = "adjustment"
)

// WalletTransaction is a monetary movement with the post-transaction balance.
// Unique key: (source_type, source_id, user_id, remark).
type WalletTransaction struct {
	ID                string          `json:"id" db:"id"`
	UserID            string          `json:"user_id" db:"user_id"`
	Amount            decimal.Decimal `json:"amount" db:"amount"` // signed
	BalanceAfter      decimal.Decimal `json:"balance_after" db:"balance_after"`
	Remark            string          `json:"remark" db:"remark"`
	SourceType        string          `json:"source_type" db:"source_type"`
	SourceID          string          `json:"source_id" db:"source_id"`
	AdjustmentBatchID string          `json:"adjustment_batch_id,omitempty" db:"adjustment_batch_id"`
	ReversalOfID      string          `json:"reversal_of_id,omitempty" db:"reversal_of_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// PendingBonus is a bonus held back before it reaches the wallet.
type PendingBonus struct {
	ID                  string          `json:"id" db:"id"`
	UserID              string          `json:"user_id" db:"user_id"`
	Amount              decimal.Decimal `json:"amount" db:"amount"`
	Remark              string          `json:"remark" db:"remark"`
	SourceType          string          `json:"source_type" db:"source_type"`
	SourceID            string          `json:"source_id" db:"source_id"`
	ReleaseAt           time.Time       `json:"release_at" db:"release_at"`
	ReleasedAt          *time.Time      `json:"released_at,omitempty" db:"released_at"`
	CancelledAt         *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
	WalletTransactionID string          `json:"wallet_transaction_id,omitempty" db:"wallet_transaction_id"`
	AdjustmentBatchID   string          `json:"adjustment_batch_id,omitempty" db:"adjustment_batch_id"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}

// Open reports whether the bonus is neither released nor cancelled.
func (p PendingBonus) Open() bool {
	return p.ReleasedAt == nil && p.CancelledAt == nil
}

// ClampNonNegative floors v at zero.
func ClampNonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
