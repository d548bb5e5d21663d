package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReasonType string

const (
	ReasonRefundBeforeFinalize ReasonType = "refund_before_finalize"
	ReasonRefundAfterFinalize  ReasonType = "refund_after_finalize"
	ReasonManualCorrection     ReasonType = "manual_correction"
)

// Valid reports whether r is one of the known reasons.
func (r ReasonType) Valid() bool {
	switch r {
	case ReasonRefundBeforeFinalize, ReasonRefundAfterFinalize, ReasonManualCorrection:
		return true
	}
	return false
}

type ReferenceType string

const (
	ReferenceOrder               ReferenceType = "order"
	ReferenceWeeklySettlement    ReferenceType = "weekly_settlement"
	ReferenceQuarterlySettlement ReferenceType = "quarterly_settlement"
)

// Valid reports whether r is one of the known reference types.
func (r ReferenceType) Valid() bool {
	switch r {
	case ReferenceOrder, ReferenceWeeklySettlement, ReferenceQuarterlySettlement:
		return true
	}
	return false
}

// AdjustmentBatch groups the reversal of everything one reference produced.
// It is created once and only ever mutated to stamp FinalizedAt.
type AdjustmentBatch struct {
	ID            string        `json:"id" db:"id"`
	BatchKey      string        `json:"batch_key" db:"batch_key"`
	ReasonType    ReasonType    `json:"reason_type" db:"reason_type"`
	ReferenceType ReferenceType `json:"reference_type" db:"reference_type"`
	ReferenceID   string        `json:"reference_id" db:"reference_id"`
	Note          string        `json:"note,omitempty" db:"note"`
	CreatedBy     string        `json:"created_by,omitempty" db:"created_by"`
	FinalizedBy   string        `json:"finalized_by,omitempty" db:"finalized_by"`
	Snapshot      []byte        `json:"snapshot" db:"snapshot"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	FinalizedAt   *time.Time    `json:"finalized_at,omitempty" db:"finalized_at"`
}

// AdjustmentEntry is the audit line for one reversed row. Amount is the
// exact negation of the original; AppliedAmount is what was actually
// written after clamping to the available balance.
type AdjustmentEntry struct {
	ID              string          `json:"id" db:"id"`
	BatchID         string          `json:"batch_id" db:"batch_id"`
	AssetType       Asset           `json:"asset_type" db:"asset_type"`
	UserID          string          `json:"user_id" db:"user_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	AppliedAmount   decimal.Decimal `json:"applied_amount" db:"applied_amount"`
	ReversalOfID    string          `json:"reversal_of_id" db:"reversal_of_id"`
	ReversalEntryID string          `json:"reversal_entry_id,omitempty" db:"reversal_entry_id"`
	Clamped         bool            `json:"clamped" db:"clamped"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}
