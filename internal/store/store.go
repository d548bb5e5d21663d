// Package store defines the persistence interface for the PV engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for balance reads), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/model"
)

var (
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyFinalized is returned when a finalize-once marker is
	// already stamped (or a pending bonus is already closed).
	ErrAlreadyFinalized = errors.New("store: already finalized")
)

// LedgerFilter selects ledger entries. Zero values mean "any".
// The time range is half-open [From, To).
type LedgerFilter struct {
	OwnerUserID  string
	SourceKinds  []model.SourceKind
	ExcludeKinds []model.SourceKind
	SourceID     string
	Direction    model.Direction
	ReversalOfID string
	// ReversesKinds keeps only entries that reverse an entry of one of
	// these kinds.
	ReversesKinds []model.SourceKind
	From          time.Time
	To            time.Time
}

// WalletFilter selects wallet transactions. Zero values mean "any".
type WalletFilter struct {
	UserID       string
	SourceType   string
	SourceID     string
	ReversalOfID string
}

// PendingFilter selects pending bonuses. Zero values mean "any".
type PendingFilter struct {
	UserID     string
	SourceType string
	SourceID   string
	OpenOnly   bool
}

// AdjustmentFilter selects adjustment batches. Zero values mean "any".
type AdjustmentFilter struct {
	ReferenceType model.ReferenceType
	ReferenceID   string
	Limit         int
}

// Ops is every persistence operation. It is satisfied both by a Store and
// by the transaction handle passed to InTx.
type Ops interface {
	// LockOwner serializes units of work that clamp against one owner's
	// balances. The lock is held until the surrounding transaction ends;
	// outside InTx it is released immediately.
	LockOwner(ctx context.Context, userID string) error

	// --- Append-only ledgers (PV and points) ---

	// InsertLedgerEntry appends an entry to the ledger selected by
	// entry.Asset. It returns false without error when the unique key
	// already exists: re-processing a source is a no-op.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) (bool, error)

	// ListLedgerEntries returns matching entries ordered by creation.
	ListLedgerEntries(ctx context.Context, asset model.Asset, f LedgerFilter) ([]model.LedgerEntry, error)

	// SumLedger returns signed totals (credits minus debits) per side.
	SumLedger(ctx context.Context, asset model.Asset, f LedgerFilter) (model.SideTotals, error)

	// --- Purchases ---

	// RecordPurchase stores a processed purchase; false when the order
	// was already recorded.
	RecordPurchase(ctx context.Context, p *model.Purchase) (bool, error)

	// GetPurchase returns ErrNotFound for unknown orders.
	GetPurchase(ctx context.Context, orderID string) (*model.Purchase, error)

	// SumPurchaseVolume sums TotalPV of purchases created in [from, to).
	SumPurchaseVolume(ctx context.Context, from, to time.Time) (decimal.Decimal, error)

	// --- Wallet ---

	// ApplyWalletTransaction inserts the transaction and moves the
	// user's wallet balance, setting tx.BalanceAfter. False when the
	// unique key already exists.
	ApplyWalletTransaction(ctx context.Context, tx *model.WalletTransaction) (bool, error)

	// WalletBalance returns zero for users without a wallet.
	WalletBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	ListWalletTransactions(ctx context.Context, f WalletFilter) ([]model.WalletTransaction, error)

	// --- Pending bonus queue ---

	// EnqueuePendingBonus returns false when the unique key exists.
	EnqueuePendingBonus(ctx context.Context, p *model.PendingBonus) (bool, error)

	// ListDuePendingBonuses returns open bonuses with ReleaseAt <= now.
	ListDuePendingBonuses(ctx context.Context, now time.Time, limit int) ([]model.PendingBonus, error)

	ListPendingBonuses(ctx context.Context, f PendingFilter) ([]model.PendingBonus, error)

	// MarkPendingBonusReleased returns ErrAlreadyFinalized unless open.
	MarkPendingBonusReleased(ctx context.Context, id, walletTxID string, at time.Time) error

	// CancelPendingBonus returns ErrAlreadyFinalized unless open.
	CancelPendingBonus(ctx context.Context, id, adjustmentBatchID string, at time.Time) error

	// --- Weekly settlement ---

	// CreateWeeklySettlement returns ErrDuplicate if the week exists.
	CreateWeeklySettlement(ctx context.Context, ws *model.WeeklySettlement) error

	GetWeeklySettlement(ctx context.Context, weekKey string) (*model.WeeklySettlement, error)

	// ListWeeklySettlements returns the rows that exist for the keys.
	ListWeeklySettlements(ctx context.Context, weekKeys []string) ([]model.WeeklySettlement, error)

	// FinalizeWeeklySettlement stamps finalized_at only if still null.
	FinalizeWeeklySettlement(ctx context.Context, weekKey string, at time.Time) error

	// InsertWeeklyUserSummary returns ErrDuplicate for a (week, user) that
	// already has a row; existing rows are never overwritten.
	InsertWeeklyUserSummary(ctx context.Context, s *model.WeeklyUserSummary) error

	GetWeeklyUserSummary(ctx context.Context, weekKey, userID string) (*model.WeeklyUserSummary, error)

	ListWeeklyUserSummaries(ctx context.Context, weekKeys []string) ([]model.WeeklyUserSummary, error)

	// LatestWeeklyUserSummary returns the user's most recent summary.
	LatestWeeklyUserSummary(ctx context.Context, userID string) (*model.WeeklyUserSummary, error)

	// --- Quarterly settlement ---

	CreateQuarterlySettlement(ctx context.Context, qs *model.QuarterlySettlement) error
	GetQuarterlySettlement(ctx context.Context, quarterKey string) (*model.QuarterlySettlement, error)
	FinalizeQuarterlySettlement(ctx context.Context, quarterKey string, at time.Time) error

	// InsertDividendLog returns ErrDuplicate for an existing (quarter, user, pool).
	InsertDividendLog(ctx context.Context, l *model.DividendLog) error

	ListDividendLogs(ctx context.Context, quarterKey string) ([]model.DividendLog, error)

	// --- Adjustments ---

	// CreateAdjustmentBatch returns ErrDuplicate on a batch key collision.
	CreateAdjustmentBatch(ctx context.Context, b *model.AdjustmentBatch) error

	GetAdjustmentBatch(ctx context.Context, id string) (*model.AdjustmentBatch, error)
	GetAdjustmentBatchByKey(ctx context.Context, batchKey string) (*model.AdjustmentBatch, error)

	// LockAdjustmentBatch reads the batch and holds a row lock until the
	// surrounding transaction ends.
	LockAdjustmentBatch(ctx context.Context, id string) (*model.AdjustmentBatch, error)

	ListAdjustmentBatches(ctx context.Context, f AdjustmentFilter) ([]model.AdjustmentBatch, error)

	// FinalizeAdjustmentBatch stamps finalized_at only if still null.
	FinalizeAdjustmentBatch(ctx context.Context, id, actorID string, at time.Time) error

	InsertAdjustmentEntry(ctx context.Context, e *model.AdjustmentEntry) error
	ListAdjustmentEntries(ctx context.Context, batchID string) ([]model.AdjustmentEntry, error)

	// --- Settings ---

	// GetBonusSettings returns the raw JSON override document, or
	// ErrNotFound when none was saved.
	GetBonusSettings(ctx context.Context) ([]byte, error)
	SaveBonusSettings(ctx context.Context, doc []byte) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Ops

	// InTx runs fn as one unit of work: every write made through tx is
	// committed together if fn returns nil and discarded otherwise.
	InTx(ctx context.Context, fn func(tx Ops) error) error
}
