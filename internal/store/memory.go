package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx holds the store lock for the whole unit of work and records an undo
// step per mutation, so a failed unit leaves no trace.
type MemoryStore struct {
	*memOps
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	st := &memState{
		ledger:       make(map[model.Asset][]model.LedgerEntry),
		ledgerKeys:   make(map[string]bool),
		purchases:    make(map[string]model.Purchase),
		walletKeys:   make(map[string]bool),
		balances:     make(map[string]decimal.Decimal),
		pendingKeys:  make(map[string]bool),
		weekly:       make(map[string]model.WeeklySettlement),
		summaryKeys:  make(map[string]bool),
		quarterly:    make(map[string]model.QuarterlySettlement),
		dividendKeys: make(map[string]bool),
		batchKeys:    make(map[string]bool),
	}
	return &MemoryStore{memOps: &memOps{st: st, mu: &sync.Mutex{}}}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Ops) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var undo []func()
	tx := &memOps{st: s.st, mu: s.mu, inTx: true, undo: &undo}

	err := fn(tx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return err
	}
	return nil
}

type memState struct {
	ledger       map[model.Asset][]model.LedgerEntry
	ledgerKeys   map[string]bool
	purchases    map[string]model.Purchase
	wallet       []model.WalletTransaction
	walletKeys   map[string]bool
	balances     map[string]decimal.Decimal
	pending      []model.PendingBonus
	pendingKeys  map[string]bool
	weekly       map[string]model.WeeklySettlement
	summaries    []model.WeeklyUserSummary
	summaryKeys  map[string]bool
	quarterly    map[string]model.QuarterlySettlement
	dividends    []model.DividendLog
	dividendKeys map[string]bool
	batches      []model.AdjustmentBatch
	batchKeys    map[string]bool
	adjEntries   []model.AdjustmentEntry
	settings     []byte
}

// memOps implements Ops over memState. Outside a transaction every call
// takes the lock itself; inside one the lock is already held by InTx.
type memOps struct {
	st   *memState
	mu   *sync.Mutex
	inTx bool
	undo *[]func()
}

func (o *memOps) lock() func() {
	if o.inTx {
		return func() {}
	}
	o.mu.Lock()
	return o.mu.Unlock
}

func (o *memOps) onRollback(fn func()) {
	if o.undo != nil {
		*o.undo = append(*o.undo, fn)
	}
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func newID(id string) string {
	if id == "" {
		return uuid.New().String()
	}
	return id
}

// LockOwner is a no-op: InTx already holds the store lock.
func (o *memOps) LockOwner(context.Context, string) error { return nil }

// --- Ledgers ---

func ledgerKey(e *model.LedgerEntry) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s", e.Asset, e.SourceKind, e.SourceID, e.OwnerUserID, e.Side, e.Direction)
}

func (o *memOps) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) (bool, error) {
	defer o.lock()()

	key := ledgerKey(e)
	if o.st.ledgerKeys[key] {
		return false, nil
	}
	e.ID = newID(e.ID)
	e.CreatedAt = stamp(e.CreatedAt)

	n := len(o.st.ledger[e.Asset])
	o.st.ledger[e.Asset] = append(o.st.ledger[e.Asset], *e)
	o.st.ledgerKeys[key] = true
	asset := e.Asset
	o.onRollback(func() {
		o.st.ledger[asset] = o.st.ledger[asset][:n]
		delete(o.st.ledgerKeys, key)
	})
	return true, nil
}

func matchKind(kind model.SourceKind, f LedgerFilter) bool {
	if len(f.SourceKinds) > 0 {
		found := false
		for _, k := range f.SourceKinds {
			if k == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, k := range f.ExcludeKinds {
		if k == kind {
			return false
		}
	}
	return true
}

// kindsByID indexes entry kinds when the filter needs to look at the
// entries being reversed.
func kindsByID(entries []model.LedgerEntry, f LedgerFilter) map[string]model.SourceKind {
	if len(f.ReversesKinds) == 0 {
		return nil
	}
	out := make(map[string]model.SourceKind, len(entries))
	for _, e := range entries {
		out[e.ID] = e.SourceKind
	}
	return out
}

func matchLedger(e model.LedgerEntry, f LedgerFilter, kinds map[string]model.SourceKind) bool {
	if len(f.ReversesKinds) > 0 &&
		(e.ReversalOfEntryID == "" || !slices.Contains(f.ReversesKinds, kinds[e.ReversalOfEntryID])) {
		return false
	}
	if f.OwnerUserID != "" && e.OwnerUserID != f.OwnerUserID {
		return false
	}
	if f.SourceID != "" && e.SourceID != f.SourceID {
		return false
	}
	if f.Direction != "" && e.Direction != f.Direction {
		return false
	}
	if f.ReversalOfID != "" && e.ReversalOfEntryID != f.ReversalOfID {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
		return false
	}
	return matchKind(e.SourceKind, f)
}

func (o *memOps) ListLedgerEntries(_ context.Context, asset model.Asset, f LedgerFilter) ([]model.LedgerEntry, error) {
	defer o.lock()()

	var result []model.LedgerEntry
	kinds := kindsByID(o.st.ledger[asset], f)
	for _, e := range o.st.ledger[asset] {
		if matchLedger(e, f, kinds) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (o *memOps) SumLedger(_ context.Context, asset model.Asset, f LedgerFilter) (model.SideTotals, error) {
	defer o.lock()()

	var t model.SideTotals
	kinds := kindsByID(o.st.ledger[asset], f)
	for _, e := range o.st.ledger[asset] {
		if !matchLedger(e, f, kinds) {
			continue
		}
		switch e.Side {
		case model.SideLeft:
			t.Left = t.Left.Add(e.Signed())
		case model.SideRight:
			t.Right = t.Right.Add(e.Signed())
		default:
			t.Unsided = t.Unsided.Add(e.Signed())
		}
	}
	return t, nil
}

// --- Purchases ---

func (o *memOps) RecordPurchase(_ context.Context, p *model.Purchase) (bool, error) {
	defer o.lock()()

	if _, ok := o.st.purchases[p.OrderID]; ok {
		return false, nil
	}
	p.CreatedAt = stamp(p.CreatedAt)
	o.st.purchases[p.OrderID] = *p
	id := p.OrderID
	o.onRollback(func() { delete(o.st.purchases, id) })
	return true, nil
}

func (o *memOps) GetPurchase(_ context.Context, orderID string) (*model.Purchase, error) {
	defer o.lock()()

	p, ok := o.st.purchases[orderID]
	if !ok {
		return nil, fmt.Errorf("purchase %s: %w", orderID, ErrNotFound)
	}
	return &p, nil
}

func (o *memOps) SumPurchaseVolume(_ context.Context, from, to time.Time) (decimal.Decimal, error) {
	defer o.lock()()

	total := decimal.Zero
	for _, p := range o.st.purchases {
		if !p.CreatedAt.Before(from) && p.CreatedAt.Before(to) {
			total = total.Add(p.TotalPV)
		}
	}
	return total, nil
}

// --- Wallet ---

func walletKey(t *model.WalletTransaction) string {
	return t.SourceType + "|" + t.SourceID + "|" + t.UserID + "|" + t.Remark
}

func (o *memOps) ApplyWalletTransaction(_ context.Context, t *model.WalletTransaction) (bool, error) {
	defer o.lock()()

	key := walletKey(t)
	if o.st.walletKeys[key] {
		return false, nil
	}
	t.ID = newID(t.ID)
	t.CreatedAt = stamp(t.CreatedAt)

	prev, had := o.st.balances[t.UserID]
	t.BalanceAfter = prev.Add(t.Amount)
	o.st.balances[t.UserID] = t.BalanceAfter

	n := len(o.st.wallet)
	o.st.wallet = append(o.st.wallet, *t)
	o.st.walletKeys[key] = true
	user := t.UserID
	o.onRollback(func() {
		o.st.wallet = o.st.wallet[:n]
		delete(o.st.walletKeys, key)
		if had {
			o.st.balances[user] = prev
		} else {
			delete(o.st.balances, user)
		}
	})
	return true, nil
}

func (o *memOps) WalletBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	defer o.lock()()
	return o.st.balances[userID], nil
}

func (o *memOps) ListWalletTransactions(_ context.Context, f WalletFilter) ([]model.WalletTransaction, error) {
	defer o.lock()()

	var result []model.WalletTransaction
	for _, t := range o.st.wallet {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.SourceType != "" && t.SourceType != f.SourceType {
			continue
		}
		if f.SourceID != "" && t.SourceID != f.SourceID {
			continue
		}
		if f.ReversalOfID != "" && t.ReversalOfID != f.ReversalOfID {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

// --- Pending bonuses ---

func (o *memOps) EnqueuePendingBonus(_ context.Context, p *model.PendingBonus) (bool, error) {
	defer o.lock()()

	key := p.SourceType + "|" + p.SourceID + "|" + p.UserID + "|" + p.Remark
	if o.st.pendingKeys[key] {
		return false, nil
	}
	p.ID = newID(p.ID)
	p.CreatedAt = stamp(p.CreatedAt)

	n := len(o.st.pending)
	o.st.pending = append(o.st.pending, *p)
	o.st.pendingKeys[key] = true
	o.onRollback(func() {
		o.st.pending = o.st.pending[:n]
		delete(o.st.pendingKeys, key)
	})
	return true, nil
}

func (o *memOps) ListDuePendingBonuses(_ context.Context, now time.Time, limit int) ([]model.PendingBonus, error) {
	defer o.lock()()

	var result []model.PendingBonus
	for _, p := range o.st.pending {
		if p.Open() && !p.ReleaseAt.After(now) {
			result = append(result, p)
			if limit > 0 && len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (o *memOps) ListPendingBonuses(_ context.Context, f PendingFilter) ([]model.PendingBonus, error) {
	defer o.lock()()

	var result []model.PendingBonus
	for _, p := range o.st.pending {
		if f.UserID != "" && p.UserID != f.UserID {
			continue
		}
		if f.SourceType != "" && p.SourceType != f.SourceType {
			continue
		}
		if f.SourceID != "" && p.SourceID != f.SourceID {
			continue
		}
		if f.OpenOnly && !p.Open() {
			continue
		}
		result = append(result, p)
	}
	return result, nil
}

func (o *memOps) closePending(id string, apply func(p *model.PendingBonus)) error {
	for i := range o.st.pending {
		if o.st.pending[i].ID != id {
			continue
		}
		if !o.st.pending[i].Open() {
			return fmt.Errorf("pending bonus %s: %w", id, ErrAlreadyFinalized)
		}
		old := o.st.pending[i]
		apply(&o.st.pending[i])
		o.onRollback(func() { o.st.pending[i] = old })
		return nil
	}
	return fmt.Errorf("pending bonus %s: %w", id, ErrNotFound)
}

func (o *memOps) MarkPendingBonusReleased(_ context.Context, id, walletTxID string, at time.Time) error {
	defer o.lock()()

	return o.closePending(id, func(p *model.PendingBonus) {
		p.ReleasedAt = &at
		p.WalletTransactionID = walletTxID
	})
}

func (o *memOps) CancelPendingBonus(_ context.Context, id, adjustmentBatchID string, at time.Time) error {
	defer o.lock()()

	return o.closePending(id, func(p *model.PendingBonus) {
		p.CancelledAt = &at
		p.AdjustmentBatchID = adjustmentBatchID
	})
}

// --- Weekly settlement ---

func (o *memOps) CreateWeeklySettlement(_ context.Context, ws *model.WeeklySettlement) error {
	defer o.lock()()

	if _, ok := o.st.weekly[ws.WeekKey]; ok {
		return fmt.Errorf("weekly settlement %s: %w", ws.WeekKey, ErrDuplicate)
	}
	ws.StartedAt = stamp(ws.StartedAt)
	o.st.weekly[ws.WeekKey] = *ws
	key := ws.WeekKey
	o.onRollback(func() { delete(o.st.weekly, key) })
	return nil
}

func (o *memOps) GetWeeklySettlement(_ context.Context, weekKey string) (*model.WeeklySettlement, error) {
	defer o.lock()()

	ws, ok := o.st.weekly[weekKey]
	if !ok {
		return nil, fmt.Errorf("weekly settlement %s: %w", weekKey, ErrNotFound)
	}
	return &ws, nil
}

func (o *memOps) ListWeeklySettlements(_ context.Context, weekKeys []string) ([]model.WeeklySettlement, error) {
	defer o.lock()()

	var result []model.WeeklySettlement
	for _, k := range weekKeys {
		if ws, ok := o.st.weekly[k]; ok {
			result = append(result, ws)
		}
	}
	return result, nil
}

func (o *memOps) FinalizeWeeklySettlement(_ context.Context, weekKey string, at time.Time) error {
	defer o.lock()()

	ws, ok := o.st.weekly[weekKey]
	if !ok {
		return fmt.Errorf("weekly settlement %s: %w", weekKey, ErrNotFound)
	}
	if ws.FinalizedAt != nil {
		return fmt.Errorf("weekly settlement %s: %w", weekKey, ErrAlreadyFinalized)
	}
	old := ws
	ws.FinalizedAt = &at
	o.st.weekly[weekKey] = ws
	o.onRollback(func() { o.st.weekly[weekKey] = old })
	return nil
}

func (o *memOps) InsertWeeklyUserSummary(_ context.Context, s *model.WeeklyUserSummary) error {
	defer o.lock()()

	key := s.WeekKey + "|" + s.UserID
	if o.st.summaryKeys[key] {
		return fmt.Errorf("weekly summary %s: %w", key, ErrDuplicate)
	}
	s.CreatedAt = stamp(s.CreatedAt)
	n := len(o.st.summaries)
	o.st.summaries = append(o.st.summaries, *s)
	o.st.summaryKeys[key] = true
	o.onRollback(func() {
		o.st.summaries = o.st.summaries[:n]
		delete(o.st.summaryKeys, key)
	})
	return nil
}

func (o *memOps) GetWeeklyUserSummary(_ context.Context, weekKey, userID string) (*model.WeeklyUserSummary, error) {
	defer o.lock()()

	for _, s := range o.st.summaries {
		if s.WeekKey == weekKey && s.UserID == userID {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("weekly summary %s/%s: %w", weekKey, userID, ErrNotFound)
}

func (o *memOps) ListWeeklyUserSummaries(_ context.Context, weekKeys []string) ([]model.WeeklyUserSummary, error) {
	defer o.lock()()

	wanted := make(map[string]bool, len(weekKeys))
	for _, k := range weekKeys {
		wanted[k] = true
	}
	var result []model.WeeklyUserSummary
	for _, s := range o.st.summaries {
		if wanted[s.WeekKey] {
			result = append(result, s)
		}
	}
	return result, nil
}

func (o *memOps) LatestWeeklyUserSummary(_ context.Context, userID string) (*model.WeeklyUserSummary, error) {
	defer o.lock()()

	var latest *model.WeeklyUserSummary
	for i := range o.st.summaries {
		s := o.st.summaries[i]
		if s.UserID != userID {
			continue
		}
		// Week keys sort chronologically.
		if latest == nil || s.WeekKey > latest.WeekKey {
			latest = &s
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("weekly summary for %s: %w", userID, ErrNotFound)
	}
	return latest, nil
}

// --- Quarterly settlement ---

func (o *memOps) CreateQuarterlySettlement(_ context.Context, qs *model.QuarterlySettlement) error {
	defer o.lock()()

	if _, ok := o.st.quarterly[qs.QuarterKey]; ok {
		return fmt.Errorf("quarterly settlement %s: %w", qs.QuarterKey, ErrDuplicate)
	}
	qs.StartedAt = stamp(qs.StartedAt)
	o.st.quarterly[qs.QuarterKey] = *qs
	key := qs.QuarterKey
	o.onRollback(func() { delete(o.st.quarterly, key) })
	return nil
}

func (o *memOps) GetQuarterlySettlement(_ context.Context, quarterKey string) (*model.QuarterlySettlement, error) {
	defer o.lock()()

	qs, ok := o.st.quarterly[quarterKey]
	if !ok {
		return nil, fmt.Errorf("quarterly settlement %s: %w", quarterKey, ErrNotFound)
	}
	return &qs, nil
}

func (o *memOps) FinalizeQuarterlySettlement(_ context.Context, quarterKey string, at time.Time) error {
	defer o.lock()()

	qs, ok := o.st.quarterly[quarterKey]
	if !ok {
		return fmt.Errorf("quarterly settlement %s: %w", quarterKey, ErrNotFound)
	}
	if qs.FinalizedAt != nil {
		return fmt.Errorf("quarterly settlement %s: %w", quarterKey, ErrAlreadyFinalized)
	}
	old := qs
	qs.FinalizedAt = &at
	o.st.quarterly[quarterKey] = qs
	o.onRollback(func() { o.st.quarterly[quarterKey] = old })
	return nil
}

func (o *memOps) InsertDividendLog(_ context.Context, l *model.DividendLog) error {
	defer o.lock()()

	key := l.QuarterKey + "|" + l.UserID + "|" + string(l.Pool)
	if o.st.dividendKeys[key] {
		return fmt.Errorf("dividend log %s: %w", key, ErrDuplicate)
	}
	l.ID = newID(l.ID)
	l.CreatedAt = stamp(l.CreatedAt)
	n := len(o.st.dividends)
	o.st.dividends = append(o.st.dividends, *l)
	o.st.dividendKeys[key] = true
	o.onRollback(func() {
		o.st.dividends = o.st.dividends[:n]
		delete(o.st.dividendKeys, key)
	})
	return nil
}

func (o *memOps) ListDividendLogs(_ context.Context, quarterKey string) ([]model.DividendLog, error) {
	defer o.lock()()

	var result []model.DividendLog
	for _, l := range o.st.dividends {
		if l.QuarterKey == quarterKey {
			result = append(result, l)
		}
	}
	return result, nil
}

// --- Adjustments ---

func (o *memOps) CreateAdjustmentBatch(_ context.Context, b *model.AdjustmentBatch) error {
	defer o.lock()()

	if o.st.batchKeys[b.BatchKey] {
		return fmt.Errorf("adjustment batch %s: %w", b.BatchKey, ErrDuplicate)
	}
	b.ID = newID(b.ID)
	b.CreatedAt = stamp(b.CreatedAt)
	n := len(o.st.batches)
	o.st.batches = append(o.st.batches, *b)
	o.st.batchKeys[b.BatchKey] = true
	key := b.BatchKey
	o.onRollback(func() {
		o.st.batches = o.st.batches[:n]
		delete(o.st.batchKeys, key)
	})
	return nil
}

func (o *memOps) findBatch(match func(b model.AdjustmentBatch) bool, label string) (*model.AdjustmentBatch, error) {
	for _, b := range o.st.batches {
		if match(b) {
			return &b, nil
		}
	}
	return nil, fmt.Errorf("adjustment batch %s: %w", label, ErrNotFound)
}

func (o *memOps) GetAdjustmentBatch(_ context.Context, id string) (*model.AdjustmentBatch, error) {
	defer o.lock()()
	return o.findBatch(func(b model.AdjustmentBatch) bool { return b.ID == id }, id)
}

func (o *memOps) GetAdjustmentBatchByKey(_ context.Context, batchKey string) (*model.AdjustmentBatch, error) {
	defer o.lock()()
	return o.findBatch(func(b model.AdjustmentBatch) bool { return b.BatchKey == batchKey }, batchKey)
}

// LockAdjustmentBatch is a plain read here: InTx already serializes.
func (o *memOps) LockAdjustmentBatch(ctx context.Context, id string) (*model.AdjustmentBatch, error) {
	return o.GetAdjustmentBatch(ctx, id)
}

func (o *memOps) ListAdjustmentBatches(_ context.Context, f AdjustmentFilter) ([]model.AdjustmentBatch, error) {
	defer o.lock()()

	var result []model.AdjustmentBatch
	for _, b := range o.st.batches {
		if f.ReferenceType != "" && b.ReferenceType != f.ReferenceType {
			continue
		}
		if f.ReferenceID != "" && b.ReferenceID != f.ReferenceID {
			continue
		}
		result = append(result, b)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (o *memOps) FinalizeAdjustmentBatch(_ context.Context, id, actorID string, at time.Time) error {
	defer o.lock()()

	for i := range o.st.batches {
		if o.st.batches[i].ID != id {
			continue
		}
		if o.st.batches[i].FinalizedAt != nil {
			return fmt.Errorf("adjustment batch %s: %w", id, ErrAlreadyFinalized)
		}
		old := o.st.batches[i]
		o.st.batches[i].FinalizedAt = &at
		o.st.batches[i].FinalizedBy = actorID
		o.onRollback(func() { o.st.batches[i] = old })
		return nil
	}
	return fmt.Errorf("adjustment batch %s: %w", id, ErrNotFound)
}

func (o *memOps) InsertAdjustmentEntry(_ context.Context, e *model.AdjustmentEntry) error {
	defer o.lock()()

	e.ID = newID(e.ID)
	e.CreatedAt = stamp(e.CreatedAt)
	n := len(o.st.adjEntries)
	o.st.adjEntries = append(o.st.adjEntries, *e)
	o.onRollback(func() { o.st.adjEntries = o.st.adjEntries[:n] })
	return nil
}

func (o *memOps) ListAdjustmentEntries(_ context.Context, batchID string) ([]model.AdjustmentEntry, error) {
	defer o.lock()()

	var result []model.AdjustmentEntry
	for _, e := range o.st.adjEntries {
		if e.BatchID == batchID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Settings ---

func (o *memOps) GetBonusSettings(_ context.Context) ([]byte, error) {
	defer o.lock()()

	if o.st.settings == nil {
		return nil, fmt.Errorf("bonus settings: %w", ErrNotFound)
	}
	return append([]byte(nil), o.st.settings...), nil
}

func (o *memOps) SaveBonusSettings(_ context.Context, doc []byte) error {
	defer o.lock()()

	old := o.st.settings
	o.st.settings = append([]byte(nil), doc...)
	o.onRollback(func() { o.st.settings = old })
	return nil
}
