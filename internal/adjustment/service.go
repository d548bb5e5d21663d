// Package adjustment undoes the ledger and wallet effects of an order or a
// settlement. A batch is opened against a reference, then finalized once:
// finalizing writes an opposing entry for every original row, linked back
// through reversal_of_id, inside a single unit of work.
//
// Reversal debits are clamped to the available balance. A member who has
// already consumed credited PV or spent a bonus ends at zero, never below.
package adjustment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/metrics"
	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/period"
	"github.com/atmx/pv-engine/internal/store"
)

const keyAttempts = 5

// Service opens and finalizes adjustment batches.
type Service struct {
	store     store.Store
	publisher model.Publisher
	now       func() time.Time
	suffix    func() string
}

type Option func(*Service)

func WithPublisher(p model.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithKeySuffix replaces the random batch key suffix generator.
func WithKeySuffix(fn func() string) Option { return func(s *Service) { s.suffix = fn } }

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:     st,
		publisher: model.NopPublisher{},
		now:       func() time.Time { return time.Now().UTC() },
		suffix:    randomSuffix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func randomSuffix() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// BatchKey formats a batch key: ADJ-YYYYMMDD-XXXXXXXX.
func BatchKey(at time.Time, suffix string) string {
	return "ADJ-" + at.UTC().Format("20060102") + "-" + suffix
}

// --- Requests and results ---

// RefundRequest is the inbound refund event. Reason is optional; when empty
// it is derived from the state of the related settlement.
type RefundRequest struct {
	ReferenceType model.ReferenceType `json:"reference_type"`
	ReferenceID   string              `json:"reference_id"`
	Reason        model.ReasonType    `json:"reason,omitempty"`
	Note          string              `json:"note,omitempty"`
	ActorID       string              `json:"actor_id,omitempty"`
}

// ManualCorrection opens a batch an operator reviews before finalizing.
type ManualCorrection struct {
	ReferenceType model.ReferenceType `json:"reference_type"`
	ReferenceID   string              `json:"reference_id"`
	Note          string              `json:"note"`
	ActorID       string              `json:"actor_id,omitempty"`
}

// CreateResult is returned by the batch-opening operations.
type CreateResult struct {
	Status model.OutcomeStatus    `json:"status"`
	Reason string                 `json:"reason,omitempty"`
	Batch  *model.AdjustmentBatch `json:"batch"`
}

// FinalizeResult is returned by FinalizeAdjustmentBatch.
type FinalizeResult struct {
	BatchID   string              `json:"batch_id"`
	Status    model.OutcomeStatus `json:"status"`
	Reason    string              `json:"reason,omitempty"`
	Reversed  int                 `json:"reversed"`
	Clamped   int                 `json:"clamped"`
	Cancelled int                 `json:"cancelled"`
}

// BatchDetails is a batch with its audit lines.
type BatchDetails struct {
	Batch   *model.AdjustmentBatch  `json:"batch"`
	Entries []model.AdjustmentEntry `json:"entries"`
}

// snapshot is the original state captured when a batch is opened.
type snapshot struct {
	ReferenceType model.ReferenceType       `json:"reference_type"`
	ReferenceID   string                    `json:"reference_id"`
	Settlement    model.SettlementState     `json:"settlement_state"`
	PV            []model.LedgerEntry       `json:"pv"`
	Points        []model.LedgerEntry       `json:"points"`
	Wallet        []model.WalletTransaction `json:"wallet"`
	Pending       []model.PendingBonus      `json:"pending"`
}

// --- Opening batches ---

// CreateRefundAdjustment opens a refund batch for the reference.
func (s *Service) CreateRefundAdjustment(ctx context.Context, req RefundRequest) (CreateResult, error) {
	if err := validateReference(req.ReferenceType, req.ReferenceID); err != nil {
		return CreateResult{Status: model.OutcomeFailed}, err
	}
	if req.Reason != "" && !req.Reason.Valid() {
		return CreateResult{Status: model.OutcomeFailed},
			fmt.Errorf("%w: unknown adjustment reason %q", model.ErrValidation, req.Reason)
	}

	state, err := s.settlementState(ctx, req.ReferenceType, req.ReferenceID)
	if err != nil {
		return CreateResult{Status: model.OutcomeFailed}, err
	}
	reason := req.Reason
	if reason == "" {
		reason = model.ReasonRefundBeforeFinalize
		if state == model.StateFinalized {
			reason = model.ReasonRefundAfterFinalize
		}
	}
	return s.open(ctx, req.ReferenceType, req.ReferenceID, reason, state, req.Note, req.ActorID)
}

// CreateManualCorrection opens a manual_correction batch for the reference.
func (s *Service) CreateManualCorrection(ctx context.Context, req ManualCorrection) (CreateResult, error) {
	if err := validateReference(req.ReferenceType, req.ReferenceID); err != nil {
		return CreateResult{Status: model.OutcomeFailed}, err
	}
	state, err := s.settlementState(ctx, req.ReferenceType, req.ReferenceID)
	if err != nil {
		return CreateResult{Status: model.OutcomeFailed}, err
	}
	return s.open(ctx, req.ReferenceType, req.ReferenceID, model.ReasonManualCorrection, state, req.Note, req.ActorID)
}

func validateReference(t model.ReferenceType, id string) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown reference type %q", model.ErrValidation, t)
	}
	if id == "" {
		return fmt.Errorf("%w: reference_id is required", model.ErrValidation)
	}
	return nil
}

// settlementState reports the state of the settlement the reference
// belongs to. An order belongs to the week it was purchased in.
func (s *Service) settlementState(ctx context.Context, t model.ReferenceType, id string) (model.SettlementState, error) {
	switch t {
	case model.ReferenceOrder:
		p, err := s.store.GetPurchase(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: order %s", model.ErrNotFound, id)
		}
		if err != nil {
			return "", err
		}
		return s.weekState(ctx, period.WeekOf(p.CreatedAt).Key)

	case model.ReferenceWeeklySettlement:
		if _, err := period.ParseWeek(id); err != nil {
			return "", err
		}
		return s.weekState(ctx, id)

	default:
		if _, err := period.ParseQuarter(id); err != nil {
			return "", err
		}
		q, err := s.store.GetQuarterlySettlement(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		return q.State(), nil
	}
}

func (s *Service) weekState(ctx context.Context, weekKey string) (model.SettlementState, error) {
	w, err := s.store.GetWeeklySettlement(ctx, weekKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	return w.State(), nil
}

func (s *Service) open(ctx context.Context, refType model.ReferenceType, refID string, reason model.ReasonType, state model.SettlementState, note, actor string) (CreateResult, error) {
	// A redelivered event finds the batch it opened last time.
	open, err := s.store.ListAdjustmentBatches(ctx, store.AdjustmentFilter{ReferenceType: refType, ReferenceID: refID})
	if err != nil {
		return CreateResult{Status: model.OutcomeFailed}, err
	}
	for i := range open {
		if open[i].FinalizedAt == nil {
			return CreateResult{
				Status: model.OutcomeSkipped,
				Reason: "an open batch already exists for this reference",
				Batch:  &open[i],
			}, nil
		}
	}

	orig, err := collect(ctx, s.store, refType, refID)
	if err != nil {
		return CreateResult{Status: model.OutcomeFailed}, err
	}
	doc, err := json.Marshal(snapshot{
		ReferenceType: refType,
		ReferenceID:   refID,
		Settlement:    state,
		PV:            orig.pv,
		Points:        orig.points,
		Wallet:        orig.wallet,
		Pending:       orig.pending,
	})
	if err != nil {
		return CreateResult{Status: model.OutcomeFailed}, err
	}

	at := s.now()
	b := &model.AdjustmentBatch{
		ReasonType:    reason,
		ReferenceType: refType,
		ReferenceID:   refID,
		Note:          note,
		CreatedBy:     actor,
		Snapshot:      doc,
		CreatedAt:     at,
	}
	for attempt := 1; ; attempt++ {
		b.BatchKey = BatchKey(at, s.suffix())
		err = s.store.CreateAdjustmentBatch(ctx, b)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicate) || attempt == keyAttempts {
			return CreateResult{Status: model.OutcomeFailed}, fmt.Errorf("create adjustment batch: %w", err)
		}
		slog.Warn("adjustment batch key collision", "batch_key", b.BatchKey, "attempt", attempt)
	}

	slog.Info("adjustment batch opened",
		"batch_id", b.ID,
		"batch_key", b.BatchKey,
		"reason", reason,
		"reference_type", refType,
		"reference_id", refID,
		"lines", len(orig.pv)+len(orig.points)+len(orig.wallet),
	)
	return CreateResult{Status: model.OutcomeSuccess, Batch: b}, nil
}

// --- Collecting originals ---

type originals struct {
	pv      []model.LedgerEntry
	points  []model.LedgerEntry
	wallet  []model.WalletTransaction
	pending []model.PendingBonus
}

// owners lists every user whose balances the reversal touches, sorted so
// concurrent finalizations lock them in the same order.
func (o originals) owners() []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, e := range o.pv {
		add(e.OwnerUserID)
	}
	for _, e := range o.points {
		add(e.OwnerUserID)
	}
	for _, t := range o.wallet {
		add(t.UserID)
	}
	sort.Strings(out)
	return out
}

// sources maps a reference type to the ledger kinds and wallet source
// type that carry its effects.
func sources(t model.ReferenceType) ([]model.SourceKind, string) {
	switch t {
	case model.ReferenceOrder:
		return []model.SourceKind{model.SourceOrder}, model.SourceTypeOrder
	case model.ReferenceWeeklySettlement:
		return []model.SourceKind{model.SourceWeeklySettlement, model.SourceCarryFlash}, model.SourceTypeWeeklySettlement
	default:
		return nil, model.SourceTypeQuarterlySettlement
	}
}

// collect reads every original row of the reference. Rows that are
// themselves reversals are left out.
func collect(ctx context.Context, ops store.Ops, refType model.ReferenceType, refID string) (originals, error) {
	var o originals
	kinds, walletType := sources(refType)

	if len(kinds) > 0 {
		f := store.LedgerFilter{SourceKinds: kinds, SourceID: refID}
		var err error
		if o.pv, err = ops.ListLedgerEntries(ctx, model.AssetPV, f); err != nil {
			return o, err
		}
		if o.points, err = ops.ListLedgerEntries(ctx, model.AssetPoints, f); err != nil {
			return o, err
		}
	}

	txs, err := ops.ListWalletTransactions(ctx, store.WalletFilter{SourceType: walletType, SourceID: refID})
	if err != nil {
		return o, err
	}
	for _, t := range txs {
		if t.ReversalOfID == "" {
			o.wallet = append(o.wallet, t)
		}
	}

	o.pending, err = ops.ListPendingBonuses(ctx, store.PendingFilter{SourceType: walletType, SourceID: refID, OpenOnly: true})
	if err != nil {
		return o, err
	}
	return o, nil
}

// --- Finalizing ---

// clamp records a reversal debit reduced to the available balance.
type clamp struct {
	asset      model.Asset
	userID     string
	originalID string
	requested  decimal.Decimal
	applied    decimal.Decimal
}

var errSkipFinalize = errors.New("adjustment batch already finalized")

// FinalizeAdjustmentBatch reverses everything the batch's reference
// produced, in one unit of work. Finalizing a finalized batch is a no-op
// reported as skipped.
func (s *Service) FinalizeAdjustmentBatch(ctx context.Context, batchID, actorID string) (FinalizeResult, error) {
	res := FinalizeResult{BatchID: batchID}
	if batchID == "" {
		res.Status = model.OutcomeFailed
		return res, fmt.Errorf("%w: batch_id is required", model.ErrValidation)
	}

	var (
		batch  *model.AdjustmentBatch
		clamps []clamp
	)
	at := s.now()
	err := s.store.InTx(ctx, func(tx store.Ops) error {
		var err error
		batch, err = tx.LockAdjustmentBatch(ctx, batchID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: adjustment batch %s", model.ErrNotFound, batchID)
		}
		if err != nil {
			return err
		}
		if batch.FinalizedAt != nil {
			return errSkipFinalize
		}

		orig, err := collect(ctx, tx, batch.ReferenceType, batch.ReferenceID)
		if err != nil {
			return err
		}
		for _, userID := range orig.owners() {
			if err := tx.LockOwner(ctx, userID); err != nil {
				return err
			}
		}

		r := &reverser{tx: tx, batch: batch, at: at}
		for _, e := range orderForReversal(orig.pv) {
			if err := r.ledger(ctx, e); err != nil {
				return err
			}
		}
		for _, e := range orderForReversal(orig.points) {
			if err := r.ledger(ctx, e); err != nil {
				return err
			}
		}
		for _, t := range orderWallet(orig.wallet) {
			if err := r.wallet(ctx, t); err != nil {
				return err
			}
		}
		for _, p := range orig.pending {
			if err := tx.CancelPendingBonus(ctx, p.ID, batch.ID, at); err != nil {
				return fmt.Errorf("cancel pending bonus %s: %w", p.ID, err)
			}
			res.Cancelled++
		}

		if err := tx.FinalizeAdjustmentBatch(ctx, batch.ID, actorID, at); err != nil {
			if errors.Is(err, store.ErrAlreadyFinalized) {
				return errSkipFinalize
			}
			return err
		}
		res.Reversed = r.reversed
		clamps = r.clamps
		res.Clamped = len(clamps)
		return nil
	})
	if errors.Is(err, errSkipFinalize) {
		metrics.DuplicateEventsTotal.WithLabelValues("adjustment_finalize").Inc()
		slog.Info("adjustment batch already finalized", "batch_id", batchID)
		return FinalizeResult{BatchID: batchID, Status: model.OutcomeSkipped, Reason: "batch already finalized"}, nil
	}
	if err != nil {
		slog.Error("adjustment batch finalize failed", "batch_id", batchID, "err", err)
		return FinalizeResult{BatchID: batchID, Status: model.OutcomeFailed}, err
	}

	for _, c := range clamps {
		metrics.ReversalClamps.WithLabelValues(string(c.asset)).Inc()
		slog.Warn("reversal clamped to available balance",
			"batch_id", batch.ID,
			"asset", c.asset,
			"user_id", c.userID,
			"reversal_of", c.originalID,
			"requested", c.requested.String(),
			"applied", c.applied.String(),
		)
	}
	slog.Info("adjustment batch finalized",
		"batch_id", batch.ID,
		"batch_key", batch.BatchKey,
		"reversed", res.Reversed,
		"clamped", res.Clamped,
		"cancelled", res.Cancelled,
	)
	s.publisher.Publish(model.Event{
		Type: model.EventAdjustmentFinalized,
		Key:  batch.BatchKey,
		At:   at,
	})
	res.Status = model.OutcomeSuccess
	return res, nil
}

// orderForReversal puts debits first so their reversing credits are in
// place before any reversing debit is clamped.
func orderForReversal(entries []model.LedgerEntry) []model.LedgerEntry {
	out := make([]model.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if e.ReversalOfEntryID == "" {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Direction == model.Debit && out[j].Direction != model.Debit
	})
	return out
}

func orderWallet(txs []model.WalletTransaction) []model.WalletTransaction {
	out := append([]model.WalletTransaction(nil), txs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Amount.IsNegative() && !out[j].Amount.IsNegative()
	})
	return out
}

// reverser writes reversal rows for one batch inside one transaction.
type reverser struct {
	tx       store.Ops
	batch    *model.AdjustmentBatch
	at       time.Time
	reversed int
	clamps   []clamp
}

func (r *reverser) alreadyReversed(ctx context.Context, asset model.Asset, id string) (bool, error) {
	found, err := r.tx.ListLedgerEntries(ctx, asset, store.LedgerFilter{ReversalOfID: id})
	return len(found) > 0, err
}

func (r *reverser) ledger(ctx context.Context, e model.LedgerEntry) error {
	done, err := r.alreadyReversed(ctx, e.Asset, e.ID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	applied := e.Amount
	dir := e.Direction.Opposite()
	if dir == model.Debit {
		t, err := r.tx.SumLedger(ctx, e.Asset, store.LedgerFilter{OwnerUserID: e.OwnerUserID})
		if err != nil {
			return err
		}
		avail := model.ClampNonNegative(t.Of(e.Side))
		if avail.LessThan(applied) {
			applied = avail
			r.clamps = append(r.clamps, clamp{
				asset:      e.Asset,
				userID:     e.OwnerUserID,
				originalID: e.ID,
				requested:  e.Amount,
				applied:    applied,
			})
		}
	}

	line := &model.AdjustmentEntry{
		BatchID:       r.batch.ID,
		AssetType:     e.Asset,
		UserID:        e.OwnerUserID,
		Amount:        e.Signed().Neg(),
		AppliedAmount: signed(dir, applied),
		ReversalOfID:  e.ID,
		Clamped:       applied.LessThan(e.Amount),
		CreatedAt:     r.at,
	}
	if applied.IsPositive() {
		rev := &model.LedgerEntry{
			Asset:              e.Asset,
			OwnerUserID:        e.OwnerUserID,
			CounterpartyUserID: e.CounterpartyUserID,
			Side:               e.Side,
			Level:              e.Level,
			Amount:             applied,
			Direction:          dir,
			SourceKind:         model.SourceAdjustment,
			SourceID:           e.ID,
			AdjustmentBatchID:  r.batch.ID,
			ReversalOfEntryID:  e.ID,
			Note:               "reversal " + r.batch.BatchKey,
			CreatedAt:          r.at,
		}
		inserted, err := r.tx.InsertLedgerEntry(ctx, rev)
		if err != nil {
			return fmt.Errorf("reverse %s entry %s: %w", e.Asset, e.ID, err)
		}
		if !inserted {
			return nil
		}
		line.ReversalEntryID = rev.ID
	}
	if err := r.tx.InsertAdjustmentEntry(ctx, line); err != nil {
		return err
	}
	r.reversed++
	return nil
}

func (r *reverser) wallet(ctx context.Context, t model.WalletTransaction) error {
	prior, err := r.tx.ListWalletTransactions(ctx, store.WalletFilter{UserID: t.UserID, ReversalOfID: t.ID})
	if err != nil {
		return err
	}
	if len(prior) > 0 {
		return nil
	}

	want := t.Amount.Neg()
	applied := want
	if want.IsNegative() {
		bal, err := r.tx.WalletBalance(ctx, t.UserID)
		if err != nil {
			return err
		}
		avail := model.ClampNonNegative(bal)
		if avail.LessThan(want.Neg()) {
			applied = avail.Neg()
			r.clamps = append(r.clamps, clamp{
				asset:      model.AssetWallet,
				userID:     t.UserID,
				originalID: t.ID,
				requested:  want.Neg(),
				applied:    avail,
			})
		}
	}

	line := &model.AdjustmentEntry{
		BatchID:       r.batch.ID,
		AssetType:     model.AssetWallet,
		UserID:        t.UserID,
		Amount:        want,
		AppliedAmount: applied,
		ReversalOfID:  t.ID,
		Clamped:       !applied.Equal(want),
		CreatedAt:     r.at,
	}
	if !applied.IsZero() {
		rev := &model.WalletTransaction{
			UserID:            t.UserID,
			Amount:            applied,
			Remark:            model.RemarkReversalPrefix + t.Remark,
			SourceType:        model.SourceTypeAdjustment,
			SourceID:          t.ID,
			AdjustmentBatchID: r.batch.ID,
			ReversalOfID:      t.ID,
			CreatedAt:         r.at,
		}
		inserted, err := r.tx.ApplyWalletTransaction(ctx, rev)
		if err != nil {
			return fmt.Errorf("reverse wallet transaction %s: %w", t.ID, err)
		}
		if !inserted {
			return nil
		}
		line.ReversalEntryID = rev.ID
	}
	if err := r.tx.InsertAdjustmentEntry(ctx, line); err != nil {
		return err
	}
	r.reversed++
	return nil
}

func signed(dir model.Direction, amount decimal.Decimal) decimal.Decimal {
	if dir == model.Debit {
		return amount.Neg()
	}
	return amount
}

// --- Reads ---

// GetAdjustmentBatches lists batches, newest first. It never returns nil.
func (s *Service) GetAdjustmentBatches(ctx context.Context, f store.AdjustmentFilter) ([]model.AdjustmentBatch, error) {
	batches, err := s.store.ListAdjustmentBatches(ctx, f)
	if err != nil {
		return nil, err
	}
	if batches == nil {
		batches = []model.AdjustmentBatch{}
	}
	return batches, nil
}

// GetAdjustmentBatchDetails returns the batch and its lines. An unknown
// batch yields empty details rather than an error.
func (s *Service) GetAdjustmentBatchDetails(ctx context.Context, batchID string) (BatchDetails, error) {
	out := BatchDetails{Entries: []model.AdjustmentEntry{}}
	b, err := s.store.GetAdjustmentBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Batch = b

	entries, err := s.store.ListAdjustmentEntries(ctx, batchID)
	if err != nil {
		return out, err
	}
	if entries != nil {
		out.Entries = entries
	}
	return out, nil
}
