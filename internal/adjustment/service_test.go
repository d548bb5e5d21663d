package adjustment

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/placement"
	"github.com/atmx/pv-engine/internal/pv"
	"github.com/atmx/pv-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	purchaseAt = time.Date(2025, time.March, 12, 10, 0, 0, 0, time.UTC) // 2025-W11
	refundAt   = time.Date(2025, time.March, 13, 10, 0, 0, 0, time.UTC)
)

// newTestEnv seeds a store over this placement tree:
//
//	anc
//	└── L: l1
//	    └── L: buyer
func newTestEnv(t *testing.T, wrap func(*store.MemoryStore) store.Store) (*Service, store.Store, *pv.Service) {
	t.Helper()
	mem := store.NewMemoryStore()
	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	tree := placement.NewMapTree(
		placement.Member{UserID: "anc", Active: true},
		placement.Member{UserID: "l1", ParentID: "anc", Side: model.SideLeft, Active: true},
		placement.Member{UserID: "buyer", ParentID: "l1", Side: model.SideLeft, Active: true},
	)
	pvSvc := pv.NewService(st, tree,
		pv.WithClock(func() time.Time { return purchaseAt }),
		pv.WithPointsPerPV(d(1)),
	)
	_, err := pvSvc.CreditFromPurchase(context.Background(), model.PurchaseCompleted{
		OrderID: "o1", BuyerUserID: "buyer", PointValue: d(100), Quantity: 1,
	})
	if err != nil {
		t.Fatalf("seed purchase: %v", err)
	}
	return NewService(st, WithClock(func() time.Time { return refundAt })), st, pvSvc
}

func leftPV(t *testing.T, p *pv.Service, userID string) decimal.Decimal {
	t.Helper()
	bal, err := p.GetBalance(context.Background(), userID, true)
	if err != nil {
		t.Fatalf("balance %s: %v", userID, err)
	}
	return bal.LeftPV
}

func TestRefund_BeforeFinalize(t *testing.T) {
	svc, st, pvSvc := newTestEnv(t, nil)
	ctx := context.Background()

	created, err := svc.CreateRefundAdjustment(ctx, RefundRequest{
		ReferenceType: model.ReferenceOrder,
		ReferenceID:   "o1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Status != model.OutcomeSuccess || created.Batch.ReasonType != model.ReasonRefundBeforeFinalize {
		t.Fatalf("unexpected create result %+v", created)
	}
	if !regexp.MustCompile(`^ADJ-20250313-[0-9A-F]{8}$`).MatchString(created.Batch.BatchKey) {
		t.Errorf("unexpected batch key %q", created.Batch.BatchKey)
	}
	if len(created.Batch.Snapshot) == 0 {
		t.Error("snapshot should capture the original rows")
	}

	res, err := svc.FinalizeAdjustmentBatch(ctx, created.Batch.ID, "ops-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// two PV credits and one points credit
	if res.Status != model.OutcomeSuccess || res.Reversed != 3 || res.Clamped != 0 {
		t.Fatalf("unexpected finalize result %+v", res)
	}

	for _, u := range []string{"anc", "l1"} {
		if got := leftPV(t, pvSvc, u); !got.IsZero() {
			t.Errorf("%s left PV: expected 0, got %s", u, got)
		}
	}
	if pts, _ := pvSvc.GetPointsBalance(ctx, "buyer"); !pts.IsZero() {
		t.Errorf("points should be reversed, got %s", pts)
	}
	if weak, _ := pvSvc.GetWeeklyNewWeakPV(ctx, "anc", "2025-W11"); !weak.IsZero() {
		t.Errorf("refunded volume must leave the week, got %s", weak)
	}

	details, err := svc.GetAdjustmentBatchDetails(ctx, created.Batch.ID)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.Batch.FinalizedAt == nil || details.Batch.FinalizedBy != "ops-1" {
		t.Errorf("batch should be finalized by ops-1, got %+v", details.Batch)
	}
	originals, _ := st.ListLedgerEntries(ctx, model.AssetPV, store.LedgerFilter{
		SourceKinds: []model.SourceKind{model.SourceOrder}, SourceID: "o1",
	})
	byID := map[string]model.LedgerEntry{}
	for _, e := range originals {
		byID[e.ID] = e
	}
	for _, line := range details.Entries {
		if line.AssetType != model.AssetPV {
			continue
		}
		orig, ok := byID[line.ReversalOfID]
		if !ok {
			t.Errorf("line %s does not point at an original entry", line.ID)
			continue
		}
		if !line.Amount.Equal(orig.Signed().Neg()) {
			t.Errorf("line amount %s is not the negation of %s", line.Amount, orig.Signed())
		}
		if line.ReversalEntryID == "" {
			t.Error("line should reference the reversal entry")
		}
	}
}

func TestFinalize_Twice(t *testing.T) {
	svc, _, pvSvc := newTestEnv(t, nil)
	ctx := context.Background()

	created, _ := svc.CreateRefundAdjustment(ctx, RefundRequest{ReferenceType: model.ReferenceOrder, ReferenceID: "o1"})
	if _, err := svc.FinalizeAdjustmentBatch(ctx, created.Batch.ID, ""); err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	res, err := svc.FinalizeAdjustmentBatch(ctx, created.Batch.ID, "")
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if res.Status != model.OutcomeSkipped {
		t.Errorf("expected skipped, got %+v", res)
	}
	if got := leftPV(t, pvSvc, "l1"); !got.IsZero() {
		t.Errorf("second finalize changed balances: %s", got)
	}
}

func TestFinalize_ClampsPVToBalance(t *testing.T) {
	svc, st, pvSvc := newTestEnv(t, nil)
	ctx := context.Background()

	// anc has already had 60 of the 100 deducted by a settlement.
	err := st.InTx(ctx, func(tx store.Ops) error {
		_, err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
			Asset:       model.AssetPV,
			OwnerUserID: "anc",
			Side:        model.SideLeft,
			Amount:      d(60),
			Direction:   model.Debit,
			SourceKind:  model.SourceWeeklySettlement,
			SourceID:    "2025-W11",
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	created, _ := svc.CreateRefundAdjustment(ctx, RefundRequest{ReferenceType: model.ReferenceOrder, ReferenceID: "o1"})
	res, err := svc.FinalizeAdjustmentBatch(ctx, created.Batch.ID, "")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Clamped != 1 {
		t.Errorf("expected 1 clamp, got %d", res.Clamped)
	}
	if got := leftPV(t, pvSvc, "anc"); !got.IsZero() {
		t.Errorf("anc should end at 0, got %s", got)
	}
	sum, _ := st.SumLedger(ctx, model.AssetPV, store.LedgerFilter{OwnerUserID: "anc"})
	if sum.Left.IsNegative() {
		t.Errorf("raw ledger went negative: %s", sum.Left)
	}

	details, _ := svc.GetAdjustmentBatchDetails(ctx, created.Batch.ID)
	var found bool
	for _, line := range details.Entries {
		if line.UserID == "anc" && line.AssetType == model.AssetPV {
			found = true
			if !line.Clamped || !line.Amount.Equal(d(-100)) || !line.AppliedAmount.Equal(d(-40)) {
				t.Errorf("unexpected clamped line %+v", line)
			}
		}
	}
	if !found {
		t.Error("missing audit line for anc")
	}
}

func TestManualCorrection_ReversesWeeklySettlement(t *testing.T) {
	svc, st, pvSvc := newTestEnv(t, nil)
	ctx := context.Background()
	const week = "2025-W11"

	err := st.InTx(ctx, func(tx store.Ops) error {
		if _, err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
			Asset: model.AssetPV, OwnerUserID: "l1", Side: model.SideLeft, Amount: d(100),
			Direction: model.Debit, SourceKind: model.SourceWeeklySettlement, SourceID: week,
		}); err != nil {
			return err
		}
		if _, err := tx.ApplyWalletTransaction(ctx, &model.WalletTransaction{
			UserID: "l1", Amount: d(30), Remark: model.RemarkPairBonus,
			SourceType: model.SourceTypeWeeklySettlement, SourceID: week,
		}); err != nil {
			return err
		}
		// The member spends most of the bonus.
		if _, err := tx.ApplyWalletTransaction(ctx, &model.WalletTransaction{
			UserID: "l1", Amount: d(-25), Remark: "withdrawal",
			SourceType: "withdrawal", SourceID: "w1",
		}); err != nil {
			return err
		}
		_, err := tx.EnqueuePendingBonus(ctx, &model.PendingBonus{
			UserID: "anc", Amount: d(3), Remark: model.RemarkMatchingBonus,
			SourceType: model.SourceTypeWeeklySettlement, SourceID: week,
			ReleaseAt: refundAt.Add(time.Hour),
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	created, err := svc.CreateManualCorrection(ctx, ManualCorrection{
		ReferenceType: model.ReferenceWeeklySettlement,
		ReferenceID:   week,
		Note:          "pair bonus paid on fraudulent orders",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Batch.ReasonType != model.ReasonManualCorrection {
		t.Errorf("expected manual_correction, got %s", created.Batch.ReasonType)
	}

	res, err := svc.FinalizeAdjustmentBatch(ctx, created.Batch.ID, "ops-2")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Reversed != 2 || res.Clamped != 1 || res.Cancelled != 1 {
		t.Errorf("unexpected result %+v", res)
	}

	if got := leftPV(t, pvSvc, "l1"); !got.Equal(d(100)) {
		t.Errorf("settlement deduction should be credited back, got %s", got)
	}
	if bal, _ := st.WalletBalance(ctx, "l1"); !bal.IsZero() {
		t.Errorf("wallet should be clawed back to 0, got %s", bal)
	}
	open, _ := st.ListPendingBonuses(ctx, store.PendingFilter{UserID: "anc", OpenOnly: true})
	if len(open) != 0 {
		t.Errorf("pending bonus should be cancelled, got %+v", open)
	}
}

func TestFinalize_FailureRollsBack(t *testing.T) {
	svc, st, pvSvc := newTestEnv(t, func(m *store.MemoryStore) store.Store {
		return &cancelFailStore{MemoryStore: m}
	})
	ctx := context.Background()

	if _, err := st.EnqueuePendingBonus(ctx, &model.PendingBonus{
		UserID: "l1", Amount: d(5), Remark: "order_bonus",
		SourceType: model.SourceTypeOrder, SourceID: "o1", ReleaseAt: refundAt,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	created, _ := svc.CreateRefundAdjustment(ctx, RefundRequest{ReferenceType: model.ReferenceOrder, ReferenceID: "o1"})
	res, err := svc.FinalizeAdjustmentBatch(ctx, created.Batch.ID, "")
	if !errors.Is(err, errCancel) || res.Status != model.OutcomeFailed {
		t.Fatalf("expected injected failure, got %+v %v", res, err)
	}

	if got := leftPV(t, pvSvc, "l1"); !got.Equal(d(100)) {
		t.Errorf("partial reversal leaked: l1 left %s", got)
	}
	details, _ := svc.GetAdjustmentBatchDetails(ctx, created.Batch.ID)
	if details.Batch.FinalizedAt != nil || len(details.Entries) != 0 {
		t.Errorf("batch must stay open with no lines, got %+v", details)
	}
}

var errCancel = errors.New("cancel failed")

type cancelFailStore struct{ *store.MemoryStore }

func (s *cancelFailStore) InTx(ctx context.Context, fn func(tx store.Ops) error) error {
	return s.MemoryStore.InTx(ctx, func(tx store.Ops) error {
		return fn(cancelFailOps{tx})
	})
}

type cancelFailOps struct{ store.Ops }

func (cancelFailOps) CancelPendingBonus(context.Context, string, string, time.Time) error {
	return errCancel
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestEnv(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  RefundRequest
		want error
	}{
		{"unknown reference type", RefundRequest{ReferenceType: "invoice", ReferenceID: "x"}, model.ErrValidation},
		{"missing reference id", RefundRequest{ReferenceType: model.ReferenceOrder}, model.ErrValidation},
		{"unknown reason", RefundRequest{ReferenceType: model.ReferenceOrder, ReferenceID: "o1", Reason: "goodwill"}, model.ErrValidation},
		{"bad week key", RefundRequest{ReferenceType: model.ReferenceWeeklySettlement, ReferenceID: "2025-11"}, model.ErrValidation},
		{"unknown order", RefundRequest{ReferenceType: model.ReferenceOrder, ReferenceID: "nope"}, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.CreateRefundAdjustment(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if res.Status != model.OutcomeFailed {
				t.Errorf("expected failed outcome, got %s", res.Status)
			}
		})
	}
}

func TestCreate_AfterFinalizeReason(t *testing.T) {
	svc, st, _ := newTestEnv(t, nil)
	ctx := context.Background()

	if err := st.CreateWeeklySettlement(ctx, &model.WeeklySettlement{WeekKey: "2025-W11", ConfigSnapshot: []byte(`{}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.FinalizeWeeklySettlement(ctx, "2025-W11", refundAt); err != nil {
		t.Fatalf("seed finalize: %v", err)
	}

	created, err := svc.CreateRefundAdjustment(ctx, RefundRequest{ReferenceType: model.ReferenceOrder, ReferenceID: "o1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Batch.ReasonType != model.ReasonRefundAfterFinalize {
		t.Errorf("expected refund_after_finalize, got %s", created.Batch.ReasonType)
	}
}

func TestCreate_RedeliveryReturnsOpenBatch(t *testing.T) {
	svc, _, _ := newTestEnv(t, nil)
	ctx := context.Background()
	req := RefundRequest{ReferenceType: model.ReferenceOrder, ReferenceID: "o1"}

	first, _ := svc.CreateRefundAdjustment(ctx, req)
	second, err := svc.CreateRefundAdjustment(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Status != model.OutcomeSkipped || second.Batch.ID != first.Batch.ID {
		t.Errorf("expected the open batch back, got %+v", second)
	}
}

func TestCreate_BatchKeyCollisionRetries(t *testing.T) {
	mem := store.NewMemoryStore()
	suffixes := []string{"AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
	svc := NewService(mem,
		WithClock(func() time.Time { return refundAt }),
		WithKeySuffix(func() string {
			s := suffixes[0]
			suffixes = suffixes[1:]
			return s
		}),
	)
	ctx := context.Background()

	first, err := svc.CreateManualCorrection(ctx, ManualCorrection{ReferenceType: model.ReferenceWeeklySettlement, ReferenceID: "2025-W10"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.CreateManualCorrection(ctx, ManualCorrection{ReferenceType: model.ReferenceWeeklySettlement, ReferenceID: "2025-W11"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Batch.BatchKey != "ADJ-20250313-AAAAAAAA" || second.Batch.BatchKey != "ADJ-20250313-BBBBBBBB" {
		t.Errorf("unexpected keys %s, %s", first.Batch.BatchKey, second.Batch.BatchKey)
	}
}

func TestReads_EmptyForMissing(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	ctx := context.Background()

	batches, err := svc.GetAdjustmentBatches(ctx, store.AdjustmentFilter{ReferenceID: "none"})
	if err != nil || batches == nil || len(batches) != 0 {
		t.Errorf("expected empty non-nil list, got %v %v", batches, err)
	}

	details, err := svc.GetAdjustmentBatchDetails(ctx, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if details.Batch != nil || details.Entries == nil || len(details.Entries) != 0 {
		t.Errorf("expected empty details, got %+v", details)
	}
}

func TestFinalize_UnknownBatch(t *testing.T) {
	svc := NewService(store.NewMemoryStore())

	_, err := svc.FinalizeAdjustmentBatch(context.Background(), "missing", "")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// lockLog records owner locks and the first write in each unit of work.
type lockLog struct {
	*store.MemoryStore
	calls []string
}

func (s *lockLog) InTx(ctx context.Context, fn func(tx store.Ops) error) error {
	return s.MemoryStore.InTx(ctx, func(tx store.Ops) error {
		return fn(lockLogOps{Ops: tx, log: s})
	})
}

type lockLogOps struct {
	store.Ops
	log *lockLog
}

func (o lockLogOps) LockOwner(ctx context.Context, userID string) error {
	o.log.calls = append(o.log.calls, "lock "+userID)
	return o.Ops.LockOwner(ctx, userID)
}

func (o lockLogOps) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) (bool, error) {
	o.log.calls = append(o.log.calls, "write")
	return o.Ops.InsertLedgerEntry(ctx, e)
}

func TestFinalize_LocksOwnersBeforeWriting(t *testing.T) {
	var log *lockLog
	svc, _, _ := newTestEnv(t, func(m *store.MemoryStore) store.Store {
		log = &lockLog{MemoryStore: m}
		return log
	})
	ctx := context.Background()

	created, _ := svc.CreateRefundAdjustment(ctx, RefundRequest{ReferenceType: model.ReferenceOrder, ReferenceID: "o1"})
	log.calls = nil
	if _, err := svc.FinalizeAdjustmentBatch(ctx, created.Batch.ID, ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	want := []string{"lock anc", "lock buyer", "lock l1", "write"}
	if len(log.calls) < len(want) {
		t.Fatalf("expected at least %v, got %v", want, log.calls)
	}
	for i, c := range want {
		if log.calls[i] != c {
			t.Fatalf("expected %v first, got %v", want, log.calls)
		}
	}
}
