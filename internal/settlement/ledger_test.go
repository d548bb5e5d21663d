package settlement

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/adjustment"
	"github.com/atmx/pv-engine/internal/carryflash"
	"github.com/atmx/pv-engine/internal/lock"
	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/period"
	"github.com/atmx/pv-engine/internal/placement"
	"github.com/atmx/pv-engine/internal/pv"
	"github.com/atmx/pv-engine/internal/settings"
	"github.com/atmx/pv-engine/internal/store"
)

var allUsers = []string{"top", "anc", "l1", "r1", "buyerL", "buyerR"}

// world wires every service over one store and one movable clock.
type world struct {
	st  *store.MemoryStore
	now time.Time
	pv  *pv.Service
	svc *Service
	adj *adjustment.Service
}

func newWorld(cfg model.BonusConfig) *world {
	w := &world{st: store.NewMemoryStore()}
	tree := placement.NewMapTree(
		placement.Member{UserID: "top", Active: true},
		placement.Member{UserID: "anc", ParentID: "top", Side: model.SideLeft, Active: true},
		placement.Member{UserID: "l1", ParentID: "anc", Side: model.SideLeft, Active: true},
		placement.Member{UserID: "r1", ParentID: "anc", Side: model.SideRight, Active: true},
		placement.Member{UserID: "buyerL", ParentID: "l1", Side: model.SideLeft, Active: true},
		placement.Member{UserID: "buyerR", ParentID: "r1", Side: model.SideRight, Active: true},
	)
	clock := func() time.Time { return w.now }
	w.pv = pv.NewService(w.st, tree, pv.WithClock(clock), pv.WithPointsPerPV(d(1)))
	w.svc = NewService(w.st, w.pv, tree, tree, settings.Static(cfg), lock.NewMemoryLocker(),
		WithWorkers(3),
		WithClock(clock),
	)
	w.adj = adjustment.NewService(w.st, adjustment.WithClock(clock))
	return w
}

func (w *world) buy(t *testing.T, orderID, buyer string, pointValue float64, qty int64) {
	t.Helper()
	_, err := w.pv.CreditFromPurchase(context.Background(), model.PurchaseCompleted{
		OrderID: orderID, BuyerUserID: buyer, PointValue: d(pointValue), Quantity: qty,
	})
	if err != nil {
		t.Fatalf("purchase %s: %v", orderID, err)
	}
}

func (w *world) reverse(t *testing.T, refType model.ReferenceType, refID string) {
	t.Helper()
	ctx := context.Background()
	var (
		created adjustment.CreateResult
		err     error
	)
	if refType == model.ReferenceOrder {
		created, err = w.adj.CreateRefundAdjustment(ctx, adjustment.RefundRequest{ReferenceType: refType, ReferenceID: refID})
	} else {
		created, err = w.adj.CreateManualCorrection(ctx, adjustment.ManualCorrection{ReferenceType: refType, ReferenceID: refID})
	}
	if err != nil || created.Batch == nil {
		t.Fatalf("open batch for %s %s: %+v %v", refType, refID, created, err)
	}
	if _, err := w.adj.FinalizeAdjustmentBatch(ctx, created.Batch.ID, "ops"); err != nil {
		t.Fatalf("finalize batch for %s %s: %v", refType, refID, err)
	}
}

func (w *world) weakPV(t *testing.T, weekKey string) map[string]decimal.Decimal {
	t.Helper()
	out := make(map[string]decimal.Decimal, len(allUsers))
	for _, u := range allUsers {
		weak, err := w.pv.GetWeeklyNewWeakPV(context.Background(), u, weekKey)
		if err != nil {
			t.Fatalf("weak pv %s: %v", u, err)
		}
		out[u] = weak
	}
	return out
}

// checkLedgers asserts no balance goes negative, even before the read
// floor, and every audit line is the exact negation of its original.
func (w *world) checkLedgers(t *testing.T, when string) {
	t.Helper()
	ctx := context.Background()

	for _, u := range allUsers {
		bal, err := w.pv.GetBalance(ctx, u, true)
		if err != nil {
			t.Fatalf("%s: balance %s: %v", when, u, err)
		}
		if bal.LeftPV.IsNegative() || bal.RightPV.IsNegative() {
			t.Fatalf("%s: %s balance negative: %+v", when, u, bal)
		}
		raw, _ := w.st.SumLedger(ctx, model.AssetPV, store.LedgerFilter{OwnerUserID: u})
		if raw.Left.IsNegative() || raw.Right.IsNegative() {
			t.Fatalf("%s: %s raw PV ledger negative: %s/%s", when, u, raw.Left, raw.Right)
		}
		points, _ := w.st.SumLedger(ctx, model.AssetPoints, store.LedgerFilter{OwnerUserID: u})
		if points.Unsided.IsNegative() {
			t.Fatalf("%s: %s raw points ledger negative: %s", when, u, points.Unsided)
		}
		if wallet, _ := w.st.WalletBalance(ctx, u); wallet.IsNegative() {
			t.Fatalf("%s: %s wallet negative: %s", when, u, wallet)
		}
	}

	originals := map[string]decimal.Decimal{}
	for _, asset := range []model.Asset{model.AssetPV, model.AssetPoints} {
		entries, _ := w.st.ListLedgerEntries(ctx, asset, store.LedgerFilter{})
		for _, e := range entries {
			originals[e.ID] = e.Signed()
		}
	}
	txs, _ := w.st.ListWalletTransactions(ctx, store.WalletFilter{})
	for _, tx := range txs {
		originals[tx.ID] = tx.Amount
	}

	batches, _ := w.st.ListAdjustmentBatches(ctx, store.AdjustmentFilter{})
	for _, b := range batches {
		lines, _ := w.st.ListAdjustmentEntries(ctx, b.ID)
		for _, line := range lines {
			orig, ok := originals[line.ReversalOfID]
			if !ok {
				t.Fatalf("%s: audit line %s reverses unknown row %s", when, line.ID, line.ReversalOfID)
			}
			if !line.Amount.Equal(orig.Neg()) {
				t.Fatalf("%s: audit line amount %s is not the negation of %s", when, line.Amount, orig)
			}
			applied := line.AppliedAmount
			if applied.Abs().GreaterThan(line.Amount.Abs()) ||
				(!applied.IsZero() && applied.Sign() != line.Amount.Sign()) {
				t.Fatalf("%s: applied %s exceeds requested %s", when, applied, line.Amount)
			}
		}
	}
}

// checkCarry asserts each settled user ended the week exactly where the
// strategy puts them, measured from the balance the summary recorded.
func (w *world) checkCarry(t *testing.T, weekKey string, strategy carryflash.Kind) {
	t.Helper()
	ctx := context.Background()
	sums, _ := w.st.ListWeeklyUserSummaries(ctx, []string{weekKey})
	if len(sums) != len(allUsers) {
		t.Fatalf("%s: expected %d summaries, got %d", weekKey, len(allUsers), len(sums))
	}
	for _, s := range sums {
		var left, right decimal.Decimal
		switch strategy {
		case carryflash.DeductPaid:
			left, right = s.LeftPVBefore.Sub(s.PaidPV), s.RightPVBefore.Sub(s.PaidPV)
		case carryflash.DeductWeakSide:
			left, right = s.LeftPVBefore.Sub(s.WeakPV), s.RightPVBefore.Sub(s.WeakPV)
		case carryflash.FlushAll:
		case carryflash.Disabled:
			left, right = s.LeftPVBefore, s.RightPVBefore
		}
		left, right = model.ClampNonNegative(left), model.ClampNonNegative(right)
		if !s.LeftPVAfter.Equal(left) || !s.RightPVAfter.Equal(right) {
			t.Fatalf("%s %s %s: expected %s/%s, summary says %s/%s",
				weekKey, strategy, s.UserID, left, right, s.LeftPVAfter, s.RightPVAfter)
		}
		bal, _ := w.pv.GetBalance(ctx, s.UserID, true)
		if !bal.LeftPV.Equal(left) || !bal.RightPV.Equal(right) {
			t.Fatalf("%s %s %s: expected balance %s/%s, got %s/%s",
				weekKey, strategy, s.UserID, left, right, bal.LeftPV, bal.RightPV)
		}
	}
}

func TestCorrectingSettledWeek_KeepsNextWeekVolume(t *testing.T) {
	w := newWorld(baseConfig())
	ctx := context.Background()

	w.now = purchaseAt
	w.buy(t, "o1", "buyerL", 1000, 1)
	w.buy(t, "o2", "buyerR", 1000, 1)

	w.now = settleAt
	if _, err := w.svc.RunWeekly(ctx, "2025-W11", WeeklyOptions{Strategy: string(carryflash.Disabled)}); err != nil {
		t.Fatalf("settle W11: %v", err)
	}

	w.now = time.Date(2025, time.March, 19, 10, 0, 0, 0, time.UTC) // 2025-W12
	w.buy(t, "n1", "buyerL", 1000, 1)
	w.buy(t, "n2", "buyerR", 1000, 1)

	before := w.weakPV(t, "2025-W12")
	if !before["anc"].Equal(d(1000)) {
		t.Fatalf("expected anc W12 weak 1000, got %s", before["anc"])
	}

	w.reverse(t, model.ReferenceWeeklySettlement, "2025-W11")

	after := w.weakPV(t, "2025-W12")
	for _, u := range allUsers {
		if !after[u].Equal(before[u]) {
			t.Errorf("%s: correcting W11 changed W12 weak PV from %s to %s", u, before[u], after[u])
		}
	}

	// Refunding a W12 order does claw back W12 volume.
	w.reverse(t, model.ReferenceOrder, "n2")
	if got := w.weakPV(t, "2025-W12")["anc"]; !got.IsZero() {
		t.Errorf("expected the refund to zero anc's W12 weak PV, got %s", got)
	}
	w.checkLedgers(t, "after corrections")
}

func TestLedger_RandomSequencesStayConsistent(t *testing.T) {
	buyers := []string{"anc", "l1", "r1", "buyerL", "buyerR"}
	firstMonday := time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC) // 2025-W10

	for seed := uint64(1); seed <= 16; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			r := rand.New(rand.NewPCG(seed, 0x5eed))
			cfg := baseConfig()
			if r.IntN(2) == 0 {
				cfg.WeeklyPairCap = d(float64(5 + r.IntN(40)))
			}
			w := newWorld(cfg)
			ctx := context.Background()

			var (
				orders    []string
				refunded  = map[string]bool{}
				settled   []string
				corrected = map[string]bool{}
			)
			for i := 0; i < 8; i++ {
				monday := firstMonday.AddDate(0, 0, 7*i)
				weekKey := period.WeekOf(monday).Key

				for step := 0; step < 6; step++ {
					w.now = monday.Add(time.Duration(10+step*20) * time.Hour)
					switch op := r.IntN(10); {
					case op < 6:
						id := fmt.Sprintf("o%d-%d", i, step)
						w.buy(t, id, buyers[r.IntN(len(buyers))], float64(1+r.IntN(2000)), int64(1+r.IntN(3)))
						orders = append(orders, id)
					case op < 8 && len(orders) > 0:
						id := orders[r.IntN(len(orders))]
						if refunded[id] {
							continue
						}
						refunded[id] = true
						w.reverse(t, model.ReferenceOrder, id)
					case len(settled) > 0:
						key := settled[r.IntN(len(settled))]
						if corrected[key] {
							continue
						}
						corrected[key] = true
						weakBefore := w.weakPV(t, weekKey)
						w.reverse(t, model.ReferenceWeeklySettlement, key)
						weakAfter := w.weakPV(t, weekKey)
						for _, u := range allUsers {
							if !weakAfter[u].Equal(weakBefore[u]) {
								t.Fatalf("correcting %s moved %s weak PV in %s: %s -> %s",
									key, u, weekKey, weakBefore[u], weakAfter[u])
							}
						}
					}
					w.checkLedgers(t, fmt.Sprintf("%s step %d", weekKey, step))
				}

				strategy := carryflash.Kinds()[(int(seed)+i)%len(carryflash.Kinds())]
				w.now = monday.AddDate(0, 0, 7).Add(9 * time.Hour)
				if _, err := w.svc.RunWeekly(ctx, weekKey, WeeklyOptions{Strategy: string(strategy)}); err != nil {
					t.Fatalf("settle %s with %s: %v", weekKey, strategy, err)
				}
				settled = append(settled, weekKey)
				w.checkCarry(t, weekKey, strategy)
				w.checkLedgers(t, "after settling "+weekKey)
			}
		})
	}
}
