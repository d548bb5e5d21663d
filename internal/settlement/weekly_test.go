package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/carryflash"
	"github.com/atmx/pv-engine/internal/lock"
	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/placement"
	"github.com/atmx/pv-engine/internal/pv"
	"github.com/atmx/pv-engine/internal/settings"
	"github.com/atmx/pv-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const week = "2025-W11"

var (
	purchaseAt = time.Date(2025, time.March, 12, 10, 0, 0, 0, time.UTC)
	settleAt   = time.Date(2025, time.March, 17, 9, 0, 0, 0, time.UTC)
)

func baseConfig() model.BonusConfig {
	return model.BonusConfig{
		PairUnitPrice:      d(0.01),
		PVPerPair:          d(100),
		MatchingRates:      []decimal.Decimal{d(0.10), d(0.05)},
		SalesPerPV:         d(1),
		PayoutRatio:        d(0.4),
		MinKFactor:         d(0.01),
		CarryFlashStrategy: string(carryflash.DeductPaid),
		StockistPoolRate:   d(0.01),
		LeaderPoolRate:     d(0.005),
		StockistPVPerShare: d(1000),
		MinStockistShares:  1,
	}
}

type env struct {
	st     store.Store
	mem    *store.MemoryStore
	tree   *placement.MapTree
	pv     *pv.Service
	svc    *Service
	locker *lock.MemoryLocker
}

// newEnv seeds a store over this placement tree:
//
//	top
//	└── L: anc
//	    ├── L: l1
//	    │   └── L: buyerL
//	    └── R: r1
//	        └── R: buyerR
func newEnv(t *testing.T, cfg model.BonusConfig, wrap func(*store.MemoryStore) store.Store) *env {
	t.Helper()
	mem := store.NewMemoryStore()
	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	tree := placement.NewMapTree(
		placement.Member{UserID: "top", Active: true},
		placement.Member{UserID: "anc", ParentID: "top", Side: model.SideLeft, Active: true},
		placement.Member{UserID: "l1", ParentID: "anc", Side: model.SideLeft, Active: true},
		placement.Member{UserID: "r1", ParentID: "anc", Side: model.SideRight, Active: true},
		placement.Member{UserID: "buyerL", ParentID: "l1", Side: model.SideLeft, Active: true},
		placement.Member{UserID: "buyerR", ParentID: "r1", Side: model.SideRight, Active: true},
	)
	pvSvc := pv.NewService(st, tree, pv.WithClock(func() time.Time { return purchaseAt }))
	locker := lock.NewMemoryLocker()
	svc := NewService(st, pvSvc, tree, tree, settings.Static(cfg), locker,
		WithWorkers(4),
		WithClock(func() time.Time { return settleAt }),
	)

	ctx := context.Background()
	for _, p := range []model.PurchaseCompleted{
		{OrderID: "o1", BuyerUserID: "buyerL", PointValue: d(1500), Quantity: 2},
		{OrderID: "o2", BuyerUserID: "buyerR", PointValue: d(1500), Quantity: 2},
	} {
		if _, err := pvSvc.CreditFromPurchase(ctx, p); err != nil {
			t.Fatalf("seed purchase %s: %v", p.OrderID, err)
		}
	}
	return &env{st: st, mem: mem, tree: tree, pv: pvSvc, svc: svc, locker: locker}
}

func (e *env) wallet(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	bal, err := e.st.WalletBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("wallet %s: %v", userID, err)
	}
	return bal
}

func (e *env) balance(t *testing.T, userID string) model.PVBalance {
	t.Helper()
	bal, err := e.pv.GetBalance(context.Background(), userID, true)
	if err != nil {
		t.Fatalf("balance %s: %v", userID, err)
	}
	return bal
}

func TestRunWeekly_PaysPairAndMatching(t *testing.T) {
	e := newEnv(t, baseConfig(), nil)
	ctx := context.Background()

	report, err := e.svc.RunWeekly(ctx, week, WeeklyOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.KFactor.Equal(d(1)) {
		t.Errorf("expected k=1, got %s", report.KFactor)
	}
	if !report.FixedSales.Equal(d(6000)) || !report.GlobalReserve.Equal(d(2400)) {
		t.Errorf("unexpected totals: sales=%s reserve=%s", report.FixedSales, report.GlobalReserve)
	}
	if !report.VariablePotential.Equal(d(33)) {
		t.Errorf("expected demand 33, got %s", report.VariablePotential)
	}
	if report.Settled != 6 || report.FinalizedAt == nil {
		t.Errorf("expected 6 settled and finalized, got %+v", report)
	}

	if got := e.wallet(t, "anc"); !got.Equal(d(30)) {
		t.Errorf("anc wallet: expected 30, got %s", got)
	}
	if got := e.wallet(t, "top"); !got.Equal(d(3)) {
		t.Errorf("top wallet: expected 3 matching, got %s", got)
	}

	sum, err := e.st.GetWeeklyUserSummary(ctx, week, "anc")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.PairCount != 30 || !sum.WeakPV.Equal(d(3000)) || !sum.PaidPV.Equal(d(3000)) {
		t.Errorf("unexpected anc summary %+v", sum)
	}
	if !sum.LeftPVAfter.IsZero() || !sum.RightPVAfter.IsZero() {
		t.Errorf("expected anc to end at 0/0, got %s/%s", sum.LeftPVAfter, sum.RightPVAfter)
	}

	if bal := e.balance(t, "anc"); !bal.TotalPV.IsZero() {
		t.Errorf("anc PV should be fully deducted, got %+v", bal)
	}
	if bal := e.balance(t, "top"); !bal.LeftPV.Equal(d(6000)) {
		t.Errorf("top keeps unmatched PV, got %+v", bal)
	}

	ws, _ := e.st.GetWeeklySettlement(ctx, week)
	if ws.State() != model.StateFinalized {
		t.Errorf("expected finalized, got %s", ws.State())
	}
}

func TestRunWeekly_KFactorScalesPayouts(t *testing.T) {
	cfg := baseConfig()
	cfg.PayoutRatio = d(0.0011) // reserve 6.60 against demand 33
	e := newEnv(t, cfg, nil)

	report, err := e.svc.RunWeekly(context.Background(), week, WeeklyOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.KFactor.Equal(d(0.2)) {
		t.Fatalf("expected k=0.2, got %s", report.KFactor)
	}
	if got := e.wallet(t, "anc"); !got.Equal(d(6)) {
		t.Errorf("anc wallet: expected 6, got %s", got)
	}
	if got := e.wallet(t, "top"); !got.Equal(d(0.6)) {
		t.Errorf("top wallet: expected 0.6, got %s", got)
	}

	sum, _ := e.st.GetWeeklyUserSummary(context.Background(), week, "anc")
	if !sum.PairBonusCapped.Equal(d(30)) || !sum.PairBonusPaid.Equal(d(6)) {
		t.Errorf("expected capped 30 paid 6, got %s/%s", sum.PairBonusCapped, sum.PairBonusPaid)
	}
}

func TestRunWeekly_Strategies(t *testing.T) {
	tests := []struct {
		strategy carryflash.Kind
		ancLeft  float64
		ancRight float64
		l1Left   float64
		topLeft  float64
	}{
		{carryflash.DeductPaid, 2000, 2000, 3000, 6000},
		{carryflash.DeductWeakSide, 0, 0, 3000, 6000},
		{carryflash.FlushAll, 0, 0, 0, 0},
		{carryflash.Disabled, 3000, 3000, 3000, 6000},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			cfg := baseConfig()
			cfg.WeeklyPairCap = d(10) // paid PV 1000 of weak 3000
			e := newEnv(t, cfg, nil)

			report, err := e.svc.RunWeekly(context.Background(), week, WeeklyOptions{Strategy: string(tt.strategy)})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if report.Strategy != string(tt.strategy) {
				t.Errorf("expected strategy %s, got %s", tt.strategy, report.Strategy)
			}

			anc := e.balance(t, "anc")
			if !anc.LeftPV.Equal(d(tt.ancLeft)) || !anc.RightPV.Equal(d(tt.ancRight)) {
				t.Errorf("anc: expected %v/%v, got %s/%s", tt.ancLeft, tt.ancRight, anc.LeftPV, anc.RightPV)
			}
			if got := e.balance(t, "l1").LeftPV; !got.Equal(d(tt.l1Left)) {
				t.Errorf("l1 left: expected %v, got %s", tt.l1Left, got)
			}
			if got := e.balance(t, "top").LeftPV; !got.Equal(d(tt.topLeft)) {
				t.Errorf("top left: expected %v, got %s", tt.topLeft, got)
			}
			if got := e.wallet(t, "anc"); !got.Equal(d(10)) {
				t.Errorf("anc wallet: expected capped 10, got %s", got)
			}
		})
	}
}

func TestRunWeekly_UnknownStrategy(t *testing.T) {
	e := newEnv(t, baseConfig(), nil)

	_, err := e.svc.RunWeekly(context.Background(), week, WeeklyOptions{Strategy: "keep_half"})
	if !errors.Is(err, carryflash.ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
	if ws, _ := e.st.GetWeeklySettlement(context.Background(), week); ws != nil {
		t.Error("no settlement row should be created")
	}
}

func TestRunWeekly_InvalidWeek(t *testing.T) {
	e := newEnv(t, baseConfig(), nil)

	if _, err := e.svc.RunWeekly(context.Background(), "2025-11", WeeklyOptions{}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRunWeekly_AlreadySettled(t *testing.T) {
	e := newEnv(t, baseConfig(), nil)
	ctx := context.Background()

	if _, err := e.svc.RunWeekly(ctx, week, WeeklyOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, err := e.svc.RunWeekly(ctx, week, WeeklyOptions{})
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if !errors.Is(err, model.ErrDuplicateOperation) {
		t.Error("ErrAlreadySettled should classify as a duplicate operation")
	}
	if got := e.wallet(t, "anc"); !got.Equal(d(30)) {
		t.Errorf("second run must not pay again, wallet %s", got)
	}
}

func TestRunWeekly_LockHeld(t *testing.T) {
	e := newEnv(t, baseConfig(), nil)
	ctx := context.Background()

	release, err := e.locker.Acquire(ctx, "settlement:weekly:"+week, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := e.svc.RunWeekly(ctx, week, WeeklyOptions{}); !errors.Is(err, ErrDuplicateSettlement) {
		t.Fatalf("expected ErrDuplicateSettlement, got %v", err)
	}
	release()

	if _, err := e.svc.RunWeekly(ctx, week, WeeklyOptions{}); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func TestRunWeekly_ConcurrentRunsPayOnce(t *testing.T) {
	e := newEnv(t, baseConfig(), nil)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dups int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.RunWeekly(ctx, week, WeeklyOptions{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrDuplicateOperation):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || dups != 4 {
		t.Errorf("expected 1 success and 4 duplicates, got %d/%d", ok, dups)
	}
	if got := e.wallet(t, "anc"); !got.Equal(d(30)) {
		t.Errorf("anc wallet: expected 30, got %s", got)
	}
}

func TestRunWeekly_HoldQueuesPendingBonus(t *testing.T) {
	cfg := baseConfig()
	cfg.BonusHoldHours = 24
	e := newEnv(t, cfg, nil)
	ctx := context.Background()

	if _, err := e.svc.RunWeekly(ctx, week, WeeklyOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := e.wallet(t, "anc"); !got.IsZero() {
		t.Errorf("held bonus must not reach the wallet, got %s", got)
	}

	pending, _ := e.st.ListPendingBonuses(ctx, store.PendingFilter{UserID: "anc", OpenOnly: true})
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending bonus, got %d", len(pending))
	}
	p := pending[0]
	if p.Remark != model.RemarkPairBonus || !p.Amount.Equal(d(30)) || !p.ReleaseAt.Equal(settleAt.Add(24*time.Hour)) {
		t.Errorf("unexpected pending bonus %+v", p)
	}
}

// flakyStore fails summary writes for one user until healed.
type flakyStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	failID string
}

func (f *flakyStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failID = ""
}

func (f *flakyStore) failing(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failID != "" && f.failID == userID
}

func (f *flakyStore) InTx(ctx context.Context, fn func(tx store.Ops) error) error {
	return f.MemoryStore.InTx(ctx, func(tx store.Ops) error {
		return fn(flakyOps{Ops: tx, f: f})
	})
}

type flakyOps struct {
	store.Ops
	f *flakyStore
}

var errInjected = errors.New("injected failure")

func (o flakyOps) ApplyWalletTransaction(ctx context.Context, t *model.WalletTransaction) (bool, error) {
	if o.f.failing(t.UserID) {
		return false, errInjected
	}
	return o.Ops.ApplyWalletTransaction(ctx, t)
}

func TestRunWeekly_PartialFailureResumes(t *testing.T) {
	var flaky *flakyStore
	e := newEnv(t, baseConfig(), func(m *store.MemoryStore) store.Store {
		flaky = &flakyStore{MemoryStore: m, failID: "anc"}
		return flaky
	})
	ctx := context.Background()

	report, err := e.svc.RunWeekly(ctx, week, WeeklyOptions{})
	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	if len(batchErr.Failures) != 1 || batchErr.Failures[0].UserID != "anc" {
		t.Fatalf("expected anc to fail, got %+v", batchErr.Failures)
	}
	if !errors.Is(err, errInjected) {
		t.Error("BatchError should unwrap to the user's error")
	}
	if report.Settled != 5 || report.FinalizedAt != nil {
		t.Errorf("unexpected first report %+v", report)
	}

	// Nothing of anc's unit of work survives.
	if got := e.wallet(t, "anc"); !got.IsZero() {
		t.Errorf("anc wallet should be untouched, got %s", got)
	}
	if bal := e.balance(t, "anc"); !bal.LeftPV.Equal(d(3000)) {
		t.Errorf("anc PV should be untouched, got %+v", bal)
	}
	if ws, _ := e.st.GetWeeklySettlement(ctx, week); ws.State() != model.StateInProgress {
		t.Fatalf("expected in-progress week, got %s", ws.State())
	}

	flaky.heal()
	report, err = e.svc.RunWeekly(ctx, week, WeeklyOptions{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !report.Resumed || report.Settled != 1 || report.AlreadySettled != 5 {
		t.Errorf("unexpected resume report %+v", report)
	}
	if got := e.wallet(t, "anc"); !got.Equal(d(30)) {
		t.Errorf("anc wallet: expected 30, got %s", got)
	}
	if got := e.wallet(t, "top"); !got.Equal(d(3)) {
		t.Errorf("top must be paid once, got %s", got)
	}
}

func TestRunWeekly_ResumeKeepsSnapshot(t *testing.T) {
	var flaky *flakyStore
	e := newEnv(t, baseConfig(), func(m *store.MemoryStore) store.Store {
		flaky = &flakyStore{MemoryStore: m, failID: "anc"}
		return flaky
	})
	ctx := context.Background()

	if _, err := e.svc.RunWeekly(ctx, week, WeeklyOptions{Strategy: string(carryflash.FlushAll)}); err == nil {
		t.Fatal("expected partial failure")
	}
	flaky.heal()

	report, err := e.svc.RunWeekly(ctx, week, WeeklyOptions{Strategy: string(carryflash.Disabled)})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if report.Strategy != string(carryflash.FlushAll) {
		t.Errorf("resumed run must keep its strategy, got %s", report.Strategy)
	}
	if bal := e.balance(t, "anc"); !bal.TotalPV.IsZero() {
		t.Errorf("anc should be flushed, got %+v", bal)
	}
}

// creditDuringRun credits an order through the unwrapped store the first
// time a settlement unit of work starts, and logs owner locks and writes.
type creditDuringRun struct {
	*store.MemoryStore
	once   sync.Once
	credit func()

	mu    sync.Mutex
	calls map[string][]string
}

func (c *creditDuringRun) InTx(ctx context.Context, fn func(tx store.Ops) error) error {
	if c.credit != nil {
		c.once.Do(c.credit)
	}
	return c.MemoryStore.InTx(ctx, func(tx store.Ops) error {
		return fn(&lockCheckOps{Ops: tx, c: c})
	})
}

func (c *creditDuringRun) record(userID, call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[userID] = append(c.calls[userID], call)
}

type lockCheckOps struct {
	store.Ops
	c      *creditDuringRun
	locked string
}

func (o *lockCheckOps) LockOwner(ctx context.Context, userID string) error {
	o.locked = userID
	o.c.record(userID, "lock")
	return o.Ops.LockOwner(ctx, userID)
}

func (o *lockCheckOps) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) (bool, error) {
	if e.OwnerUserID != o.locked {
		o.c.record(e.OwnerUserID, "unlocked write")
	}
	return o.Ops.InsertLedgerEntry(ctx, e)
}

func TestRunWeekly_KeepsPVCreditedDuringRun(t *testing.T) {
	nextWeek := time.Date(2025, time.March, 17, 8, 0, 0, 0, time.UTC) // 2025-W12

	for _, strategy := range []carryflash.Kind{carryflash.DeductPaid, carryflash.FlushAll} {
		t.Run(string(strategy), func(t *testing.T) {
			var wrapped *creditDuringRun
			e := newEnv(t, baseConfig(), func(m *store.MemoryStore) store.Store {
				wrapped = &creditDuringRun{MemoryStore: m, calls: map[string][]string{}}
				return wrapped
			})
			wrapped.calls = map[string][]string{}
			late := pv.NewService(e.mem, e.tree, pv.WithClock(func() time.Time { return nextWeek }))
			wrapped.credit = func() {
				_, err := late.CreditFromPurchase(context.Background(), model.PurchaseCompleted{
					OrderID: "o-next-week", BuyerUserID: "buyerL", PointValue: d(500), Quantity: 1,
				})
				if err != nil {
					t.Errorf("credit during run: %v", err)
				}
			}

			if _, err := e.svc.RunWeekly(context.Background(), week, WeeklyOptions{Strategy: string(strategy)}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			anc := e.balance(t, "anc")
			if !anc.LeftPV.Equal(d(500)) || !anc.RightPV.IsZero() {
				t.Errorf("anc: expected 500/0 from the new order, got %s/%s", anc.LeftPV, anc.RightPV)
			}
			sum, _ := e.st.GetWeeklyUserSummary(context.Background(), week, "anc")
			if !sum.LeftPVBefore.Equal(d(3500)) || !sum.LeftPVAfter.Equal(d(500)) {
				t.Errorf("anc summary should reflect the balance it settled: %s -> %s", sum.LeftPVBefore, sum.LeftPVAfter)
			}
			if got := e.wallet(t, "anc"); !got.Equal(d(30)) {
				t.Errorf("anc wallet: expected 30, got %s", got)
			}

			for user, calls := range wrapped.calls {
				if len(calls) == 0 || calls[0] != "lock" {
					t.Errorf("%s: expected a lock first, got %v", user, calls)
				}
				for _, c := range calls {
					if c == "unlocked write" {
						t.Errorf("%s: ledger write without its owner lock", user)
					}
				}
			}
			if len(wrapped.calls) != 6 {
				t.Errorf("expected every active user to be locked, got %v", wrapped.calls)
			}
		})
	}
}
