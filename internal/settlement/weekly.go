package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/pv-engine/internal/carryflash"
	"github.com/atmx/pv-engine/internal/metrics"
	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/period"
	"github.com/atmx/pv-engine/internal/placement"
	"github.com/atmx/pv-engine/internal/store"
	"github.com/atmx/pv-engine/internal/throttle"
)

// WeeklyOptions tunes one weekly run.
type WeeklyOptions struct {
	// Strategy overrides the configured carry-flash strategy for a new
	// run. A resumed run always keeps the strategy it started with.
	Strategy string
}

// WeeklyReport summarizes a weekly run.
type WeeklyReport struct {
	WeekKey           string          `json:"week_key"`
	Strategy          string          `json:"strategy"`
	Resumed           bool            `json:"resumed"`
	KFactor           decimal.Decimal `json:"k_factor"`
	TotalPV           decimal.Decimal `json:"total_pv"`
	FixedSales        decimal.Decimal `json:"fixed_sales"`
	GlobalReserve     decimal.Decimal `json:"global_reserve"`
	VariablePotential decimal.Decimal `json:"variable_potential"`
	Users             int             `json:"users"`
	Settled           int             `json:"settled"`
	AlreadySettled    int             `json:"already_settled"`
	Failed            int             `json:"failed"`
	FinalizedAt       *time.Time      `json:"finalized_at,omitempty"`
}

// userAgg is the aggregate-phase result for one user.
type userAgg struct {
	userID      string
	balance     model.PVBalance
	weak        decimal.Decimal
	theoretical decimal.Decimal
	capped      decimal.Decimal
	capAmount   decimal.Decimal
	pairCount   int64
	paidPV      decimal.Decimal
	uplines     []placement.Ancestor
	matching    decimal.Decimal
}

// RunWeekly settles one ISO week.
func (s *Service) RunWeekly(ctx context.Context, weekKey string, opts WeeklyOptions) (*WeeklyReport, error) {
	start := time.Now()
	report, err := s.runWeekly(ctx, weekKey, opts)

	outcome := "success"
	var batchErr *BatchError
	switch {
	case errors.As(err, &batchErr):
		outcome = "partial"
	case errors.Is(err, model.ErrDuplicateOperation):
		outcome = "duplicate"
	case err != nil:
		outcome = "error"
	}
	metrics.SettlementRuns.WithLabelValues("weekly", outcome).Inc()
	metrics.SettlementDuration.WithLabelValues("weekly").Observe(time.Since(start).Seconds())
	return report, err
}

func (s *Service) runWeekly(ctx context.Context, weekKey string, opts WeeklyOptions) (*WeeklyReport, error) {
	week, err := period.ParseWeek(weekKey)
	if err != nil {
		return nil, err
	}
	if opts.Strategy != "" {
		if _, err := carryflash.New(opts.Strategy); err != nil {
			return nil, err
		}
	}

	release, err := s.acquire(ctx, "settlement:weekly:"+weekKey)
	if err != nil {
		return nil, err
	}
	defer release()

	// --- Load or start the batch ---
	existing, err := s.store.GetWeeklySettlement(ctx, weekKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing.State() == model.StateFinalized {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySettled, weekKey)
	}

	var cfg model.BonusConfig
	if existing != nil {
		if cfg, err = decodeSnapshot(existing.ConfigSnapshot); err != nil {
			return nil, err
		}
		if opts.Strategy != "" && opts.Strategy != cfg.CarryFlashStrategy {
			slog.Warn("strategy override ignored on resumed run",
				"week", weekKey, "requested", opts.Strategy, "snapshot", cfg.CarryFlashStrategy)
		}
	} else {
		if cfg, err = s.settings.Current(ctx); err != nil {
			return nil, err
		}
		if opts.Strategy != "" {
			cfg.CarryFlashStrategy = opts.Strategy
		}
	}
	engine, err := carryflash.NewEngine(cfg.CarryFlashStrategy)
	if err != nil {
		return nil, err
	}

	// --- Aggregate phase: no writes until every user is computed ---
	aggs, err := s.aggregateWeek(ctx, weekKey, cfg)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", weekKey, err)
	}

	report := &WeeklyReport{
		WeekKey:  weekKey,
		Strategy: cfg.CarryFlashStrategy,
		Users:    len(aggs),
	}
	for _, a := range aggs {
		report.TotalPV = report.TotalPV.Add(a.weak)
		report.VariablePotential = report.VariablePotential.Add(a.capped).Add(a.matching)
	}

	if existing != nil {
		report.Resumed = true
		report.KFactor = existing.KFactor
		report.FixedSales = existing.FixedSales
		report.GlobalReserve = existing.GlobalReserve
		slog.Info("resuming weekly settlement", "week", weekKey, "k_factor", existing.KFactor.String())
	} else {
		volume, err := s.store.SumPurchaseVolume(ctx, week.Start, week.End)
		if err != nil {
			return nil, err
		}
		report.FixedSales = volume.Mul(cfg.SalesPerPV).RoundDown(model.MoneyScale)
		report.GlobalReserve = report.FixedSales.Mul(cfg.PayoutRatio).RoundDown(model.MoneyScale)
		report.KFactor = throttle.New(cfg).KFactor(report.GlobalReserve, report.VariablePotential)

		snapshot, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		err = s.store.CreateWeeklySettlement(ctx, &model.WeeklySettlement{
			WeekKey:           weekKey,
			TotalPV:           report.TotalPV,
			FixedSales:        report.FixedSales,
			GlobalReserve:     report.GlobalReserve,
			VariablePotential: report.VariablePotential,
			KFactor:           report.KFactor,
			UserCount:         len(aggs),
			ConfigSnapshot:    snapshot,
			StartedAt:         s.now(),
		})
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSettlement, weekKey)
		}
		if err != nil {
			return nil, err
		}
		slog.Info("weekly settlement started",
			"week", weekKey,
			"users", len(aggs),
			"total_pv", report.TotalPV.String(),
			"reserve", report.GlobalReserve.String(),
			"demand", report.VariablePotential.String(),
			"k_factor", report.KFactor.String(),
			"strategy", cfg.CarryFlashStrategy,
		)
	}
	kf, _ := report.KFactor.Float64()
	metrics.KFactor.Set(kf)

	// --- Allocation phase ---
	summaries := make([]model.WeeklyUserSummary, len(aggs))
	for i, a := range aggs {
		summaries[i] = s.buildSummary(weekKey, cfg, report.KFactor, a)
	}
	targets := engine.ApplyBatch(weekKey, summaries)

	var (
		mu       sync.Mutex
		failures []UserFailure
	)
	for userID, err := range targets.Errors {
		failures = append(failures, failure(userID, err))
	}

	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for i := range summaries {
		sum := summaries[i]
		target, ok := targets.Results[sum.UserID]
		if !ok {
			continue
		}
		g.Go(func() error {
			done, err := s.settleUser(ctx, cfg, sum, target)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failures = append(failures, failure(sum.UserID, err))
			case done:
				report.Settled++
			default:
				report.AlreadySettled++
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		report.Failed = len(failures)
		metrics.SettlementUserFailures.WithLabelValues("weekly").Add(float64(len(failures)))
		for _, f := range failures {
			slog.Error("weekly settlement user failed", "week", weekKey, "user_id", f.UserID, "err", f.Error)
		}
		return report, &BatchError{Kind: "weekly", Key: weekKey, Failures: failures}
	}

	// --- Finalize ---
	at := s.now()
	if err := s.store.FinalizeWeeklySettlement(ctx, weekKey, at); err != nil {
		if errors.Is(err, store.ErrAlreadyFinalized) {
			return report, fmt.Errorf("%w: %s finalized concurrently", ErrDuplicateSettlement, weekKey)
		}
		return report, err
	}
	report.FinalizedAt = &at

	slog.Info("weekly settlement finalized",
		"week", weekKey,
		"settled", report.Settled,
		"already_settled", report.AlreadySettled,
		"k_factor", report.KFactor.String(),
	)
	s.publisher.Publish(model.Event{
		Type:   model.EventWeeklyFinalized,
		Key:    weekKey,
		Amount: report.VariablePotential.Mul(report.KFactor).RoundDown(model.MoneyScale),
		At:     at,
	})
	return report, nil
}

// aggregateWeek reads every active user's weekly volume and balances in
// parallel, then distributes matching bonuses up the chain.
func (s *Service) aggregateWeek(ctx context.Context, weekKey string, cfg model.BonusConfig) ([]userAgg, error) {
	users, err := s.dir.ActiveUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	th := throttle.New(cfg)
	levels := len(cfg.MatchingRates)

	aggs := make([]userAgg, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, userID := range users {
		g.Go(func() error {
			a := userAgg{userID: userID}

			var err error
			if a.weak, err = s.pv.GetWeeklyNewWeakPV(gctx, userID, weekKey); err != nil {
				return err
			}
			if a.balance, err = s.pv.GetBalance(gctx, userID, true); err != nil {
				return err
			}

			a.theoretical = a.weak.Mul(cfg.PairUnitPrice).RoundDown(model.MoneyScale)
			a.capped, a.capAmount = th.CapPairBonus(a.theoretical)
			if cfg.PVPerPair.IsPositive() {
				a.pairCount = a.weak.Div(cfg.PVPerPair).Floor().IntPart()
			}
			if cfg.PairUnitPrice.IsPositive() {
				a.paidPV = a.capped.Div(cfg.PairUnitPrice).Truncate(model.PVScale)
			}

			if levels > 0 && a.capped.IsPositive() {
				if a.uplines, err = s.tree.Ancestors(gctx, userID, levels); err != nil {
					return fmt.Errorf("uplines of %s: %w", userID, err)
				}
			}
			aggs[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(aggs))
	for i, a := range aggs {
		index[a.userID] = i
	}
	for _, a := range aggs {
		for _, up := range a.uplines {
			j, active := index[up.UserID]
			if !active || up.Level < 1 || up.Level > levels {
				continue
			}
			aggs[j].matching = aggs[j].matching.Add(a.capped.Mul(cfg.MatchingRates[up.Level-1]))
		}
	}
	for i := range aggs {
		aggs[i].matching = aggs[i].matching.RoundDown(model.MoneyScale)
	}
	return aggs, nil
}

func (s *Service) buildSummary(weekKey string, cfg model.BonusConfig, k decimal.Decimal, a userAgg) model.WeeklyUserSummary {
	return model.WeeklyUserSummary{
		WeekKey:                  weekKey,
		UserID:                   a.userID,
		LeftPVBefore:             a.balance.LeftPV,
		RightPVBefore:            a.balance.RightPV,
		WeakPV:                   a.weak,
		PaidPV:                   a.paidPV,
		PairCount:                a.pairCount,
		PairBonusTheoretical:     a.theoretical,
		PairBonusCapped:          a.capped,
		PairBonusPaid:            throttle.Pay(a.capped, k),
		MatchingBonusTheoretical: a.matching,
		MatchingBonusPaid:        throttle.Pay(a.matching, k),
		CapAmount:                a.capAmount,
		CapUsed:                  a.capped,
		Strategy:                 cfg.CarryFlashStrategy,
	}
}

// settleUser writes one user's outcome as a single unit of work. It
// returns false when the user was already settled by an earlier attempt.
//
// The strategy's target was computed from balances read before any write.
// What it removes per side is applied to the balance read inside the unit
// of work, so PV credited since the aggregate phase is kept.
func (s *Service) settleUser(ctx context.Context, cfg model.BonusConfig, sum model.WeeklyUserSummary, target carryflash.Result) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	at := s.now()
	sum.CreatedAt = at
	removeLeft, removeRight := target.Removal(sum)

	payouts := []payout{
		{userID: sum.UserID, amount: sum.PairBonusPaid, remark: model.RemarkPairBonus,
			sourceType: model.SourceTypeWeeklySettlement, sourceID: sum.WeekKey},
		{userID: sum.UserID, amount: sum.MatchingBonusPaid, remark: model.RemarkMatchingBonus,
			sourceType: model.SourceTypeWeeklySettlement, sourceID: sum.WeekKey},
	}

	done := false
	err := s.store.InTx(ctx, func(tx store.Ops) error {
		if err := tx.LockOwner(ctx, sum.UserID); err != nil {
			return err
		}
		bal, err := s.pv.GetBalanceIn(ctx, tx, sum.UserID)
		if err != nil {
			return err
		}
		row := sum
		row.LeftPVBefore, row.RightPVBefore = bal.LeftPV, bal.RightPV
		row.LeftPVAfter = model.ClampNonNegative(bal.LeftPV.Sub(removeLeft))
		row.RightPVAfter = model.ClampNonNegative(bal.RightPV.Sub(removeRight))

		if err := tx.InsertWeeklyUserSummary(ctx, &row); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return nil
			}
			return err
		}

		for _, p := range payouts {
			if err := s.pay(ctx, tx, cfg, p, at); err != nil {
				return err
			}
		}

		left, right, err := s.pv.DeductForSettlement(ctx, tx, row.UserID, row.PaidPV, row.WeekKey)
		if err != nil {
			return err
		}
		if err := s.carryRemainder(ctx, tx, row, removeLeft.Sub(left), removeRight.Sub(right)); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if done {
		recordPaid(payouts...)
	}
	return done, nil
}

// carryRemainder writes the carry-flash entries for what the strategy
// removes beyond the settlement deduction. A negative remainder gives
// deducted PV back.
func (s *Service) carryRemainder(ctx context.Context, tx store.Ops, sum model.WeeklyUserSummary, left, right decimal.Decimal) error {
	note := "carry-flash " + sum.Strategy
	for _, side := range []model.Side{model.SideLeft, model.SideRight} {
		diff := left
		if side == model.SideRight {
			diff = right
		}
		switch {
		case diff.IsPositive():
			if _, err := s.pv.DebitCarryFlash(ctx, tx, sum.UserID, side, diff, sum.WeekKey, note); err != nil {
				return err
			}
		case diff.IsNegative():
			if _, err := s.pv.CreditCarryFlash(ctx, tx, sum.UserID, side, diff.Neg(), sum.WeekKey, note); err != nil {
				return err
			}
		}
	}
	return nil
}
