package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/pv-engine/internal/metrics"
	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/period"
	"github.com/atmx/pv-engine/internal/store"
)

// unitScale is the precision kept for pool unit values.
const unitScale int32 = 8

// QuarterlyReport summarizes a quarterly run.
type QuarterlyReport struct {
	QuarterKey          string          `json:"quarter_key"`
	Resumed             bool            `json:"resumed"`
	Weeks               []string        `json:"weeks"`
	TotalVolume         decimal.Decimal `json:"total_volume"`
	StockistPool        decimal.Decimal `json:"stockist_pool"`
	LeaderPool          decimal.Decimal `json:"leader_pool"`
	StockistTotalShares int64           `json:"stockist_total_shares"`
	LeaderTotalScore    decimal.Decimal `json:"leader_total_score"`
	StockistUnitValue   decimal.Decimal `json:"stockist_unit_value"`
	LeaderUnitValue     decimal.Decimal `json:"leader_unit_value"`
	Paid                int             `json:"paid"`
	Skipped             int             `json:"skipped"`
	AlreadyLogged       int             `json:"already_logged"`
	Failed              int             `json:"failed"`
	FinalizedAt         *time.Time      `json:"finalized_at,omitempty"`
}

// memberTotals is one member's quarter, summed over finalized weeks.
type memberTotals struct {
	userID string
	weakPV decimal.Decimal
	shares int64
	score  decimal.Decimal
}

// RunQuarterly distributes the stockist and leader pools for a quarter.
func (s *Service) RunQuarterly(ctx context.Context, quarterKey string) (*QuarterlyReport, error) {
	start := time.Now()
	report, err := s.runQuarterly(ctx, quarterKey)

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
	metrics.SettlementRuns.WithLabelValues("quarterly", outcome).Inc()
	metrics.SettlementDuration.WithLabelValues("quarterly").Observe(time.Since(start).Seconds())
	return report, err
}

func (s *Service) runQuarterly(ctx context.Context, quarterKey string) (*QuarterlyReport, error) {
	q, err := period.ParseQuarter(quarterKey)
	if err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, "settlement:quarterly:"+quarterKey)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := s.store.GetQuarterlySettlement(ctx, quarterKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing.State() == model.StateFinalized {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySettled, quarterKey)
	}

	var cfg model.BonusConfig
	if existing != nil {
		if cfg, err = decodeSnapshot(existing.ConfigSnapshot); err != nil {
			return nil, err
		}
	} else if cfg, err = s.settings.Current(ctx); err != nil {
		return nil, err
	}

	// --- Aggregate finalized weeks ---
	weeks, err := s.store.ListWeeklySettlements(ctx, q.WeekKeys())
	if err != nil {
		return nil, err
	}
	report := &QuarterlyReport{QuarterKey: quarterKey}
	for _, w := range weeks {
		if w.State() != model.StateFinalized {
			continue
		}
		report.Weeks = append(report.Weeks, w.WeekKey)
		report.TotalVolume = report.TotalVolume.Add(w.FixedSales)
	}
	if len(report.Weeks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFinalizedWeeks, quarterKey)
	}

	summaries, err := s.store.ListWeeklyUserSummaries(ctx, report.Weeks)
	if err != nil {
		return nil, err
	}
	members := quarterTotals(summaries, cfg)

	if existing != nil {
		report.Resumed = true
		report.StockistPool = existing.StockistPool
		report.LeaderPool = existing.LeaderPool
		report.StockistTotalShares = existing.StockistTotalShares
		report.LeaderTotalScore = existing.LeaderTotalScore
		report.StockistUnitValue = existing.StockistUnitValue
		report.LeaderUnitValue = existing.LeaderUnitValue
		slog.Info("resuming quarterly settlement", "quarter", quarterKey)
	} else {
		report.StockistPool = report.TotalVolume.Mul(cfg.StockistPoolRate).RoundDown(model.MoneyScale)
		report.LeaderPool = report.TotalVolume.Mul(cfg.LeaderPoolRate).RoundDown(model.MoneyScale)
		for _, m := range members {
			if stockistQualifies(m, cfg) {
				report.StockistTotalShares += m.shares
			}
			if leaderQualifies(m, cfg) {
				report.LeaderTotalScore = report.LeaderTotalScore.Add(m.score)
			}
		}
		if report.StockistTotalShares > 0 {
			report.StockistUnitValue = report.StockistPool.
				Div(decimal.NewFromInt(report.StockistTotalShares)).Truncate(unitScale)
		}
		if report.LeaderTotalScore.IsPositive() {
			report.LeaderUnitValue = report.LeaderPool.Div(report.LeaderTotalScore).Truncate(unitScale)
		}

		snapshot, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		err = s.store.CreateQuarterlySettlement(ctx, &model.QuarterlySettlement{
			QuarterKey:          quarterKey,
			TotalVolume:         report.TotalVolume,
			WeekCount:           len(report.Weeks),
			StockistPool:        report.StockistPool,
			LeaderPool:          report.LeaderPool,
			StockistTotalShares: report.StockistTotalShares,
			LeaderTotalScore:    report.LeaderTotalScore,
			StockistUnitValue:   report.StockistUnitValue,
			LeaderUnitValue:     report.LeaderUnitValue,
			ConfigSnapshot:      snapshot,
			StartedAt:           s.now(),
		})
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSettlement, quarterKey)
		}
		if err != nil {
			return nil, err
		}
		slog.Info("quarterly settlement started",
			"quarter", quarterKey,
			"weeks", len(report.Weeks),
			"volume", report.TotalVolume.String(),
			"stockist_pool", report.StockistPool.String(),
			"leader_pool", report.LeaderPool.String(),
		)
	}

	// --- Distribute ---
	var (
		mu       sync.Mutex
		failures []UserFailure
	)
	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for _, m := range members {
		logs := []model.DividendLog{
			s.dividendLog(quarterKey, m, model.PoolStockist, cfg, report),
			s.dividendLog(quarterKey, m, model.PoolLeader, cfg, report),
		}
		g.Go(func() error {
			for _, l := range logs {
				written, err := s.payDividend(ctx, cfg, l)
				mu.Lock()
				switch {
				case err != nil:
					failures = append(failures, failure(m.userID, err))
				case !written:
					report.AlreadyLogged++
				case l.Status == model.DividendPaid:
					report.Paid++
				default:
					report.Skipped++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		report.Failed = len(failures)
		metrics.SettlementUserFailures.WithLabelValues("quarterly").Add(float64(len(failures)))
		for _, f := range failures {
			slog.Error("quarterly settlement user failed", "quarter", quarterKey, "user_id", f.UserID, "err", f.Error)
		}
		return report, &BatchError{Kind: "quarterly", Key: quarterKey, Failures: failures}
	}

	at := s.now()
	if err := s.store.FinalizeQuarterlySettlement(ctx, quarterKey, at); err != nil {
		if errors.Is(err, store.ErrAlreadyFinalized) {
			return report, fmt.Errorf("%w: %s finalized concurrently", ErrDuplicateSettlement, quarterKey)
		}
		return report, err
	}
	report.FinalizedAt = &at

	slog.Info("quarterly settlement finalized",
		"quarter", quarterKey, "paid", report.Paid, "skipped", report.Skipped)
	s.publisher.Publish(model.Event{
		Type:   model.EventQuarterlyFinalized,
		Key:    quarterKey,
		Amount: report.StockistPool.Add(report.LeaderPool),
		At:     at,
	})
	return report, nil
}

func quarterTotals(summaries []model.WeeklyUserSummary, cfg model.BonusConfig) []memberTotals {
	byUser := map[string]*memberTotals{}
	for _, s := range summaries {
		m, ok := byUser[s.UserID]
		if !ok {
			m = &memberTotals{userID: s.UserID}
			byUser[s.UserID] = m
		}
		m.weakPV = m.weakPV.Add(s.WeakPV)
		m.score = m.score.Add(s.PairBonusCapped).Add(s.MatchingBonusTheoretical)
	}

	out := make([]memberTotals, 0, len(byUser))
	for _, m := range byUser {
		if cfg.StockistPVPerShare.IsPositive() {
			m.shares = m.weakPV.Div(cfg.StockistPVPerShare).Floor().IntPart()
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].userID < out[j].userID })
	return out
}

func stockistQualifies(m memberTotals, cfg model.BonusConfig) bool {
	return m.shares > 0 && m.shares >= cfg.MinStockistShares
}

func leaderQualifies(m memberTotals, cfg model.BonusConfig) bool {
	return m.score.IsPositive() && m.score.GreaterThanOrEqual(cfg.MinLeaderScore)
}

// dividendLog decides one member's outcome for one pool.
func (s *Service) dividendLog(quarterKey string, m memberTotals, pool model.DividendPool, cfg model.BonusConfig, r *QuarterlyReport) model.DividendLog {
	l := model.DividendLog{
		QuarterKey: quarterKey,
		UserID:     m.userID,
		Pool:       pool,
		Shares:     m.shares,
		Score:      m.score,
		Status:     model.DividendSkipped,
	}

	switch pool {
	case model.PoolStockist:
		switch {
		case !stockistQualifies(m, cfg):
			l.Reason = fmt.Sprintf("shares %d below minimum %d", m.shares, max(cfg.MinStockistShares, 1))
		case !r.StockistUnitValue.IsPositive():
			l.Reason = "stockist pool is empty"
		default:
			l.Amount = r.StockistUnitValue.Mul(decimal.NewFromInt(m.shares)).RoundDown(model.MoneyScale)
		}
	case model.PoolLeader:
		switch {
		case !leaderQualifies(m, cfg):
			l.Reason = fmt.Sprintf("score %s below minimum %s", m.score, cfg.MinLeaderScore)
		case !r.LeaderUnitValue.IsPositive():
			l.Reason = "leader pool is empty"
		default:
			l.Amount = r.LeaderUnitValue.Mul(m.score).RoundDown(model.MoneyScale)
		}
	}

	if l.Amount.IsPositive() {
		l.Status = model.DividendPaid
	} else if l.Reason == "" {
		l.Reason = "payout rounds to zero"
	}
	return l
}

// payDividend writes the log and, when paid, the wallet credit as one
// unit of work. It returns false if the log already existed.
func (s *Service) payDividend(ctx context.Context, cfg model.BonusConfig, l model.DividendLog) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	at := s.now()
	l.CreatedAt = at

	remark := model.RemarkStockistDividend
	if l.Pool == model.PoolLeader {
		remark = model.RemarkLeaderDividend
	}
	p := payout{
		userID:     l.UserID,
		amount:     l.Amount,
		remark:     remark,
		sourceType: model.SourceTypeQuarterlySettlement,
		sourceID:   l.QuarterKey,
	}

	written := false
	err := s.store.InTx(ctx, func(tx store.Ops) error {
		if err := tx.InsertDividendLog(ctx, &l); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return nil
			}
			return err
		}
		if l.Status == model.DividendPaid {
			if err := s.pay(ctx, tx, cfg, p, at); err != nil {
				return err
			}
		}
		written = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !written {
		return false, nil
	}

	if l.Status == model.DividendSkipped {
		slog.Info("dividend skipped",
			"quarter", l.QuarterKey, "user_id", l.UserID, "pool", l.Pool, "reason", l.Reason)
	} else {
		recordPaid(p)
	}
	return true, nil
}
