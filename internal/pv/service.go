// Package pv maintains the PV and points ledgers: crediting point volume up
// the placement chain from purchases, reading balances, and the settlement
// and carry-flash movements the weekly batch writes.
//
// Balances are never stored; they are the sum of immutable ledger entries.
// A side that sums below zero is reported as zero.
package pv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/metrics"
	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/period"
	"github.com/atmx/pv-engine/internal/placement"
	"github.com/atmx/pv-engine/internal/store"
)

// Service is the PV ledger service.
type Service struct {
	store       store.Store
	tree        placement.Tree
	maxDepth    int
	pointsPerPV decimal.Decimal
	publisher   model.Publisher
	now         func() time.Time
}

type Option func(*Service)

// WithMaxDepth bounds how far up the chain a purchase is credited.
// Zero walks to the root.
func WithMaxDepth(n int) Option { return func(s *Service) { s.maxDepth = n } }

// WithPointsPerPV credits the buyer's points ledger at the given rate.
func WithPointsPerPV(rate decimal.Decimal) Option { return func(s *Service) { s.pointsPerPV = rate } }

func WithPublisher(p model.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(st store.Store, tree placement.Tree, opts ...Option) *Service {
	s := &Service{
		store:     st,
		tree:      tree,
		publisher: model.NopPublisher{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreditResult describes what CreditFromPurchase did.
type CreditResult struct {
	OrderID string              `json:"order_id"`
	Status  model.OutcomeStatus `json:"status"`
	TotalPV decimal.Decimal     `json:"total_pv"`
	Credits int                 `json:"credits"`
	Reason  string              `json:"reason,omitempty"`
}

// CreditFromPurchase records the purchase and credits its PV to every
// ancestor of the buyer on the side the buyer sits under that ancestor.
// A repeated order ID is a no-op reported as skipped.
func (s *Service) CreditFromPurchase(ctx context.Context, ev model.PurchaseCompleted) (CreditResult, error) {
	res := CreditResult{OrderID: ev.OrderID}
	switch {
	case ev.OrderID == "":
		return res, fmt.Errorf("%w: order_id is required", model.ErrValidation)
	case ev.BuyerUserID == "":
		return res, fmt.Errorf("%w: buyer_user_id is required", model.ErrValidation)
	case !ev.PointValue.IsPositive():
		return res, fmt.Errorf("%w: point_value must be positive", model.ErrValidation)
	case ev.Quantity <= 0:
		return res, fmt.Errorf("%w: quantity must be positive", model.ErrValidation)
	}

	total := ev.PointValue.Mul(decimal.NewFromInt(ev.Quantity)).Round(model.PVScale)
	res.TotalPV = total

	chain, err := s.tree.Ancestors(ctx, ev.BuyerUserID, s.maxDepth)
	if err != nil {
		return res, fmt.Errorf("placement chain for %s: %w", ev.BuyerUserID, err)
	}

	now := s.now()
	err = s.store.InTx(ctx, func(tx store.Ops) error {
		inserted, err := tx.RecordPurchase(ctx, &model.Purchase{
			OrderID:     ev.OrderID,
			BuyerUserID: ev.BuyerUserID,
			PointValue:  ev.PointValue,
			Quantity:    ev.Quantity,
			TotalPV:     total,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			res.Status = model.OutcomeSkipped
			res.Reason = "order already processed"
			return nil
		}

		for _, a := range chain {
			ok, err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
				Asset:              model.AssetPV,
				OwnerUserID:        a.UserID,
				CounterpartyUserID: ev.BuyerUserID,
				Side:               a.Side,
				Level:              a.Level,
				Amount:             total,
				Direction:          model.Credit,
				SourceKind:         model.SourceOrder,
				SourceID:           ev.OrderID,
				CreatedAt:          now,
			})
			if err != nil {
				return fmt.Errorf("credit %s: %w", a.UserID, err)
			}
			if ok {
				res.Credits++
			}
		}

		if s.pointsPerPV.IsPositive() {
			if _, err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
				Asset:       model.AssetPoints,
				OwnerUserID: ev.BuyerUserID,
				Amount:      total.Mul(s.pointsPerPV).Round(model.PVScale),
				Direction:   model.Credit,
				SourceKind:  model.SourceOrder,
				SourceID:    ev.OrderID,
				CreatedAt:   now,
			}); err != nil {
				return fmt.Errorf("credit points: %w", err)
			}
		}
		res.Status = model.OutcomeSuccess
		return nil
	})
	if err != nil {
		return CreditResult{OrderID: ev.OrderID, Status: model.OutcomeFailed}, err
	}

	if res.Status == model.OutcomeSkipped {
		metrics.DuplicateEventsTotal.WithLabelValues("purchase").Inc()
		slog.Info("purchase already credited", "order_id", ev.OrderID)
		return res, nil
	}

	metrics.PVCreditsTotal.Add(float64(res.Credits))
	slog.Info("purchase credited",
		"order_id", ev.OrderID,
		"buyer", ev.BuyerUserID,
		"total_pv", total.String(),
		"ancestors", res.Credits,
	)
	s.publisher.Publish(model.Event{
		Type:   model.EventPurchaseCredited,
		Key:    ev.OrderID,
		UserID: ev.BuyerUserID,
		Amount: total,
		At:     now,
	})
	return res, nil
}

// GetBalance returns the user's PV per side. With includeCarry false the
// carry-flash adjustments are left out.
func (s *Service) GetBalance(ctx context.Context, userID string, includeCarry bool) (model.PVBalance, error) {
	return balance(ctx, s.store, userID, includeCarry)
}

// GetBalanceIn reads the full balance through the caller's unit of work.
func (s *Service) GetBalanceIn(ctx context.Context, ops store.Ops, userID string) (model.PVBalance, error) {
	return balance(ctx, ops, userID, true)
}

func balance(ctx context.Context, ops store.Ops, userID string, includeCarry bool) (model.PVBalance, error) {
	f := store.LedgerFilter{OwnerUserID: userID}
	if !includeCarry {
		f.ExcludeKinds = []model.SourceKind{model.SourceCarryFlash}
	}
	t, err := ops.SumLedger(ctx, model.AssetPV, f)
	if err != nil {
		return model.PVBalance{}, fmt.Errorf("pv balance %s: %w", userID, err)
	}
	left := model.ClampNonNegative(t.Left)
	right := model.ClampNonNegative(t.Right)
	return model.PVBalance{
		UserID:  userID,
		LeftPV:  left,
		RightPV: right,
		TotalPV: left.Add(right),
	}, nil
}

// GetWeeklyNewWeakPV returns the lesser side of the PV that arrived during
// the week: purchase credits net of refund claw-backs written that week.
func (s *Service) GetWeeklyNewWeakPV(ctx context.Context, userID, weekKey string) (decimal.Decimal, error) {
	left, right, err := s.weeklyNewPV(ctx, userID, weekKey)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Min(left, right), nil
}

func (s *Service) weeklyNewPV(ctx context.Context, userID, weekKey string) (left, right decimal.Decimal, err error) {
	w, err := period.ParseWeek(weekKey)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	orders, err := s.store.SumLedger(ctx, model.AssetPV, store.LedgerFilter{
		OwnerUserID: userID,
		SourceKinds: []model.SourceKind{model.SourceOrder},
		From:        w.Start,
		To:          w.End,
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	// Only reversals of purchase credits are refunds; reversing a
	// settlement's movements does not touch the week's new volume.
	clawbacks, err := s.store.SumLedger(ctx, model.AssetPV, store.LedgerFilter{
		OwnerUserID:   userID,
		SourceKinds:   []model.SourceKind{model.SourceAdjustment},
		ReversesKinds: []model.SourceKind{model.SourceOrder},
		Direction:     model.Debit,
		From:          w.Start,
		To:            w.End,
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	left = model.ClampNonNegative(orders.Left.Add(clawbacks.Left))
	right = model.ClampNonNegative(orders.Right.Add(clawbacks.Right))
	return left, right, nil
}

// DeductForSettlement debits amount from both sides for the week's
// settlement, each side clamped to its balance. It returns what was
// actually debited per side. It must run inside the caller's unit of work.
func (s *Service) DeductForSettlement(ctx context.Context, ops store.Ops, userID string, amount decimal.Decimal, weekKey string) (left, right decimal.Decimal, err error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, nil
	}
	bal, err := balance(ctx, ops, userID, true)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	applied := map[model.Side]decimal.Decimal{}
	for _, side := range []model.Side{model.SideLeft, model.SideRight} {
		avail := bal.LeftPV
		if side == model.SideRight {
			avail = bal.RightPV
		}
		debit := decimal.Min(amount, avail)
		if !debit.IsPositive() {
			applied[side] = decimal.Zero
			continue
		}
		if debit.LessThan(amount) {
			slog.Warn("settlement deduction clamped",
				"user_id", userID, "week", weekKey, "side", side,
				"requested", amount.String(), "applied", debit.String())
		}
		if _, err := ops.InsertLedgerEntry(ctx, &model.LedgerEntry{
			Asset:       model.AssetPV,
			OwnerUserID: userID,
			Side:        side,
			Amount:      debit,
			Direction:   model.Debit,
			SourceKind:  model.SourceWeeklySettlement,
			SourceID:    weekKey,
			CreatedAt:   s.now(),
		}); err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("deduct %s %s: %w", userID, side, err)
		}
		applied[side] = debit
	}
	return applied[model.SideLeft], applied[model.SideRight], nil
}

// CreditCarryFlash raises one side by amount for the week.
func (s *Service) CreditCarryFlash(ctx context.Context, ops store.Ops, userID string, side model.Side, amount decimal.Decimal, weekKey, note string) (bool, error) {
	if !side.Valid() {
		return false, fmt.Errorf("%w: invalid side %q", model.ErrValidation, side)
	}
	if !amount.IsPositive() {
		return false, nil
	}
	return ops.InsertLedgerEntry(ctx, &model.LedgerEntry{
		Asset:       model.AssetPV,
		OwnerUserID: userID,
		Side:        side,
		Amount:      amount,
		Direction:   model.Credit,
		SourceKind:  model.SourceCarryFlash,
		SourceID:    weekKey,
		Note:        note,
		CreatedAt:   s.now(),
	})
}

// DebitCarryFlash lowers one side by amount, clamped to the side's
// balance, and returns the amount debited.
func (s *Service) DebitCarryFlash(ctx context.Context, ops store.Ops, userID string, side model.Side, amount decimal.Decimal, weekKey, note string) (decimal.Decimal, error) {
	if !side.Valid() {
		return decimal.Zero, fmt.Errorf("%w: invalid side %q", model.ErrValidation, side)
	}
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	bal, err := balance(ctx, ops, userID, true)
	if err != nil {
		return decimal.Zero, err
	}
	avail := bal.LeftPV
	if side == model.SideRight {
		avail = bal.RightPV
	}
	debit := decimal.Min(amount, avail)
	if !debit.IsPositive() {
		return decimal.Zero, nil
	}
	if _, err := ops.InsertLedgerEntry(ctx, &model.LedgerEntry{
		Asset:       model.AssetPV,
		OwnerUserID: userID,
		Side:        side,
		Amount:      debit,
		Direction:   model.Debit,
		SourceKind:  model.SourceCarryFlash,
		SourceID:    weekKey,
		Note:        note,
		CreatedAt:   s.now(),
	}); err != nil {
		return decimal.Zero, err
	}
	return debit, nil
}

// GetPointsBalance returns the user's points, floored at zero.
func (s *Service) GetPointsBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	t, err := s.store.SumLedger(ctx, model.AssetPoints, store.LedgerFilter{OwnerUserID: userID})
	if err != nil {
		return decimal.Zero, fmt.Errorf("points balance %s: %w", userID, err)
	}
	return model.ClampNonNegative(t.Unsided), nil
}

// UserPVSummary is the read projection behind the user PV summary endpoint.
type UserPVSummary struct {
	UserID           string                   `json:"user_id"`
	Balance          model.PVBalance          `json:"balance"`
	BalanceNoCarry   model.PVBalance          `json:"balance_excluding_carry"`
	Points           decimal.Decimal          `json:"points"`
	Wallet           decimal.Decimal          `json:"wallet"`
	CurrentWeek      string                   `json:"current_week"`
	CurrentWeekLeft  decimal.Decimal          `json:"current_week_new_left_pv"`
	CurrentWeekRight decimal.Decimal          `json:"current_week_new_right_pv"`
	LatestSettled    *model.WeeklyUserSummary `json:"latest_settled,omitempty"`
}

// GetUserPVSummary never fails for an unknown user; it returns zeros.
func (s *Service) GetUserPVSummary(ctx context.Context, userID string) (UserPVSummary, error) {
	out := UserPVSummary{UserID: userID}

	var err error
	if out.Balance, err = s.GetBalance(ctx, userID, true); err != nil {
		return out, err
	}
	if out.BalanceNoCarry, err = s.GetBalance(ctx, userID, false); err != nil {
		return out, err
	}
	if out.Points, err = s.GetPointsBalance(ctx, userID); err != nil {
		return out, err
	}
	if out.Wallet, err = s.store.WalletBalance(ctx, userID); err != nil {
		return out, err
	}

	out.CurrentWeek = period.WeekOf(s.now()).Key
	if out.CurrentWeekLeft, out.CurrentWeekRight, err = s.weeklyNewPV(ctx, userID, out.CurrentWeek); err != nil {
		return out, err
	}

	latest, err := s.store.LatestWeeklyUserSummary(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return out, err
	default:
		out.LatestSettled = latest
	}
	return out, nil
}
