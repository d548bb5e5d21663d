// Package settlement runs the periodic batches that turn PV into money:
// the weekly pair/matching settlement, the quarterly dividend pools, and
// the release of held bonuses.
//
// A batch for one period key runs at most once. Exclusion comes from the
// run lock, the unique settlement row and a conditional finalize; every
// per-user write is one unit of work guarded by unique keys, so a batch
// that fails part-way can simply be run again.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/lock"
	"github.com/atmx/pv-engine/internal/metrics"
	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/placement"
	"github.com/atmx/pv-engine/internal/pv"
	"github.com/atmx/pv-engine/internal/settings"
	"github.com/atmx/pv-engine/internal/store"
)

// Service runs settlement batches.
type Service struct {
	store     store.Store
	pv        *pv.Service
	tree      placement.Tree
	dir       placement.Directory
	settings  settings.Provider
	locker    lock.Locker
	publisher model.Publisher
	workers   int
	lockTTL   time.Duration
	now       func() time.Time
}

type Option func(*Service)

// WithWorkers bounds per-user parallelism.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithLockTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

func WithPublisher(p model.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(
	st store.Store,
	pvSvc *pv.Service,
	tree placement.Tree,
	dir placement.Directory,
	provider settings.Provider,
	locker lock.Locker,
	opts ...Option,
) *Service {
	s := &Service{
		store:     st,
		pv:        pvSvc,
		tree:      tree,
		dir:       dir,
		settings:  provider,
		locker:    locker,
		publisher: model.NopPublisher{},
		workers:   8,
		lockTTL:   30 * time.Minute,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// acquire takes the run lock for a period key.
func (s *Service) acquire(ctx context.Context, key string) (lock.Release, error) {
	release, err := s.locker.Acquire(ctx, key, s.lockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSettlement, key)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", key, err)
	}
	return release, nil
}

func decodeSnapshot(raw []byte) (model.BonusConfig, error) {
	var cfg model.BonusConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config snapshot: %w", err)
	}
	return cfg, nil
}

// payout describes one bonus credit to a user.
type payout struct {
	userID     string
	amount     decimal.Decimal
	remark     string
	sourceType string
	sourceID   string
}

// pay credits the wallet, or queues a pending bonus when the config holds
// bonuses back. A repeat of the same payout is a no-op.
func (s *Service) pay(ctx context.Context, tx store.Ops, cfg model.BonusConfig, p payout, at time.Time) error {
	if !p.amount.IsPositive() {
		return nil
	}

	if hold := cfg.BonusHold(); hold > 0 {
		if _, err := tx.EnqueuePendingBonus(ctx, &model.PendingBonus{
			UserID:     p.userID,
			Amount:     p.amount,
			Remark:     p.remark,
			SourceType: p.sourceType,
			SourceID:   p.sourceID,
			ReleaseAt:  at.Add(hold),
			CreatedAt:  at,
		}); err != nil {
			return fmt.Errorf("enqueue %s: %w", p.remark, err)
		}
	} else {
		if _, err := tx.ApplyWalletTransaction(ctx, &model.WalletTransaction{
			UserID:     p.userID,
			Amount:     p.amount,
			Remark:     p.remark,
			SourceType: p.sourceType,
			SourceID:   p.sourceID,
			CreatedAt:  at,
		}); err != nil {
			return fmt.Errorf("pay %s: %w", p.remark, err)
		}
	}
	return nil
}

// recordPaid counts committed payouts.
func recordPaid(ps ...payout) {
	for _, p := range ps {
		if p.amount.IsPositive() {
			amt, _ := p.amount.Float64()
			metrics.BonusPaidTotal.WithLabelValues(p.remark).Add(amt)
		}
	}
}
