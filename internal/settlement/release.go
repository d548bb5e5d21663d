package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/pv-engine/internal/metrics"
	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/store"
)

// Releaser moves held bonuses into wallets once their hold expires.
type Releaser struct {
	store     store.Store
	publisher model.Publisher
	batchSize int
	now       func() time.Time
}

type ReleaserOption func(*Releaser)

func WithReleasePublisher(p model.Publisher) ReleaserOption {
	return func(r *Releaser) { r.publisher = p }
}

func WithReleaseBatchSize(n int) ReleaserOption {
	return func(r *Releaser) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithReleaseClock(now func() time.Time) ReleaserOption {
	return func(r *Releaser) { r.now = now }
}

func NewReleaser(st store.Store, opts ...ReleaserOption) *Releaser {
	r := &Releaser{
		store:     st,
		publisher: model.NopPublisher{},
		batchSize: 500,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReleaseDue releases every bonus due at the current time and returns how
// many were released. Bonuses closed by a concurrent release or an
// adjustment are skipped.
func (r *Releaser) ReleaseDue(ctx context.Context) (int, error) {
	released := 0
	for {
		due, err := r.store.ListDuePendingBonuses(ctx, r.now(), r.batchSize)
		if err != nil {
			return released, err
		}
		progressed := 0
		for _, p := range due {
			ok, err := r.release(ctx, p)
			if err != nil {
				return released, err
			}
			if ok {
				released++
				progressed++
			}
		}
		if len(due) < r.batchSize || progressed == 0 {
			return released, nil
		}
	}
}

func (r *Releaser) release(ctx context.Context, p model.PendingBonus) (bool, error) {
	at := r.now()
	tx := &model.WalletTransaction{
		UserID:     p.UserID,
		Amount:     p.Amount,
		Remark:     p.Remark,
		SourceType: p.SourceType,
		SourceID:   p.SourceID,
		CreatedAt:  at,
	}

	done := false
	err := r.store.InTx(ctx, func(ops store.Ops) error {
		if _, err := ops.ApplyWalletTransaction(ctx, tx); err != nil {
			return err
		}
		if err := ops.MarkPendingBonusReleased(ctx, p.ID, tx.ID, at); err != nil {
			if errors.Is(err, store.ErrAlreadyFinalized) {
				// Roll back the wallet write; someone else closed it.
				return errSkipRelease
			}
			return err
		}
		done = true
		return nil
	})
	if errors.Is(err, errSkipRelease) {
		slog.Info("pending bonus already closed", "id", p.ID, "user_id", p.UserID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !done {
		return false, nil
	}

	metrics.PendingReleased.Inc()
	recordPaid(payout{userID: p.UserID, amount: p.Amount, remark: p.Remark})
	r.publisher.Publish(model.Event{
		Type:   model.EventBonusReleased,
		Key:    p.ID,
		UserID: p.UserID,
		Amount: p.Amount,
		At:     at,
	})
	return true, nil
}

var errSkipRelease = errors.New("pending bonus already closed")

// Run releases due bonuses every interval until ctx is done.
func (r *Releaser) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.ReleaseDue(ctx)
			if err != nil {
				slog.Error("release pending bonuses", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("pending bonuses released", "count", n)
			}
		}
	}
}
