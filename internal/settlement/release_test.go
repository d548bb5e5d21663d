package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/store"
)

type recorder struct{ events []model.Event }

func (r *recorder) Publish(ev model.Event) { r.events = append(r.events, ev) }

func TestReleaser_ReleasesDueBonuses(t *testing.T) {
	cfg := baseConfig()
	cfg.BonusHoldHours = 24
	e := newEnv(t, cfg, nil)
	ctx := context.Background()

	if _, err := e.svc.RunWeekly(ctx, week, WeeklyOptions{}); err != nil {
		t.Fatalf("weekly: %v", err)
	}

	now := settleAt.Add(23 * time.Hour)
	rec := &recorder{}
	r := NewReleaser(e.st,
		WithReleaseClock(func() time.Time { return now }),
		WithReleasePublisher(rec),
		WithReleaseBatchSize(1),
	)

	n, err := r.ReleaseDue(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("nothing is due yet, released %d", n)
	}

	now = settleAt.Add(25 * time.Hour)
	n, err = r.ReleaseDue(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// anc pair bonus and top matching bonus
	if n != 2 {
		t.Fatalf("expected 2 released, got %d", n)
	}
	if got := e.wallet(t, "anc"); !got.Equal(d(30)) {
		t.Errorf("anc wallet: expected 30, got %s", got)
	}
	if len(rec.events) != 2 || rec.events[0].Type != model.EventBonusReleased {
		t.Errorf("unexpected events %+v", rec.events)
	}

	pending, _ := e.st.ListPendingBonuses(ctx, store.PendingFilter{UserID: "anc"})
	if len(pending) != 1 || pending[0].ReleasedAt == nil || pending[0].WalletTransactionID == "" {
		t.Errorf("pending bonus should be marked released with its wallet tx, got %+v", pending)
	}

	if n, _ := r.ReleaseDue(ctx); n != 0 {
		t.Errorf("second pass released %d", n)
	}
	if got := e.wallet(t, "anc"); !got.Equal(d(30)) {
		t.Errorf("anc wallet changed on second pass: %s", got)
	}
}

func TestReleaser_SkipsCancelled(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	p := &model.PendingBonus{
		UserID:     "u1",
		Amount:     d(12.5),
		Remark:     model.RemarkPairBonus,
		SourceType: model.SourceTypeWeeklySettlement,
		SourceID:   week,
		ReleaseAt:  settleAt,
	}
	if _, err := st.EnqueuePendingBonus(ctx, p); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := st.CancelPendingBonus(ctx, p.ID, "batch-1", settleAt); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	r := NewReleaser(st, WithReleaseClock(func() time.Time { return settleAt.Add(time.Hour) }))
	n, err := r.ReleaseDue(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("cancelled bonus released")
	}
	if bal, _ := st.WalletBalance(ctx, "u1"); !bal.IsZero() {
		t.Errorf("wallet should be empty, got %s", bal)
	}
}

func TestReleaser_RunStopsOnCancel(t *testing.T) {
	r := NewReleaser(store.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
