package activator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"dripbot/internal/campaign"
	"dripbot/internal/store"
	"dripbot/pkg/logx"
)

func openStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "store.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func scheduled(t *testing.T, name string, startAt time.Time) campaign.Campaign {
	t.Helper()
	c, err := campaign.New(campaign.Draft{
		Name:           name,
		Messages:       []campaign.Message{{Content: "hi"}},
		TargetUsername: "acme",
		TargetType:     campaign.TargetFollowers,
		Rate:           campaign.RateConfig{MessagesPerHour: 60, MaxMessages: 5},
		StartAt:        startAt,
	})
	if err != nil {
		t.Fatalf("campaign.New: %v", err)
	}
	return c
}

func TestSweepActivatesDueCampaigns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)

	base := time.Now()
	due := scheduled(t, "due", base.Add(-time.Minute))
	future := scheduled(t, "future", base.Add(time.Hour))
	unscheduled := scheduled(t, "unscheduled", time.Time{})
	for _, c := range []campaign.Campaign{due, future, unscheduled} {
		if err := st.Create(ctx, c); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	s := New(Config{Enabled: true}, st, logx.Nop())
	s.Sweep(ctx)

	got, _ := st.Get(ctx, due.ID)
	if got.Status != campaign.StatusActive {
		t.Fatalf("due campaign status = %s, want active", got.Status)
	}
	if !got.StartAt.IsZero() {
		t.Fatal("activation should clear start_at")
	}

	for _, id := range []string{future.ID, unscheduled.ID} {
		got, _ := st.Get(ctx, id)
		if got.Status != campaign.StatusPaused {
			t.Fatalf("campaign %s status = %s, want paused", got.Name, got.Status)
		}
	}
}

func TestSweepLeavesPausedAfterActivation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)

	c := scheduled(t, "once", time.Now().Add(-time.Minute))
	if err := st.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	s := New(Config{Enabled: true}, st, logx.Nop())
	s.Sweep(ctx)

	// The operator pauses it afterwards; the next sweep must not undo that.
	if _, err := store.SetStatus(ctx, st, c.ID, campaign.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	s.Sweep(ctx)

	got, _ := st.Get(ctx, c.ID)
	if got.Status != campaign.StatusPaused {
		t.Fatalf("status = %s, want paused after manual pause", got.Status)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(Config{Enabled: true, Every: time.Hour}, openStore(t), logx.Nop())

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	disabled := New(Config{Enabled: false}, openStore(t), logx.Nop())
	if err := disabled.Start(ctx); err != nil {
		t.Fatalf("disabled Start: %v", err)
	}
}
