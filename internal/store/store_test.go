package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dripbot/internal/campaign"
	"dripbot/internal/transport"
	"dripbot/pkg/logx"
)

func testCampaign(name string) campaign.Campaign {
	c, err := campaign.New(campaign.Draft{
		Name:           name,
		Messages:       []campaign.Message{{Content: "hello", Delay: campaign.Duration(time.Second)}},
		TargetUsername: "acme",
		TargetType:     campaign.TargetFollowers,
		Rate:           campaign.RateConfig{MessagesPerHour: 60, MaxMessages: 10},
	})
	if err != nil {
		panic(err)
	}
	return c
}

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	ext := ".json"
	if driver == "sqlite" {
		ext = ".db"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "store"+ext)}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) error: %v", driver, err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func drivers() []string { return []string{"file", "sqlite"} }

func TestCreateGetList(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers() {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver)

			a := testCampaign("first")
			b := testCampaign("second")
			b.CreatedAt = a.CreatedAt.Add(time.Second)
			if err := st.Create(ctx, a); err != nil {
				t.Fatalf("Create error: %v", err)
			}
			if err := st.Create(ctx, b); err != nil {
				t.Fatalf("Create error: %v", err)
			}

			got, err := st.Get(ctx, a.ID)
			if err != nil {
				t.Fatalf("Get error: %v", err)
			}
			if got.Name != "first" || got.Status != campaign.StatusPaused {
				t.Fatalf("Get = %+v", got)
			}
			if len(got.Messages) != 1 || got.Messages[0].Delay.Std() != time.Second {
				t.Fatalf("messages = %+v", got.Messages)
			}

			list, err := st.List(ctx)
			if err != nil {
				t.Fatalf("List error: %v", err)
			}
			if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
				t.Fatalf("List order wrong: %v, %v", list[0].Name, list[1].Name)
			}

			if _, err := st.Get(ctx, "missing"); !errors.Is(err, campaign.ErrUnknownCampaign) {
				t.Fatalf("Get missing = %v, want ErrUnknownCampaign", err)
			}
		})
	}
}

func TestUpdatePinsImmutableFields(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers() {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver)

			c := testCampaign("pinned")
			if err := st.Create(ctx, c); err != nil {
				t.Fatalf("Create error: %v", err)
			}

			got, err := st.Update(ctx, c.ID, func(c *campaign.Campaign) error {
				c.ID = "hijack"
				c.TotalMessages = 9999
				c.Name = "renamed"
				return nil
			})
			if err != nil {
				t.Fatalf("Update error: %v", err)
			}
			if got.ID != c.ID || got.TotalMessages != 10 {
				t.Fatalf("immutable fields changed: %+v", got)
			}
			if got.Name != "renamed" {
				t.Fatalf("Name = %s, want renamed", got.Name)
			}
			if !got.UpdatedAt.After(c.UpdatedAt) {
				t.Fatal("UpdatedAt not stamped")
			}

			_, err = st.Update(ctx, c.ID, func(c *campaign.Campaign) error {
				c.MessagesSent = c.TotalMessages + 1
				return nil
			})
			if !errors.Is(err, campaign.ErrBudgetOverspent) {
				t.Fatalf("overspend update = %v, want ErrBudgetOverspent", err)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers() {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver)

			c := testCampaign("doomed")
			if err := st.Create(ctx, c); err != nil {
				t.Fatalf("Create error: %v", err)
			}
			if err := st.Delete(ctx, c.ID); err != nil {
				t.Fatalf("Delete error: %v", err)
			}
			if err := st.Delete(ctx, c.ID); !errors.Is(err, campaign.ErrUnknownCampaign) {
				t.Fatalf("second Delete = %v, want ErrUnknownCampaign", err)
			}
		})
	}
}

func TestSetStatusTransitions(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers() {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver)

			c := testCampaign("lifecycle")
			if err := st.Create(ctx, c); err != nil {
				t.Fatalf("Create error: %v", err)
			}

			got, err := SetStatus(ctx, st, c.ID, campaign.StatusActive)
			if err != nil {
				t.Fatalf("activate error: %v", err)
			}
			if got.Status != campaign.StatusActive {
				t.Fatalf("Status = %s, want active", got.Status)
			}

			if _, err := SetStatus(ctx, st, c.ID, campaign.StatusCompleted); err != nil {
				t.Fatalf("complete error: %v", err)
			}
			// A completed campaign's budget is spent; re-activation is refused.
			if _, err := SetStatus(ctx, st, c.ID, campaign.StatusActive); !errors.Is(err, campaign.ErrBadStatusChange) {
				t.Fatalf("reactivate completed = %v, want ErrBadStatusChange", err)
			}

			if _, err := SetStatus(ctx, st, c.ID, "bogus"); !errors.Is(err, campaign.ErrBadStatusChange) {
				t.Fatalf("bogus status = %v, want ErrBadStatusChange", err)
			}
		})
	}
}

func TestApplyProgressOnlyMovesForward(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers() {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver)

			c := testCampaign("progress")
			if err := st.Create(ctx, c); err != nil {
				t.Fatalf("Create error: %v", err)
			}

			if err := ApplyProgress(ctx, st, c.ID, campaign.Progress{SuccessfulMessages: 4}); err != nil {
				t.Fatalf("ApplyProgress error: %v", err)
			}
			// A stale event never rolls the counter back.
			if err := ApplyProgress(ctx, st, c.ID, campaign.Progress{SuccessfulMessages: 2}); err != nil {
				t.Fatalf("ApplyProgress error: %v", err)
			}
			got, _ := st.Get(ctx, c.ID)
			if got.MessagesSent != 4 {
				t.Fatalf("MessagesSent = %d, want 4", got.MessagesSent)
			}
		})
	}
}

func TestAppendErrorLog(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers() {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver)

			c := testCampaign("errors")
			if err := st.Create(ctx, c); err != nil {
				t.Fatalf("Create error: %v", err)
			}
			if err := AppendError(ctx, st, c.ID, campaign.NewError("boom", "u1")); err != nil {
				t.Fatalf("AppendError error: %v", err)
			}
			if err := AppendError(ctx, st, c.ID, campaign.NewError("bang", "")); err != nil {
				t.Fatalf("AppendError error: %v", err)
			}
			got, _ := st.Get(ctx, c.ID)
			if len(got.Errors) != 2 {
				t.Fatalf("got %d errors, want 2", len(got.Errors))
			}
			if got.Errors[0].Message != "boom" || got.Errors[0].RecipientID != "u1" {
				t.Fatalf("first error = %+v", got.Errors[0])
			}
		})
	}
}

func TestCredentialsRoundtrip(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers() {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver)

			got, err := st.Credentials(ctx)
			if err != nil {
				t.Fatalf("Credentials error: %v", err)
			}
			if !got.Empty() {
				t.Fatalf("fresh store credentials = %+v, want empty", got)
			}

			want := transport.Credentials{Username: "ops", Password: "hunter2"}
			if err := st.SetCredentials(ctx, want); err != nil {
				t.Fatalf("SetCredentials error: %v", err)
			}
			got, _ = st.Credentials(ctx)
			if got != want {
				t.Fatalf("Credentials = %+v, want %+v", got, want)
			}
		})
	}
}

func TestSubscribePingsOnMutation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, "file")

	ch, unsub := st.Subscribe(1)
	defer unsub()

	if err := st.Create(ctx, testCampaign("ping")); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no ping after Create")
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snap.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	c := testCampaign("durable")
	if err := st.Create(ctx, c); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := st.SetCredentials(ctx, transport.Credentials{Username: "ops", Password: "pw"}); err != nil {
		t.Fatalf("SetCredentials error: %v", err)
	}
	st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer st2.Close()
	got, err := st2.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get after reopen error: %v", err)
	}
	if got.Name != "durable" {
		t.Fatalf("Name = %s, want durable", got.Name)
	}
	creds, _ := st2.Credentials(ctx)
	if creds.Username != "ops" {
		t.Fatalf("credentials lost on reopen: %+v", creds)
	}
}

func TestUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
