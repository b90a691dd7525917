package store

import (
	"context"
	"errors"
	"testing"

	"nudge-server/internal/model"
)

func TestStore_RegistrationIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	u1, created, err := s.FindOrCreateUser(ctx, "machine-1")
	if err != nil {
		t.Fatalf("FindOrCreateUser: %v", err)
	}
	if !created {
		t.Fatalf("expected created")
	}
	if _, err := s.EnsureSettings(ctx, u1.ID); err != nil {
		t.Fatalf("EnsureSettings: %v", err)
	}

	u2, created, err := s.FindOrCreateUser(ctx, "machine-1")
	if err != nil {
		t.Fatalf("FindOrCreateUser: %v", err)
	}
	if created {
		t.Fatalf("expected existing user")
	}
	if u2.ID != u1.ID {
		t.Fatalf("expected same user id, got %d and %d", u1.ID, u2.ID)
	}
	if _, err := s.EnsureSettings(ctx, u2.ID); err != nil {
		t.Fatalf("EnsureSettings: %v", err)
	}
	if got := len(s.SettingsHistory(u1.ID)); got != 1 {
		t.Fatalf("expected 1 settings revision, got %d", got)
	}
}

func TestStore_MissingMachineID(t *testing.T) {
	s := New()
	_, _, err := s.FindOrCreateUser(context.Background(), "")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestStore_RecentMessagesChronological(t *testing.T) {
	s := New()
	ctx := context.Background()
	u, _, _ := s.FindOrCreateUser(ctx, "m")

	var last model.Message
	for _, content := range []string{"a", "b", "c", "d"} {
		msg, err := s.AppendMessage(ctx, u.ID, model.RoleUser, content)
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if msg.ID <= last.ID {
			t.Fatalf("expected increasing ids")
		}
		last = msg
	}

	msgs, err := s.RecentMessages(ctx, u.ID, 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "c" || msgs[1].Content != "d" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestStore_AppendMessageUnknownUser(t *testing.T) {
	s := New()
	if _, err := s.AppendMessage(context.Background(), 42, model.RoleUser, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_AppendMessageRejectsUnknownRole(t *testing.T) {
	s := New()
	ctx := context.Background()
	u, _, _ := s.FindOrCreateUser(ctx, "m")
	if _, err := s.AppendMessage(ctx, u.ID, model.Role("robot"), "x"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestStore_ActivityWindowNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	u, _, _ := s.FindOrCreateUser(ctx, "m")

	// Client clocks are not monotonic: insert out of order.
	for _, ts := range []int64{900, 1000, 940, 500} {
		if _, err := s.AppendActivity(ctx, u.ID, "app", "title", ts); err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
	}

	got, err := s.ActivitySince(ctx, u.ID, 800, 1010, 10)
	if err != nil {
		t.Fatalf("ActivitySince: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0].Time != 1000 || got[1].Time != 940 || got[2].Time != 900 {
		t.Fatalf("unexpected order: %+v", got)
	}

	limited, _ := s.ActivitySince(ctx, u.ID, 0, 1010, 2)
	if len(limited) != 2 || limited[0].Time != 1000 {
		t.Fatalf("expected newest 2, got %+v", limited)
	}

	latest, ok, err := s.LatestActivity(ctx, u.ID, 950)
	if err != nil || !ok {
		t.Fatalf("LatestActivity: ok=%v err=%v", ok, err)
	}
	if latest.Time != 940 {
		t.Fatalf("expected 940, got %d", latest.Time)
	}

	if _, ok, _ := s.LatestActivity(ctx, u.ID, 100); ok {
		t.Fatalf("expected no sample before 100")
	}
}

func TestStore_LatestSettingsWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	u, _, _ := s.FindOrCreateUser(ctx, "m")

	if _, ok, _ := s.LatestSettings(ctx, u.ID); ok {
		t.Fatalf("expected no settings yet")
	}
	if _, err := s.AppendSettings(ctx, u.ID, "reddit", "reading"); err != nil {
		t.Fatalf("AppendSettings: %v", err)
	}
	if _, err := s.AppendSettings(ctx, u.ID, "youtube", "coding"); err != nil {
		t.Fatalf("AppendSettings: %v", err)
	}

	rev, ok, err := s.LatestSettings(ctx, u.ID)
	if err != nil || !ok {
		t.Fatalf("LatestSettings: ok=%v err=%v", ok, err)
	}
	if rev.Timesinks != "youtube" || rev.EndorsedActivities != "coding" {
		t.Fatalf("unexpected revision: %+v", rev)
	}
	if n := len(s.SettingsHistory(u.ID)); n != 2 {
		t.Fatalf("expected history of 2, got %d", n)
	}

	ensured, err := s.EnsureSettings(ctx, u.ID)
	if err != nil {
		t.Fatalf("EnsureSettings: %v", err)
	}
	if ensured.ID != rev.ID {
		t.Fatalf("EnsureSettings should return latest revision")
	}
}
