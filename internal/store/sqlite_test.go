package store

import (
	"context"
	"path/filepath"
	"testing"

	"nudge-server/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_RegistrationIsIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	u1, created, err := s.FindOrCreateUser(ctx, "machine-1")
	if err != nil {
		t.Fatalf("FindOrCreateUser: %v", err)
	}
	if !created {
		t.Fatalf("expected created")
	}
	u2, created, err := s.FindOrCreateUser(ctx, "machine-1")
	if err != nil {
		t.Fatalf("FindOrCreateUser: %v", err)
	}
	if created || u2.ID != u1.ID {
		t.Fatalf("expected same user, got %+v created=%v", u2, created)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.EnsureSettings(ctx, u1.ID); err != nil {
			t.Fatalf("EnsureSettings: %v", err)
		}
	}
	n, err := s.SettingsCount(ctx, u1.ID)
	if err != nil {
		t.Fatalf("SettingsCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 settings revision, got %d", n)
	}
}

func TestSQLiteStore_UserVersion(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	u, _, _ := s.FindOrCreateUser(ctx, "m")
	if err := s.UpdateUserVersion(ctx, u.ID, "0.4.0"); err != nil {
		t.Fatalf("UpdateUserVersion: %v", err)
	}
	again, _, _ := s.FindOrCreateUser(ctx, "m")
	if again.Version != "0.4.0" {
		t.Fatalf("expected version 0.4.0, got %q", again.Version)
	}
	if err := s.UpdateUserVersion(ctx, 999, "x"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_MessagesAndSettings(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	u, _, _ := s.FindOrCreateUser(ctx, "m")

	for _, content := range []string{"one", "two", "three"} {
		if _, err := s.AppendMessage(ctx, u.ID, model.RoleUser, content); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	msgs, err := s.RecentMessages(ctx, u.ID, 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if msgs[1].ID <= msgs[0].ID {
		t.Fatalf("expected increasing ids")
	}

	if _, err := s.AppendSettings(ctx, u.ID, "a", "b"); err != nil {
		t.Fatalf("AppendSettings: %v", err)
	}
	if _, err := s.AppendSettings(ctx, u.ID, "c", "d"); err != nil {
		t.Fatalf("AppendSettings: %v", err)
	}
	rev, ok, err := s.LatestSettings(ctx, u.ID)
	if err != nil || !ok {
		t.Fatalf("LatestSettings: ok=%v err=%v", ok, err)
	}
	if rev.Timesinks != "c" || rev.EndorsedActivities != "d" {
		t.Fatalf("unexpected settings: %+v", rev)
	}
}

func TestSQLiteStore_Activity(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	u, _, _ := s.FindOrCreateUser(ctx, "m")

	for _, ts := range []int64{900, 1000, 940, 100} {
		if _, err := s.AppendActivity(ctx, u.ID, "App", "Title", ts); err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
	}
	got, err := s.ActivitySince(ctx, u.ID, 800, 1010, 0)
	if err != nil {
		t.Fatalf("ActivitySince: %v", err)
	}
	if len(got) != 3 || got[0].Time != 1000 || got[2].Time != 900 {
		t.Fatalf("unexpected samples: %+v", got)
	}

	latest, ok, err := s.LatestActivity(ctx, u.ID, 899)
	if err != nil || !ok || latest.Time != 100 {
		t.Fatalf("unexpected latest: %+v ok=%v err=%v", latest, ok, err)
	}
	if _, ok, _ := s.LatestActivity(ctx, u.ID, 50); ok {
		t.Fatalf("expected none before 50")
	}
}
