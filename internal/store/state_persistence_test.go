package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestStore_StatePersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")
	ctx := context.Background()

	s1 := NewWithOptions(Options{StateFile: stateFile})
	u, created, err := s1.FindOrCreateUser(ctx, "m1")
	if err != nil {
		t.Fatalf("FindOrCreateUser: %v", err)
	}
	if !created {
		t.Fatalf("expected user created")
	}
	if err := s1.UpdateUserVersion(ctx, u.ID, "1.2.3"); err != nil {
		t.Fatalf("UpdateUserVersion: %v", err)
	}
	if _, err := s1.AppendSettings(ctx, u.ID, "twitter", "writing"); err != nil {
		t.Fatalf("AppendSettings: %v", err)
	}

	info, err := os.Stat(stateFile)
	if err != nil {
		t.Fatalf("expected state file written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected state file mode 0600, got %o", info.Mode().Perm())
	}

	s2 := NewWithOptions(Options{StateFile: stateFile})
	again, created, err := s2.FindOrCreateUser(ctx, "m1")
	if err != nil {
		t.Fatalf("FindOrCreateUser: %v", err)
	}
	if created || again.ID != u.ID || again.Version != "1.2.3" {
		t.Fatalf("unexpected user loaded: %+v created=%v", again, created)
	}
	rev, ok, _ := s2.LatestSettings(ctx, u.ID)
	if !ok || rev.Timesinks != "twitter" {
		t.Fatalf("unexpected settings loaded: %+v", rev)
	}

	other, _, _ := s2.FindOrCreateUser(ctx, "m2")
	if other.ID <= u.ID {
		t.Fatalf("expected new ids to continue after loaded ones, got %d", other.ID)
	}
}
