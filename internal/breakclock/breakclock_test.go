package breakclock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func exercise(t *testing.T, c Clock) {
	t.Helper()
	ctx := context.Background()
	now := time.Unix(10_000, 0)

	active, err := Active(ctx, c, 1, now)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active {
		t.Fatalf("expected no break before Start")
	}

	if err := c.Start(ctx, 1, now.Add(15*time.Minute)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	end, err := c.EndTime(ctx, 1)
	if err != nil {
		t.Fatalf("EndTime: %v", err)
	}
	if !end.Equal(time.Unix(10_900, 0)) {
		t.Fatalf("expected end 10900, got %v", end.Unix())
	}
	if active, _ := Active(ctx, c, 1, now.Add(time.Minute)); !active {
		t.Fatalf("expected break active inside window")
	}
	if active, _ := Active(ctx, c, 1, now.Add(16*time.Minute)); active {
		t.Fatalf("expected break over after window")
	}
	if active, _ := Active(ctx, c, 2, now.Add(time.Minute)); active {
		t.Fatalf("break must not leak to another user")
	}
}

func TestMemory(t *testing.T) {
	exercise(t, NewMemory())
}

func TestRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	r := NewRedis(srv.Addr(), "")
	t.Cleanup(func() { _ = r.Close() })
	r.now = func() time.Time { return time.Unix(10_000, 0) }

	if err := r.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	exercise(t, r)

	ttl := srv.TTL("nudge:break:1")
	if ttl <= 15*time.Minute || ttl > 15*time.Minute+time.Second {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	srv.FastForward(16 * time.Minute)
	end, err := r.EndTime(context.Background(), 1)
	if err != nil {
		t.Fatalf("EndTime: %v", err)
	}
	if !end.IsZero() {
		t.Fatalf("expected key to expire, got %v", end)
	}
}

func TestRedis_PastBreakClears(t *testing.T) {
	srv := miniredis.RunT(t)
	r := NewRedis(srv.Addr(), "")
	t.Cleanup(func() { _ = r.Close() })
	ctx := context.Background()

	if err := r.Start(ctx, 3, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(ctx, 3, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if srv.Exists("nudge:break:3") {
		t.Fatalf("expected key removed for a past end time")
	}
}
