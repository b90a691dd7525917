package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"nudge-server/internal/model"
)

type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Retrying wraps a Gateway, retrying failed calls with exponential backoff.
// Invalid arguments, missing rows and context cancellation are returned
// immediately. Appends are retried only when the failure is known to have
// happened before anything was committed, so a retry never duplicates a row.
type Retrying struct {
	next   Gateway
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

var _ Gateway = (*Retrying)(nil)

func WithRetry(next Gateway, policy RetryPolicy) *Retrying {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 50 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 2 * time.Second
	}
	return &Retrying{next: next, policy: policy, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// uncommitted reports whether err guarantees the statement wrote nothing.
func uncommitted(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return pgconn.SafeToRetry(err)
}

func appendRetryable(err error) bool {
	return retryable(err) && uncommitted(err)
}

func do[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	return doIf(ctx, r, op, retryable, fn)
}

func doAppend[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	return doIf(ctx, r, op, appendRetryable, fn)
}

func doIf[T any](ctx context.Context, r *Retrying, op string, shouldRetry func(error) bool, fn func() (T, error)) (T, error) {
	delay := r.policy.BaseDelay
	var (
		result T
		err    error
	)
	for attempt := 1; ; attempt++ {
		result, err = fn()
		if !shouldRetry(err) || attempt >= r.policy.Attempts {
			return result, err
		}
		slog.Warn("store: retrying after error", "op", op, "attempt", attempt, "err", err)
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return result, err
		}
		delay *= 2
		if delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}
}

func (r *Retrying) Close() error { return r.next.Close() }

func (r *Retrying) FindOrCreateUser(ctx context.Context, machineID string) (model.User, bool, error) {
	type result struct {
		user    model.User
		created bool
	}
	res, err := do(ctx, r, "FindOrCreateUser", func() (result, error) {
		u, created, err := r.next.FindOrCreateUser(ctx, machineID)
		return result{u, created}, err
	})
	return res.user, res.created, err
}

func (r *Retrying) UpdateUserVersion(ctx context.Context, userID int64, version string) error {
	_, err := do(ctx, r, "UpdateUserVersion", func() (struct{}, error) {
		return struct{}{}, r.next.UpdateUserVersion(ctx, userID, version)
	})
	return err
}

func (r *Retrying) AppendMessage(ctx context.Context, userID int64, role model.Role, content string) (model.Message, error) {
	return doAppend(ctx, r, "AppendMessage", func() (model.Message, error) {
		return r.next.AppendMessage(ctx, userID, role, content)
	})
}

func (r *Retrying) RecentMessages(ctx context.Context, userID int64, limit int) ([]model.Message, error) {
	return do(ctx, r, "RecentMessages", func() ([]model.Message, error) {
		return r.next.RecentMessages(ctx, userID, limit)
	})
}

func (r *Retrying) AppendActivity(ctx context.Context, userID int64, app, windowTitle string, clientTime int64) (model.ActivitySample, error) {
	return doAppend(ctx, r, "AppendActivity", func() (model.ActivitySample, error) {
		return r.next.AppendActivity(ctx, userID, app, windowTitle, clientTime)
	})
}

func (r *Retrying) ActivitySince(ctx context.Context, userID int64, since, until int64, limit int) ([]model.ActivitySample, error) {
	return do(ctx, r, "ActivitySince", func() ([]model.ActivitySample, error) {
		return r.next.ActivitySince(ctx, userID, since, until, limit)
	})
}

func (r *Retrying) LatestActivity(ctx context.Context, userID int64, before int64) (model.ActivitySample, bool, error) {
	type result struct {
		sample model.ActivitySample
		ok     bool
	}
	res, err := do(ctx, r, "LatestActivity", func() (result, error) {
		a, ok, err := r.next.LatestActivity(ctx, userID, before)
		return result{a, ok}, err
	})
	return res.sample, res.ok, err
}

func (r *Retrying) AppendSettings(ctx context.Context, userID int64, timesinks, endorsed string) (model.SettingsRevision, error) {
	return doAppend(ctx, r, "AppendSettings", func() (model.SettingsRevision, error) {
		return r.next.AppendSettings(ctx, userID, timesinks, endorsed)
	})
}

func (r *Retrying) LatestSettings(ctx context.Context, userID int64) (model.SettingsRevision, bool, error) {
	type result struct {
		rev model.SettingsRevision
		ok  bool
	}
	res, err := do(ctx, r, "LatestSettings", func() (result, error) {
		rev, ok, err := r.next.LatestSettings(ctx, userID)
		return result{rev, ok}, err
	})
	return res.rev, res.ok, err
}

func (r *Retrying) EnsureSettings(ctx context.Context, userID int64) (model.SettingsRevision, error) {
	return do(ctx, r, "EnsureSettings", func() (model.SettingsRevision, error) {
		return r.next.EnsureSettings(ctx, userID)
	})
}
