package store

import (
	"context"
	"errors"

	"nudge-server/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Gateway is the persistence capability the session core depends on.
// Messages, activity samples and settings revisions are append-only.
type Gateway interface {
	// FindOrCreateUser returns the user registered under machineID,
	// creating it on first sight. created reports whether a new row was
	// written.
	FindOrCreateUser(ctx context.Context, machineID string) (user model.User, created bool, err error)
	UpdateUserVersion(ctx context.Context, userID int64, version string) error

	AppendMessage(ctx context.Context, userID int64, role model.Role, content string) (model.Message, error)
	// RecentMessages returns up to limit of the newest messages, oldest first.
	RecentMessages(ctx context.Context, userID int64, limit int) ([]model.Message, error)

	AppendActivity(ctx context.Context, userID int64, app, windowTitle string, clientTime int64) (model.ActivitySample, error)
	// ActivitySince returns samples with since <= Time <= until, newest first.
	ActivitySince(ctx context.Context, userID int64, since, until int64, limit int) ([]model.ActivitySample, error)
	// LatestActivity returns the newest sample with Time <= before.
	LatestActivity(ctx context.Context, userID int64, before int64) (model.ActivitySample, bool, error)

	AppendSettings(ctx context.Context, userID int64, timesinks, endorsed string) (model.SettingsRevision, error)
	LatestSettings(ctx context.Context, userID int64) (model.SettingsRevision, bool, error)
	// EnsureSettings returns the latest revision, appending an empty one
	// first if the user has none. At most one default is ever appended.
	EnsureSettings(ctx context.Context, userID int64) (model.SettingsRevision, error)

	Close() error
}

func validateMachineID(machineID string) error {
	if machineID == "" {
		return errors.Join(ErrInvalidArgument, errors.New("missing machine id"))
	}
	return nil
}

func validateRole(role model.Role) error {
	if !role.Valid() {
		return errors.Join(ErrInvalidArgument, errors.New("unknown role "+string(role)))
	}
	return nil
}
