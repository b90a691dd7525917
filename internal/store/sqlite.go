package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"nudge-server/internal/model"
)

// SQLiteStore implements Gateway on a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Gateway = (*SQLiteStore)(nil)

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers anyway; one connection keeps PRAGMAs and
	// ":memory:" databases consistent.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err = store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        machine_id TEXT UNIQUE NOT NULL,
        version TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant', 'special')),
        content TEXT NOT NULL,
        created_at INTEGER NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_user ON messages (user_id, id);

    CREATE TABLE IF NOT EXISTS activity (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL,
        app TEXT NOT NULL,
        window_title TEXT NOT NULL,
        client_time INTEGER NOT NULL,
        created_at INTEGER NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_activity_user_time ON activity (user_id, client_time);

    CREATE TABLE IF NOT EXISTS settings (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL,
        timesinks TEXT NOT NULL,
        endorsed_activities TEXT NOT NULL,
        created_at INTEGER NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_settings_user ON settings (user_id, id);
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
func (s *SQLiteStore) FindOrCreateUser(ctx context.Context, machineID string) (model.User, bool, error) {
	if err := validateMachineID(machineID); err != nil {
		return model.User{}, false, err
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (machine_id, created_at) VALUES (?, ?) ON CONFLICT (machine_id) DO NOTHING",
		machineID, s.now().UnixMilli())
	if err != nil {
		return model.User{}, false, fmt.Errorf("failed to insert user: %w", err)
	}
	affected, _ := res.RowsAffected()

	var user model.User
	err = s.db.QueryRowContext(ctx,
		"SELECT id, machine_id, version, created_at FROM users WHERE machine_id = ?", machineID,
	).Scan(&user.ID, &user.MachineID, &user.Version, &user.CreatedAt)
	if err != nil {
		return model.User{}, false, fmt.Errorf("failed to query user: %w", err)
	}
	return user, affected == 1, nil
}

func (s *SQLiteStore) UpdateUserVersion(ctx context.Context, userID int64, version string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET version = ? WHERE id = ?", version, userID)
	if err != nil {
		return fmt.Errorf("failed to update user version: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Message methods
func (s *SQLiteStore) AppendMessage(ctx context.Context, userID int64, role model.Role, content string) (model.Message, error) {
	if err := validateRole(role); err != nil {
		return model.Message{}, err
	}

	msg := model.Message{UserID: userID, Role: role, Content: content, CreatedAt: s.now().UnixMilli()}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (user_id, role, content, created_at) VALUES (?, ?, ?, ?)",
		msg.UserID, string(msg.Role), msg.Content, msg.CreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	msg.ID, _ = res.LastInsertId()
	return msg, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, userID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT id, user_id, role, content, created_at FROM (
            SELECT id, user_id, role, content, created_at
            FROM messages
            WHERE user_id = ?
            ORDER BY id DESC
            LIMIT ?
        ) ORDER BY id ASC
    `
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var msg model.Message
		var role string
		if err := rows.Scan(&msg.ID, &msg.UserID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Role = model.Role(role)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Activity methods
func (s *SQLiteStore) AppendActivity(ctx context.Context, userID int64, app, windowTitle string, clientTime int64) (model.ActivitySample, error) {
	sample := model.ActivitySample{
		UserID:      userID,
		App:         app,
		WindowTitle: windowTitle,
		Time:        clientTime,
		CreatedAt:   s.now().UnixMilli(),
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO activity (user_id, app, window_title, client_time, created_at) VALUES (?, ?, ?, ?, ?)",
		sample.UserID, sample.App, sample.WindowTitle, sample.Time, sample.CreatedAt)
	if err != nil {
		return model.ActivitySample{}, fmt.Errorf("failed to insert activity: %w", err)
	}
	sample.ID, _ = res.LastInsertId()
	return sample, nil
}

func (s *SQLiteStore) ActivitySince(ctx context.Context, userID int64, since, until int64, limit int) ([]model.ActivitySample, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, app, window_title, client_time, created_at
        FROM activity
        WHERE user_id = ? AND client_time >= ? AND client_time <= ?
        ORDER BY client_time DESC, id DESC
        LIMIT ?
    `, userID, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var samples []model.ActivitySample
	for rows.Next() {
		var a model.ActivitySample
		if err := rows.Scan(&a.ID, &a.UserID, &a.App, &a.WindowTitle, &a.Time, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		samples = append(samples, a)
	}
	return samples, rows.Err()
}

func (s *SQLiteStore) LatestActivity(ctx context.Context, userID int64, before int64) (model.ActivitySample, bool, error) {
	var a model.ActivitySample
	err := s.db.QueryRowContext(ctx, `
        SELECT id, user_id, app, window_title, client_time, created_at
        FROM activity
        WHERE user_id = ? AND client_time <= ?
        ORDER BY client_time DESC, id DESC
        LIMIT 1
    `, userID, before).Scan(&a.ID, &a.UserID, &a.App, &a.WindowTitle, &a.Time, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ActivitySample{}, false, nil
		}
		return model.ActivitySample{}, false, fmt.Errorf("failed to query latest activity: %w", err)
	}
	return a, true, nil
}

// Settings methods
func (s *SQLiteStore) AppendSettings(ctx context.Context, userID int64, timesinks, endorsed string) (model.SettingsRevision, error) {
	rev := model.SettingsRevision{
		UserID:             userID,
		Timesinks:          timesinks,
		EndorsedActivities: endorsed,
		CreatedAt:          s.now().UnixMilli(),
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO settings (user_id, timesinks, endorsed_activities, created_at) VALUES (?, ?, ?, ?)",
		rev.UserID, rev.Timesinks, rev.EndorsedActivities, rev.CreatedAt)
	if err != nil {
		return model.SettingsRevision{}, fmt.Errorf("failed to insert settings: %w", err)
	}
	rev.ID, _ = res.LastInsertId()
	return rev, nil
}

func (s *SQLiteStore) LatestSettings(ctx context.Context, userID int64) (model.SettingsRevision, bool, error) {
	var rev model.SettingsRevision
	err := s.db.QueryRowContext(ctx, `
        SELECT id, user_id, timesinks, endorsed_activities, created_at
        FROM settings
        WHERE user_id = ?
        ORDER BY id DESC
        LIMIT 1
    `, userID).Scan(&rev.ID, &rev.UserID, &rev.Timesinks, &rev.EndorsedActivities, &rev.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SettingsRevision{}, false, nil
		}
		return model.SettingsRevision{}, false, fmt.Errorf("failed to query settings: %w", err)
	}
	return rev, true, nil
}

func (s *SQLiteStore) EnsureSettings(ctx context.Context, userID int64) (model.SettingsRevision, error) {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO settings (user_id, timesinks, endorsed_activities, created_at)
        SELECT ?, '', '', ?
        WHERE NOT EXISTS (SELECT 1 FROM settings WHERE user_id = ?)
    `, userID, s.now().UnixMilli(), userID)
	if err != nil {
		return model.SettingsRevision{}, fmt.Errorf("failed to insert default settings: %w", err)
	}
	rev, ok, err := s.LatestSettings(ctx, userID)
	if err != nil {
		return model.SettingsRevision{}, err
	}
	if !ok {
		return model.SettingsRevision{}, ErrNotFound
	}
	return rev, nil
}

// SettingsCount reports how many revisions exist for the user.
func (s *SQLiteStore) SettingsCount(ctx context.Context, userID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM settings WHERE user_id = ?", userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count settings: %w", err)
	}
	return n, nil
}
