package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"nudge-server/internal/model"
)

// GORM models used for persistence.
type UserModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	MachineID string `gorm:"uniqueIndex;not null"`
	Version   string `gorm:"not null;default:''"`
	CreatedAt int64  `gorm:"autoCreateTime:false;not null"`
}

type MessageModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	UserID    int64  `gorm:"not null;index:idx_message_user"`
	Role      string `gorm:"not null"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt int64  `gorm:"autoCreateTime:false;not null"`
}

type ActivityModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	UserID      int64  `gorm:"not null;index:idx_activity_user_time,priority:1"`
	App         string `gorm:"not null"`
	WindowTitle string `gorm:"type:text;not null"`
	ClientTime  int64  `gorm:"not null;index:idx_activity_user_time,priority:2"`
	CreatedAt   int64  `gorm:"autoCreateTime:false;not null"`
}

type SettingsModel struct {
	ID                 int64  `gorm:"primaryKey;autoIncrement"`
	UserID             int64  `gorm:"not null;index:idx_settings_user"`
	Timesinks          string `gorm:"type:text;not null"`
	EndorsedActivities string `gorm:"type:text;not null"`
	CreatedAt          int64  `gorm:"autoCreateTime:false;not null"`
}

// GormStore implements Gateway using GORM + Postgres.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Gateway = (*GormStore)(nil)

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &MessageModel{}, &ActivityModel{}, &SettingsModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db, now: time.Now}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) FindOrCreateUser(ctx context.Context, machineID string) (model.User, bool, error) {
	if err := validateMachineID(machineID); err != nil {
		return model.User{}, false, err
	}

	row := UserModel{MachineID: machineID, CreatedAt: s.now().UnixMilli()}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "machine_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return model.User{}, false, fmt.Errorf("insert user: %w", res.Error)
	}
	created := res.RowsAffected == 1

	var existing UserModel
	if err := s.db.WithContext(ctx).Where("machine_id = ?", machineID).First(&existing).Error; err != nil {
		return model.User{}, false, fmt.Errorf("query user: %w", err)
	}
	return toUser(existing), created, nil
}

func (s *GormStore) UpdateUserVersion(ctx context.Context, userID int64, version string) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", userID).Update("version", version)
	if res.Error != nil {
		return fmt.Errorf("update user version: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) AppendMessage(ctx context.Context, userID int64, role model.Role, content string) (model.Message, error) {
	if err := validateRole(role); err != nil {
		return model.Message{}, err
	}
	row := MessageModel{UserID: userID, Role: string(role), Content: content, CreatedAt: s.now().UnixMilli()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return toMessage(row), nil
}

func (s *GormStore) RecentMessages(ctx context.Context, userID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []MessageModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id desc").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	out := make([]model.Message, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = toMessage(row)
	}
	return out, nil
}

func (s *GormStore) AppendActivity(ctx context.Context, userID int64, app, windowTitle string, clientTime int64) (model.ActivitySample, error) {
	row := ActivityModel{
		UserID:      userID,
		App:         app,
		WindowTitle: windowTitle,
		ClientTime:  clientTime,
		CreatedAt:   s.now().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.ActivitySample{}, fmt.Errorf("insert activity: %w", err)
	}
	return toActivity(row), nil
}

func (s *GormStore) ActivitySince(ctx context.Context, userID int64, since, until int64, limit int) ([]model.ActivitySample, error) {
	query := s.db.WithContext(ctx).
		Where("user_id = ? AND client_time >= ? AND client_time <= ?", userID, since, until).
		Order("client_time desc").
		Order("id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []ActivityModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	out := make([]model.ActivitySample, 0, len(rows))
	for _, row := range rows {
		out = append(out, toActivity(row))
	}
	return out, nil
}

func (s *GormStore) LatestActivity(ctx context.Context, userID int64, before int64) (model.ActivitySample, bool, error) {
	var row ActivityModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND client_time <= ?", userID, before).
		Order("client_time desc").
		Order("id desc").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.ActivitySample{}, false, nil
		}
		return model.ActivitySample{}, false, fmt.Errorf("query latest activity: %w", err)
	}
	return toActivity(row), true, nil
}

func (s *GormStore) AppendSettings(ctx context.Context, userID int64, timesinks, endorsed string) (model.SettingsRevision, error) {
	row := SettingsModel{
		UserID:             userID,
		Timesinks:          timesinks,
		EndorsedActivities: endorsed,
		CreatedAt:          s.now().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.SettingsRevision{}, fmt.Errorf("insert settings: %w", err)
	}
	return toSettings(row), nil
}

func (s *GormStore) LatestSettings(ctx context.Context, userID int64) (model.SettingsRevision, bool, error) {
	var row SettingsModel
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id desc").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.SettingsRevision{}, false, nil
		}
		return model.SettingsRevision{}, false, fmt.Errorf("query settings: %w", err)
	}
	return toSettings(row), true, nil
}

func (s *GormStore) EnsureSettings(ctx context.Context, userID int64) (model.SettingsRevision, error) {
	var rev model.SettingsRevision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Serialize concurrent registrations of the same user on its row.
		var user UserModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		var row SettingsModel
		err := tx.Where("user_id = ?", userID).Order("id desc").First(&row).Error
		if err == nil {
			rev = toSettings(row)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		row = SettingsModel{UserID: userID, CreatedAt: s.now().UnixMilli()}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		rev = toSettings(row)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.SettingsRevision{}, err
		}
		return model.SettingsRevision{}, fmt.Errorf("ensure settings: %w", err)
	}
	return rev, nil
}

func toUser(row UserModel) model.User {
	return model.User{ID: row.ID, MachineID: row.MachineID, Version: row.Version, CreatedAt: row.CreatedAt}
}

func toMessage(row MessageModel) model.Message {
	return model.Message{ID: row.ID, UserID: row.UserID, Role: model.Role(row.Role), Content: row.Content, CreatedAt: row.CreatedAt}
}

func toActivity(row ActivityModel) model.ActivitySample {
	return model.ActivitySample{
		ID:          row.ID,
		UserID:      row.UserID,
		App:         row.App,
		WindowTitle: row.WindowTitle,
		Time:        row.ClientTime,
		CreatedAt:   row.CreatedAt,
	}
}

func toSettings(row SettingsModel) model.SettingsRevision {
	return model.SettingsRevision{
		ID:                 row.ID,
		UserID:             row.UserID,
		Timesinks:          row.Timesinks,
		EndorsedActivities: row.EndorsedActivities,
		CreatedAt:          row.CreatedAt,
	}
}
