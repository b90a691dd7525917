package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"nudge-server/internal/model"
)

const (
	tableUsers    = "users"
	tableMessages = "messages"
	tableActivity = "activity"
	tableSettings = "settings"
)

// Store is the in-memory Gateway. With a state file configured, users and
// settings revisions survive restarts; messages and activity do not.
type Store struct {
	mu sync.RWMutex

	stateFile string
	persistMu sync.Mutex

	userIDByMachineID map[string]int64
	usersByID         map[int64]model.User
	activityByUserID  map[int64][]model.ActivitySample
	settingsByUserID  map[int64][]model.SettingsRevision

	messages *messageStore
	seq      *seqGenerator
	now      func() time.Time
}

var _ Gateway = (*Store)(nil)

func New() *Store {
	return NewWithOptions(Options{})
}

type Options struct {
	StateFile string
	Now       func() time.Time
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		userIDByMachineID: make(map[string]int64),
		usersByID:         make(map[int64]model.User),
		activityByUserID:  make(map[int64][]model.ActivitySample),
		settingsByUserID:  make(map[int64][]model.SettingsRevision),
		messages:          newMessageStore(),
		seq:               newSeqGenerator(),
		stateFile:         opts.StateFile,
		now:               opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	if s.stateFile != "" {
		if err := s.loadStateFromFile(s.stateFile); err != nil {
			slog.Error("state persistence: load failed", "path", s.stateFile, "err", err)
		}
	}

	return s
}

func (s *Store) Close() error { return nil }

type persistedStateFile struct {
	Version  int                      `json:"version"`
	Users    []model.User             `json:"users"`
	Settings []model.SettingsRevision `json:"settings"`
	SavedAt  int64                    `json:"savedAt"`
}

func (s *Store) loadStateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported state file version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range file.Users {
		if u.ID == 0 || u.MachineID == "" {
			continue
		}
		s.usersByID[u.ID] = u
		s.userIDByMachineID[u.MachineID] = u.ID
		s.seq.observe(tableUsers, u.ID)
	}
	sort.Slice(file.Settings, func(i, j int) bool { return file.Settings[i].ID < file.Settings[j].ID })
	for _, rev := range file.Settings {
		if _, ok := s.usersByID[rev.UserID]; !ok {
			continue
		}
		s.settingsByUserID[rev.UserID] = append(s.settingsByUserID[rev.UserID], rev)
		s.seq.observe(tableSettings, rev.ID)
	}
	return nil
}

func (s *Store) snapshotLocked() persistedStateFile {
	file := persistedStateFile{Version: 1}
	for _, u := range s.usersByID {
		file.Users = append(file.Users, u)
	}
	for _, revs := range s.settingsByUserID {
		file.Settings = append(file.Settings, revs...)
	}
	sort.Slice(file.Users, func(i, j int) bool { return file.Users[i].ID < file.Users[j].ID })
	sort.Slice(file.Settings, func(i, j int) bool { return file.Settings[i].ID < file.Settings[j].ID })
	return file
}

func (s *Store) persistSnapshot(file persistedStateFile) error {
	path := s.stateFile
	if path == "" {
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	file.SavedAt = s.now().UnixMilli()
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// unlockAndPersist releases s.mu, writing a snapshot taken under the lock
// when a state file is configured.
func (s *Store) unlockAndPersist() error {
	if s.stateFile == "" {
		s.mu.Unlock()
		return nil
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	if err := s.persistSnapshot(snapshot); err != nil {
		slog.Error("state persistence: write failed", "path", s.stateFile, "err", err)
		return err
	}
	return nil
}

func (s *Store) FindOrCreateUser(ctx context.Context, machineID string) (model.User, bool, error) {
	if err := validateMachineID(machineID); err != nil {
		return model.User{}, false, err
	}

	s.mu.Lock()
	if id, ok := s.userIDByMachineID[machineID]; ok {
		u := s.usersByID[id]
		s.mu.Unlock()
		return u, false, nil
	}

	u := model.User{
		ID:        s.seq.next(tableUsers),
		MachineID: machineID,
		CreatedAt: s.now().UnixMilli(),
	}
	s.usersByID[u.ID] = u
	s.userIDByMachineID[machineID] = u.ID
	if err := s.unlockAndPersist(); err != nil {
		return model.User{}, false, err
	}
	return u, true, nil
}

func (s *Store) GetUser(userID int64) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.usersByID[userID]
	return u, ok
}

func (s *Store) UpdateUserVersion(ctx context.Context, userID int64, version string) error {
	s.mu.Lock()
	u, ok := s.usersByID[userID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if u.Version == version {
		s.mu.Unlock()
		return nil
	}
	u.Version = version
	s.usersByID[userID] = u
	return s.unlockAndPersist()
}

func (s *Store) AppendMessage(ctx context.Context, userID int64, role model.Role, content string) (model.Message, error) {
	if err := validateRole(role); err != nil {
		return model.Message{}, err
	}
	if _, ok := s.GetUser(userID); !ok {
		return model.Message{}, ErrNotFound
	}

	msg := model.Message{
		ID:        s.seq.next(tableMessages),
		UserID:    userID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UnixMilli(),
	}
	s.messages.append(msg)
	return msg, nil
}

func (s *Store) RecentMessages(ctx context.Context, userID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.messages.recent(userID, limit), nil
}

func (s *Store) AppendActivity(ctx context.Context, userID int64, app, windowTitle string, clientTime int64) (model.ActivitySample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usersByID[userID]; !ok {
		return model.ActivitySample{}, ErrNotFound
	}
	sample := model.ActivitySample{
		ID:          s.seq.next(tableActivity),
		UserID:      userID,
		App:         app,
		WindowTitle: windowTitle,
		Time:        clientTime,
		CreatedAt:   s.now().UnixMilli(),
	}
	s.activityByUserID[userID] = append(s.activityByUserID[userID], sample)
	return sample, nil
}

// newestFirst orders samples by client time, breaking ties by insertion.
func newestFirst(samples []model.ActivitySample) {
	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].Time == samples[j].Time {
			return samples[i].ID > samples[j].ID
		}
		return samples[i].Time > samples[j].Time
	})
}

func (s *Store) ActivitySince(ctx context.Context, userID int64, since, until int64, limit int) ([]model.ActivitySample, error) {
	s.mu.RLock()
	result := make([]model.ActivitySample, 0)
	for _, a := range s.activityByUserID[userID] {
		if a.Time >= since && a.Time <= until {
			result = append(result, a)
		}
	}
	s.mu.RUnlock()

	newestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) LatestActivity(ctx context.Context, userID int64, before int64) (model.ActivitySample, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest model.ActivitySample
		found  bool
	)
	for _, a := range s.activityByUserID[userID] {
		if a.Time > before {
			continue
		}
		if !found || a.Time > latest.Time || (a.Time == latest.Time && a.ID > latest.ID) {
			latest = a
			found = true
		}
	}
	return latest, found, nil
}

func (s *Store) appendSettingsLocked(userID int64, timesinks, endorsed string) model.SettingsRevision {
	rev := model.SettingsRevision{
		ID:                 s.seq.next(tableSettings),
		UserID:             userID,
		Timesinks:          timesinks,
		EndorsedActivities: endorsed,
		CreatedAt:          s.now().UnixMilli(),
	}
	s.settingsByUserID[userID] = append(s.settingsByUserID[userID], rev)
	return rev
}

func (s *Store) AppendSettings(ctx context.Context, userID int64, timesinks, endorsed string) (model.SettingsRevision, error) {
	s.mu.Lock()
	if _, ok := s.usersByID[userID]; !ok {
		s.mu.Unlock()
		return model.SettingsRevision{}, ErrNotFound
	}
	rev := s.appendSettingsLocked(userID, timesinks, endorsed)
	if err := s.unlockAndPersist(); err != nil {
		return model.SettingsRevision{}, err
	}
	return rev, nil
}

func (s *Store) LatestSettings(ctx context.Context, userID int64) (model.SettingsRevision, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs := s.settingsByUserID[userID]
	if len(revs) == 0 {
		return model.SettingsRevision{}, false, nil
	}
	return revs[len(revs)-1], true, nil
}

func (s *Store) EnsureSettings(ctx context.Context, userID int64) (model.SettingsRevision, error) {
	s.mu.Lock()
	if _, ok := s.usersByID[userID]; !ok {
		s.mu.Unlock()
		return model.SettingsRevision{}, ErrNotFound
	}
	if revs := s.settingsByUserID[userID]; len(revs) > 0 {
		rev := revs[len(revs)-1]
		s.mu.Unlock()
		return rev, nil
	}
	rev := s.appendSettingsLocked(userID, "", "")
	if err := s.unlockAndPersist(); err != nil {
		return model.SettingsRevision{}, err
	}
	return rev, nil
}

// SettingsHistory returns every revision for the user, oldest first.
func (s *Store) SettingsHistory(userID int64) []model.SettingsRevision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs := s.settingsByUserID[userID]
	result := make([]model.SettingsRevision, len(revs))
	copy(result, revs)
	return result
}
