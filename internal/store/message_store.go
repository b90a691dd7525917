package store

import (
	"sync"

	"nudge-server/internal/model"
)

type messageStore struct {
	mu   sync.RWMutex
	data map[int64][]model.Message
}

func newMessageStore() *messageStore {
	return &messageStore{data: make(map[int64][]model.Message)}
}

func (m *messageStore) append(msg model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[msg.UserID] = append(m.data[msg.UserID], msg)
}

// recent returns up to limit of the newest messages in chronological order.
func (m *messageStore) recent(userID int64, limit int) []model.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.data[userID]
	if len(msgs) == 0 || limit <= 0 {
		return nil
	}
	start := 0
	if len(msgs) > limit {
		start = len(msgs) - limit
	}
	result := make([]model.Message, len(msgs)-start)
	copy(result, msgs[start:])
	return result
}
