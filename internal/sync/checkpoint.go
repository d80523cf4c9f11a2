package sync

import (
	"fmt"
	"time"

	"github.com/matheus3301/msync/internal/store"
)

// ChatsSyncedAt is the checkpoint of the last stored chat list.
const ChatsSyncedAt = "chats_synced_at"

// MessagesSyncedAt is the checkpoint of the last stored page of a chat.
func MessagesSyncedAt(chatID int64) string {
	return fmt.Sprintf("messages_synced_at:%d", chatID)
}

// Checkpoints records when each part of the cache was last refreshed.
type Checkpoints struct {
	db *store.DB
}

// NewCheckpoints creates checkpoints backed by the sync_state table.
func NewCheckpoints(db *store.DB) *Checkpoints {
	return &Checkpoints{db: db}
}

// Touch sets key to now.
func (c *Checkpoints) Touch(key string) error {
	return c.Set(key, time.Now())
}

// Set stores t under key.
func (c *Checkpoints) Set(key string, t time.Time) error {
	return c.db.SetState(key, t.UTC().Format(time.RFC3339Nano))
}

// Get returns the time stored under key, or the zero time if it was never set.
func (c *Checkpoints) Get(key string) (time.Time, error) {
	v, ok, err := c.db.GetState(key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("checkpoint %s: %w", key, err)
	}
	return t, nil
}
