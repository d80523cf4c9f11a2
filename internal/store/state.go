package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const deviceIDKey = "device_id"

// GetState reads a sync_state value. ok is false when the key is absent.
func (db *DB) GetState(key string) (value string, ok bool, err error) {
	err = db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetState writes a sync_state value.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// DeviceID returns the id this installation presents in the auth handshake,
// generating and persisting it on first use.
func (db *DB) DeviceID() (string, error) {
	id, ok, err := db.GetState(deviceIDKey)
	if err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := db.SetState(deviceIDKey, id); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return id, nil
}
