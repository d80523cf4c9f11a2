package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// timeLayouts are the timestamp shapes the backend has been seen to emit.
// Naive timestamps are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime parses a backend timestamp. The empty string yields the zero time.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func parseOptionalTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := ParseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UnmarshalJSON accepts RFC 3339 and naive timestamps.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		CreatedAt string  `json:"created_at"`
		EditedAt  *string `json:"edited_at"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	created, err := ParseTime(aux.CreatedAt)
	if err != nil {
		return fmt.Errorf("message created_at: %w", err)
	}
	edited, err := parseOptionalTime(aux.EditedAt)
	if err != nil {
		return fmt.Errorf("message edited_at: %w", err)
	}
	m.CreatedAt = created
	m.EditedAt = edited
	return nil
}

// UnmarshalJSON accepts RFC 3339 and naive timestamps.
func (l *LastMessage) UnmarshalJSON(data []byte) error {
	type plain LastMessage
	aux := struct {
		*plain
		CreatedAt string `json:"created_at"`
	}{plain: (*plain)(l)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	created, err := ParseTime(aux.CreatedAt)
	if err != nil {
		return fmt.Errorf("last_message created_at: %w", err)
	}
	l.CreatedAt = created
	return nil
}

// UnmarshalJSON accepts RFC 3339 and naive timestamps.
func (c *Chat) UnmarshalJSON(data []byte) error {
	type plain Chat
	aux := struct {
		*plain
		UpdatedAt string `json:"updated_at"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	updated, err := ParseTime(aux.UpdatedAt)
	if err != nil {
		return fmt.Errorf("chat updated_at: %w", err)
	}
	c.UpdatedAt = updated
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	return nil
}
