package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/msync/internal/model"
)

const chatColumns = `id, title, type, avatar, updated_at, unread_count,
	has_last, last_text, last_type, last_sender_id, last_at, members`

// ReplaceChats swaps the cached chat list for a fresh snapshot.
func (db *DB) ReplaceChats(chats []model.Chat) error {
	return db.inTx("chats", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM chats`); err != nil {
			return fmt.Errorf("clear chats: %w", err)
		}
		for i := range chats {
			if err := upsertChat(tx, &chats[i]); err != nil {
				return fmt.Errorf("insert chat %d: %w", chats[i].ID, err)
			}
		}
		return nil
	})
}

// UpsertChat inserts or updates one chat.
func (db *DB) UpsertChat(c *model.Chat) error {
	return upsertChat(db, c)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertChat(ex execer, c *model.Chat) error {
	members, err := json.Marshal(c.Members)
	if err != nil {
		return err
	}
	var (
		hasLast  bool
		lastText string
		lastType string
		lastFrom int64
		lastAt   int64
	)
	if lm := c.LastMessage; lm != nil {
		hasLast = true
		lastText, lastType, lastFrom, lastAt = lm.Text, string(lm.Type), lm.SenderID, toMillis(lm.CreatedAt)
	}
	_, err = ex.Exec(`
		INSERT INTO chats (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			type = excluded.type,
			avatar = excluded.avatar,
			updated_at = excluded.updated_at,
			unread_count = excluded.unread_count,
			has_last = excluded.has_last,
			last_text = excluded.last_text,
			last_type = excluded.last_type,
			last_sender_id = excluded.last_sender_id,
			last_at = excluded.last_at,
			members = excluded.members`,
		c.ID, c.Title, string(c.Type), c.Avatar, toMillis(c.UpdatedAt), max(c.UnreadCount, 0),
		hasLast, lastText, lastType, lastFrom, lastAt, string(members))
	return err
}

// ListChats returns cached chats, most recently active first.
func (db *DB) ListChats() ([]model.Chat, error) {
	rows, err := db.Query(`SELECT ` + chatColumns + ` FROM chats ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []model.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, or nil when it is not cached.
func (db *DB) GetChat(id int64) (*model.Chat, error) {
	c, err := scanChat(db.QueryRow(`SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(s scanner) (model.Chat, error) {
	var (
		c                  model.Chat
		typ                string
		updated            int64
		hasLast            bool
		lastText, lastType string
		lastFrom, lastAt   int64
		members            string
	)
	if err := s.Scan(&c.ID, &c.Title, &typ, &c.Avatar, &updated, &c.UnreadCount,
		&hasLast, &lastText, &lastType, &lastFrom, &lastAt, &members); err != nil {
		return model.Chat{}, err
	}
	c.Type = model.ChatType(typ)
	c.UpdatedAt = fromMillis(updated)
	if hasLast {
		c.LastMessage = &model.LastMessage{
			Text:      lastText,
			Type:      model.MessageType(lastType),
			SenderID:  lastFrom,
			CreatedAt: fromMillis(lastAt),
		}
	}
	if members != "" && members != "null" {
		if err := json.Unmarshal([]byte(members), &c.Members); err != nil {
			return model.Chat{}, fmt.Errorf("chat %d members: %w", c.ID, err)
		}
	}
	return c, nil
}
