package store

import (
	"database/sql"
	"fmt"

	"github.com/matheus3301/msync/internal/model"
)

// UpsertMessages stores server-confirmed messages (idempotent on id).
// Entries without a server id are skipped.
func (db *DB) UpsertMessages(msgs []model.Message) error {
	return db.inTx("messages", func(tx *sql.Tx) error {
		for i := range msgs {
			m := &msgs[i]
			if m.Pending() {
				continue
			}
			var edited sql.NullInt64
			if m.EditedAt != nil {
				edited = sql.NullInt64{Int64: toMillis(*m.EditedAt), Valid: true}
			}
			var replyTo sql.NullInt64
			if m.ReplyToID != nil {
				replyTo = sql.NullInt64{Int64: *m.ReplyToID, Valid: true}
			}
			if _, err := tx.Exec(`
				INSERT INTO messages (id, chat_id, sender_id, sender_name, message_type, content, file_url, created_at, edited_at, reply_to_id, is_read, is_moderated)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					sender_name = excluded.sender_name,
					message_type = excluded.message_type,
					content = excluded.content,
					file_url = excluded.file_url,
					edited_at = excluded.edited_at,
					is_read = MAX(messages.is_read, excluded.is_read),
					is_moderated = excluded.is_moderated`,
				m.ID, m.ChatID, m.SenderID, m.SenderName, string(m.Type), m.Content, m.FileURL,
				toMillis(m.CreatedAt), edited, replyTo, m.IsRead, m.IsModerated); err != nil {
				return fmt.Errorf("upsert message %d: %w", m.ID, err)
			}
		}
		return nil
	})
}

// ListMessages returns up to limit messages of a chat older than beforeID
// (keyset pagination on id), oldest first. beforeID <= 0 means the latest page.
func (db *DB) ListMessages(chatID, beforeID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, chat_id, sender_id, sender_name, message_type, content, file_url, created_at, edited_at, reply_to_id, is_read, is_moderated
		FROM messages
		WHERE chat_id = ?`
	args := []any{chatID}
	if beforeID > 0 {
		q += ` AND id < ?`
		args = append(args, beforeID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var (
			m       model.Message
			typ     string
			created int64
			edited  sql.NullInt64
			replyTo sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &typ, &m.Content, &m.FileURL,
			&created, &edited, &replyTo, &m.IsRead, &m.IsModerated); err != nil {
			return nil, err
		}
		m.Type = model.MessageType(typ)
		m.CreatedAt = fromMillis(created)
		if edited.Valid {
			t := fromMillis(edited.Int64)
			m.EditedAt = &t
		}
		if replyTo.Valid {
			id := replyTo.Int64
			m.ReplyToID = &id
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteMessage removes a cached message.
func (db *DB) DeleteMessage(chatID, id int64) error {
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ? AND id = ?`, chatID, id)
	return err
}

// MarkMessageRead flags a cached message as read.
func (db *DB) MarkMessageRead(id int64) error {
	_, err := db.Exec(`UPDATE messages SET is_read = 1 WHERE id = ?`, id)
	return err
}
