package store

import (
	"database/sql"
	"time"
)

// QueueOutbox journals a send before it goes out.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	var replyTo sql.NullInt64
	if e.ReplyToID != nil {
		replyTo = sql.NullInt64{Int64: *e.ReplyToID, Valid: true}
	}
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, temp_id, chat_id, body, reply_to_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)`,
		e.ClientMsgID, e.TempID, e.ChatID, e.Body, replyTo, now, now)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientMsgID string, serverMsgID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`, serverMsgID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// FailStaleOutbox marks every still-pending entry failed. Run at startup:
// a send that was in flight when the previous process exited can no longer
// be reconciled.
func (db *DB) FailStaleOutbox(reason string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE status = 'pending'`, reason, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListOutbox returns outbox entries in the given status, oldest first.
func (db *DB) ListOutbox(status OutboxStatus) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, temp_id, chat_id, body, reply_to_id, status, error_message, server_msg_id, created_at
		FROM outbox WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e       OutboxEntry
			replyTo sql.NullInt64
			st      string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.TempID, &e.ChatID, &e.Body, &replyTo, &st, &e.ErrorMessage, &e.ServerMsgID, &created); err != nil {
			return nil, err
		}
		if replyTo.Valid {
			id := replyTo.Int64
			e.ReplyToID = &id
		}
		e.Status = OutboxStatus(st)
		e.CreatedAt = fromMillis(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
