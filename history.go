package chatsync

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ============================================================================
// Local history archive
// ============================================================================

const historySchema = `
CREATE TABLE IF NOT EXISTS messages (
	key        TEXT PRIMARY KEY,
	server_id  TEXT,
	client_id  TEXT,
	room_id    TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	is_mine    INTEGER NOT NULL,
	is_read    INTEGER NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, created_at);
`

// History is an optional on-disk archive of conversation state, so the last
// known message list renders instantly on the next session open, before the
// first fetch completes.
type History struct {
	db *sql.DB
}

// OpenHistory opens or creates the archive database at path.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// Record upserts a snapshot of messages for a room. Keys are stable across
// optimistic-to-confirmed transitions, so re-recording is idempotent.
func (h *History) Record(roomID string, msgs []Message) error {
	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO messages (key, server_id, client_id, room_id, sender_id, content, is_mine, is_read, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			server_id = excluded.server_id,
			is_read   = excluded.is_read,
			status    = excluded.status`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare history upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		key := m.Key()
		if key == "" {
			continue
		}
		room := m.RoomID
		if room == "" {
			room = roomID
		}
		_, err := stmt.Exec(key, m.ID, m.ClientID, room, m.SenderID, m.Text,
			boolInt(m.IsMine), boolInt(m.IsRead), string(m.Status), m.Timestamp.UTC())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("record message %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit archived messages for a room, oldest first.
func (h *History) Recent(roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.db.Query(`
		SELECT server_id, client_id, sender_id, content, is_mine, is_read, status, created_at
		FROM messages WHERE room_id = ?
		ORDER BY created_at DESC LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var isMine, isRead int
		var status string
		var created time.Time
		if err := rows.Scan(&m.ID, &m.ClientID, &m.SenderID, &m.Text, &isMine, &isRead, &status, &created); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		m.RoomID = roomID
		m.IsMine = isMine != 0
		m.IsRead = isRead != 0
		m.Status = MessageStatus(status)
		m.Timestamp = created
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
