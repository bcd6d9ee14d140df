package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// The bridge stores message timestamps as unix seconds.
func unixTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// BridgeView is a read-only view over the bridge daemon's own message
// store. The bridge owns this database; we only poll it.
type BridgeView struct {
	db *sql.DB
}

// NewBridgeView opens the bridge's sqlite file read-only.
func NewBridgeView(path string) (*BridgeView, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=3000", url.PathEscape(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open bridge store: %w", err)
	}
	return &BridgeView{db: db}, nil
}

// Close closes the view.
func (v *BridgeView) Close() error {
	return v.db.Close()
}

// PollSince returns inbound messages newer than the cursor, ascending,
// at most limit rows. Outbound rows and rows with neither content nor
// media are skipped at the query level.
func (v *BridgeView) PollSince(ctx context.Context, cursor int64, limit int) ([]IncomingMessage, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT m.id, m.chat_jid, m.content, m.timestamp, m.media_type, COALESCE(c.name, '')
		FROM messages m
		LEFT JOIN chats c ON c.jid = m.chat_jid
		WHERE m.timestamp > ? AND m.is_from_me = 0 AND (m.content != '' OR m.media_type != '')
		ORDER BY m.timestamp ASC
		LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IncomingMessage
	for rows.Next() {
		var msg IncomingMessage
		var ts int64
		var mediaType, chatName string
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Content, &ts, &mediaType, &chatName); err != nil {
			return nil, err
		}
		msg.Kind = KindFromMediaType(mediaType)
		msg.Timestamp = unixTime(ts)
		msg.Metadata = map[string]string{}
		if chatName != "" {
			msg.Metadata["chat_name"] = chatName
		}
		if mediaType != "" {
			msg.Metadata["media_type"] = mediaType
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Chats returns the latest chats, most recent first.
func (v *BridgeView) Chats(ctx context.Context, limit int) ([]ChatSummary, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT jid, COALESCE(name, ''), COALESCE(last_message_time, 0)
		FROM chats
		ORDER BY last_message_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatSummary
	for rows.Next() {
		var cs ChatSummary
		var ts int64
		if err := rows.Scan(&cs.JID, &cs.Name, &ts); err != nil {
			return nil, err
		}
		cs.LastMessageTime = unixTime(ts)
		out = append(out, cs)
	}
	return out, rows.Err()
}

// History returns the latest messages of one chat, most recent first.
func (v *BridgeView) History(ctx context.Context, jid string, limit int) ([]IncomingMessage, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT id, chat_jid, content, timestamp, media_type
		FROM messages
		WHERE chat_jid = ?
		ORDER BY timestamp DESC
		LIMIT ?`, jid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IncomingMessage
	for rows.Next() {
		var msg IncomingMessage
		var ts int64
		var mediaType string
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Content, &ts, &mediaType); err != nil {
			return nil, err
		}
		msg.Kind = KindFromMediaType(mediaType)
		msg.Timestamp = unixTime(ts)
		out = append(out, msg)
	}
	return out, rows.Err()
}
