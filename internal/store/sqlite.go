package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/DoyleJ11/whiteboard-backend/internal/engine"
)

type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id TEXT PRIMARY KEY,
	creator_id TEXT NOT NULL,
	room_type TEXT NOT NULL DEFAULT 'public',
	canvas_data TEXT,
	created_at INTEGER NOT NULL,
	last_activity INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	message TEXT NOT NULL,
	timestamp TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (room_id) REFERENCES rooms(room_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_room_id ON chat_messages(room_id);
`

// NewSQLite opens (creating if needed) a pure-Go sqlite database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) FindRoom(ctx context.Context, roomID string) (RoomRecord, error) {
	var (
		rec          RoomRecord
		roomType     string
		canvas       sql.NullString
		created, act int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, creator_id, room_type, canvas_data, created_at, last_activity
		FROM rooms WHERE room_id = ?`, roomID).
		Scan(&rec.RoomID, &rec.CreatorID, &roomType, &canvas, &created, &act)
	if errors.Is(err, sql.ErrNoRows) {
		return RoomRecord{}, ErrNotFound
	}
	if err != nil {
		return RoomRecord{}, err
	}
	rec.RoomType = engine.RoomType(roomType)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.LastActivity = time.UnixMilli(act).UTC()
	if canvas.Valid {
		rec.Canvas = json.RawMessage(canvas.String)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT display_name, message, timestamp FROM chat_messages
		WHERE room_id = ? ORDER BY id DESC LIMIT ?`, roomID, engine.ChatHistoryLimit)
	if err != nil {
		return RoomRecord{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var m engine.ChatMessage
		if err := rows.Scan(&m.DisplayName, &m.Message, &m.Timestamp); err != nil {
			return RoomRecord{}, err
		}
		rec.Chat = append(rec.Chat, m)
	}
	if err := rows.Err(); err != nil {
		return RoomRecord{}, err
	}
	slices.Reverse(rec.Chat)
	return rec, nil
}

func (s *SQLite) CreateRoom(ctx context.Context, rec RoomRecord) error {
	var canvas sql.NullString
	if rec.Canvas != nil {
		canvas = sql.NullString{String: string(rec.Canvas), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (room_id, creator_id, room_type, canvas_data, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RoomID, rec.CreatorID, string(rec.RoomType), canvas,
		rec.CreatedAt.UnixMilli(), rec.LastActivity.UnixMilli())
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

func (s *SQLite) UpdateCanvas(ctx context.Context, roomID string, canvas json.RawMessage) error {
	return s.setCanvas(ctx, roomID, string(canvas))
}

func (s *SQLite) ClearCanvas(ctx context.Context, roomID string) error {
	return s.setCanvas(ctx, roomID, string(engine.EmptyCanvas))
}

func (s *SQLite) setCanvas(ctx context.Context, roomID, canvas string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET canvas_data = ?, last_activity = ? WHERE room_id = ?`,
		canvas, time.Now().UnixMilli(), roomID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLite) AppendChat(ctx context.Context, roomID string, msg engine.ChatMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE rooms SET last_activity = ? WHERE room_id = ?`, time.Now().UnixMilli(), roomID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (room_id, display_name, message, timestamp) VALUES (?, ?, ?, ?)`,
		roomID, msg.DisplayName, msg.Message, msg.Timestamp); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chat_messages WHERE room_id = ? AND id NOT IN (
			SELECT id FROM chat_messages WHERE room_id = ? ORDER BY id DESC LIMIT ?
		)`, roomID, roomID, engine.ChatHistoryLimit); err != nil {
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
