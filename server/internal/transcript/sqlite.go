package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"sage-talk/server/internal/model"
)

// SQLiteStore 是基于 SQLite 的转写存储实现，跨重启保留转写记录。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开（或创建）转写数据库。
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS transcript_events (
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		event_id   TEXT,
		role       TEXT NOT NULL,
		type       TEXT NOT NULL,
		text       TEXT,
		client_ts  DATETIME,
		server_ts  DATETIME NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transcript_event_id
		ON transcript_events (session_id, event_id)
		WHERE event_id IS NOT NULL AND event_id != ''`)
	return err
}

// Append 在一个事务里分配 seq 并写入事件；相同 EventID 返回已分配的 seq（幂等）。
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, evt *model.TranscriptEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if evt.EventID != "" {
		var seq int64
		err := tx.QueryRowContext(ctx,
			`SELECT seq FROM transcript_events WHERE session_id = ? AND event_id = ?`,
			sessionID, evt.EventID).Scan(&seq)
		if err == nil {
			return seq, nil
		}
		if err != sql.ErrNoRows {
			return 0, fmt.Errorf("check event id: %w", err)
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM transcript_events WHERE session_id = ?`,
		sessionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	serverTS := evt.ServerTS
	if serverTS.IsZero() {
		serverTS = time.Now()
	}
	var clientTS interface{}
	if !evt.ClientTS.IsZero() {
		clientTS = evt.ClientTS
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transcript_events (session_id, seq, event_id, role, type, text, client_ts, server_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, seq, evt.EventID, evt.Role, evt.Type, evt.Text, clientTS, serverTS); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

// List 返回某个 session 的全部转写事件（按 seq 顺序）。
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]model.TranscriptEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, event_id, role, type, text, client_ts, server_ts
		 FROM transcript_events WHERE session_id = ? ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []model.TranscriptEvent
	for rows.Next() {
		var evt model.TranscriptEvent
		var eventID, text sql.NullString
		var clientTS sql.NullTime
		if err := rows.Scan(&evt.Seq, &eventID, &evt.Role, &evt.Type, &text, &clientTS, &evt.ServerTS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.SessionID = sessionID
		evt.EventID = eventID.String
		evt.Text = text.String
		if clientTS.Valid {
			evt.ClientTS = clientTS.Time
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
