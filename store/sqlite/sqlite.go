// Package sqlite implements weaver's Checkpointer and SessionStore on a
// local SQLite file using the pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	weaver "github.com/weaverai/weaver"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store persists checkpoints and conversation history in a SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ weaver.Checkpointer = (*Store)(nil)
	_ weaver.SessionStore = (*Store)(nil)
)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a single
// shared connection pool with SetMaxOpenConns(1) so all goroutines serialize
// through one connection, eliminating SQLITE_BUSY errors from concurrent
// writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			node TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at)`)
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Checkpointer ---

func (s *Store) Put(ctx context.Context, cp weaver.Checkpoint) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (thread_id, seq, node, snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.Seq, cp.Node, string(cp.Snapshot), cp.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: put checkpoint failed", "thread_id", cp.ThreadID, "seq", cp.Seq, "error", err)
		return fmt.Errorf("put checkpoint: %w", err)
	}
	s.logger.Debug("sqlite: put checkpoint", "thread_id", cp.ThreadID, "seq", cp.Seq, "node", cp.Node, "duration", time.Since(start))
	return nil
}

func (s *Store) Latest(ctx context.Context, threadID string) (weaver.Checkpoint, bool, error) {
	var cp weaver.Checkpoint
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, seq, node, snapshot, created_at FROM checkpoints
		 WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`, threadID,
	).Scan(&cp.ThreadID, &cp.Seq, &cp.Node, &snapshot, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return weaver.Checkpoint{}, false, nil
	}
	if err != nil {
		return weaver.Checkpoint{}, false, fmt.Errorf("latest checkpoint: %w", err)
	}
	cp.Snapshot = json.RawMessage(snapshot)
	return cp, true, nil
}

func (s *Store) List(ctx context.Context, threadID string) ([]weaver.CheckpointInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, node, created_at FROM checkpoints WHERE thread_id = ? ORDER BY seq`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var infos []weaver.CheckpointInfo
	for rows.Next() {
		var info weaver.CheckpointInfo
		if err := rows.Scan(&info.Seq, &info.Node, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) Get(ctx context.Context, threadID string, seq uint64) (weaver.Checkpoint, error) {
	var cp weaver.Checkpoint
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, seq, node, snapshot, created_at FROM checkpoints
		 WHERE thread_id = ? AND seq = ?`, threadID, seq,
	).Scan(&cp.ThreadID, &cp.Seq, &cp.Node, &snapshot, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return weaver.Checkpoint{}, weaver.ErrNotFound{What: "checkpoint", Key: threadID}
	}
	if err != nil {
		return weaver.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.Snapshot = json.RawMessage(snapshot)
	return cp, nil
}

// --- SessionStore ---

func (s *Store) SaveMessage(ctx context.Context, threadID string, msg weaver.ChatMessage) error {
	start := time.Now()
	var toolCalls *string
	if len(msg.ToolCalls) > 0 {
		data, _ := json.Marshal(msg.ToolCalls)
		v := string(data)
		toolCalls = &v
	}
	createdAt := msg.CreatedAt
	if createdAt == 0 {
		createdAt = weaver.NowUnix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, role, content, tool_calls, tool_call_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		weaver.NewID(), threadID, msg.Role, msg.Content, toolCalls, msg.ToolCallID, createdAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save message failed", "thread_id", threadID, "error", err)
		return fmt.Errorf("save message: %w", err)
	}
	s.logger.Debug("sqlite: save message", "thread_id", threadID, "role", msg.Role, "duration", time.Since(start))
	return nil
}

// Messages returns a thread's history in chronological order. limit <= 0
// returns everything.
func (s *Store) Messages(ctx context.Context, threadID string, limit int) ([]weaver.ChatMessage, error) {
	query := `SELECT role, content, tool_calls, tool_call_id, created_at
		 FROM messages WHERE thread_id = ? ORDER BY created_at, id`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var msgs []weaver.ChatMessage
	for rows.Next() {
		var m weaver.ChatMessage
		var toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &toolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid {
			_ = json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls)
		}
		if toolCallID.Valid {
			m.ToolCallID = toolCallID.String
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) Threads(ctx context.Context) ([]weaver.ThreadInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, COUNT(*), MAX(created_at) FROM messages GROUP BY thread_id ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []weaver.ThreadInfo
	for rows.Next() {
		var t weaver.ThreadInfo
		if err := rows.Scan(&t.ThreadID, &t.Messages, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	return s.db.Close()
}
