// Package postgres implements weaver's Checkpointer and SessionStore on
// PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	weaver "github.com/weaverai/weaver"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store persists checkpoints and conversation history in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
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

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple times,
// every statement is idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			node TEXT NOT NULL,
			snapshot JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (thread_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls JSONB,
			tool_call_id TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// --- Checkpointer ---

func (s *Store) Put(ctx context.Context, cp weaver.Checkpoint) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, seq, node, snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (thread_id, seq) DO UPDATE SET
		   node = EXCLUDED.node,
		   snapshot = EXCLUDED.snapshot,
		   created_at = EXCLUDED.created_at`,
		cp.ThreadID, int64(cp.Seq), cp.Node, []byte(cp.Snapshot), cp.CreatedAt,
	)
	if err != nil {
		s.logger.Error("postgres: put checkpoint failed", "thread_id", cp.ThreadID, "seq", cp.Seq, "error", err)
		return fmt.Errorf("postgres: put checkpoint: %w", err)
	}
	s.logger.Debug("postgres: put checkpoint", "thread_id", cp.ThreadID, "seq", cp.Seq, "node", cp.Node, "duration", time.Since(start))
	return nil
}

func (s *Store) Latest(ctx context.Context, threadID string) (weaver.Checkpoint, bool, error) {
	var cp weaver.Checkpoint
	var seq int64
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT thread_id, seq, node, snapshot, created_at FROM checkpoints
		 WHERE thread_id = $1 ORDER BY seq DESC LIMIT 1`, threadID,
	).Scan(&cp.ThreadID, &seq, &cp.Node, &snapshot, &cp.CreatedAt)
	if err == pgx.ErrNoRows {
		return weaver.Checkpoint{}, false, nil
	}
	if err != nil {
		return weaver.Checkpoint{}, false, fmt.Errorf("postgres: latest checkpoint: %w", err)
	}
	cp.Seq = uint64(seq)
	cp.Snapshot = json.RawMessage(snapshot)
	return cp, true, nil
}

func (s *Store) List(ctx context.Context, threadID string) ([]weaver.CheckpointInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, node, created_at FROM checkpoints WHERE thread_id = $1 ORDER BY seq`, threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list checkpoints: %w", err)
	}
	defer rows.Close()

	var infos []weaver.CheckpointInfo
	for rows.Next() {
		var info weaver.CheckpointInfo
		var seq int64
		if err := rows.Scan(&seq, &info.Node, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
		}
		info.Seq = uint64(seq)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) Get(ctx context.Context, threadID string, seq uint64) (weaver.Checkpoint, error) {
	var cp weaver.Checkpoint
	var gotSeq int64
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT thread_id, seq, node, snapshot, created_at FROM checkpoints
		 WHERE thread_id = $1 AND seq = $2`, threadID, int64(seq),
	).Scan(&cp.ThreadID, &gotSeq, &cp.Node, &snapshot, &cp.CreatedAt)
	if err == pgx.ErrNoRows {
		return weaver.Checkpoint{}, weaver.ErrNotFound{What: "checkpoint", Key: threadID}
	}
	if err != nil {
		return weaver.Checkpoint{}, fmt.Errorf("postgres: get checkpoint: %w", err)
	}
	cp.Seq = uint64(gotSeq)
	cp.Snapshot = json.RawMessage(snapshot)
	return cp, nil
}

// --- SessionStore ---

func (s *Store) SaveMessage(ctx context.Context, threadID string, msg weaver.ChatMessage) error {
	start := time.Now()
	var toolCalls []byte
	if len(msg.ToolCalls) > 0 {
		toolCalls, _ = json.Marshal(msg.ToolCalls)
	}
	createdAt := msg.CreatedAt
	if createdAt == 0 {
		createdAt = weaver.NowUnix()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, thread_id, role, content, tool_calls, tool_call_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		weaver.NewID(), threadID, msg.Role, msg.Content, toolCalls, nullIfEmpty(msg.ToolCallID), createdAt,
	)
	if err != nil {
		s.logger.Error("postgres: save message failed", "thread_id", threadID, "error", err)
		return fmt.Errorf("postgres: save message: %w", err)
	}
	s.logger.Debug("postgres: save message", "thread_id", threadID, "role", msg.Role, "duration", time.Since(start))
	return nil
}

// Messages returns a thread's history in chronological order. limit <= 0
// returns everything.
func (s *Store) Messages(ctx context.Context, threadID string, limit int) ([]weaver.ChatMessage, error) {
	query := `SELECT role, content, tool_calls, tool_call_id, created_at
		 FROM messages WHERE thread_id = $1 ORDER BY created_at, id`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	defer rows.Close()

	var msgs []weaver.ChatMessage
	for rows.Next() {
		var m weaver.ChatMessage
		var toolCalls []byte
		var toolCallID *string
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &toolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if len(toolCalls) > 0 {
			_ = json.Unmarshal(toolCalls, &m.ToolCalls)
		}
		if toolCallID != nil {
			m.ToolCallID = *toolCallID
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) Threads(ctx context.Context) ([]weaver.ThreadInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT thread_id, COUNT(*), MAX(created_at) FROM messages GROUP BY thread_id ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list threads: %w", err)
	}
	defer rows.Close()

	var threads []weaver.ThreadInfo
	for rows.Next() {
		var t weaver.ThreadInfo
		if err := rows.Scan(&t.ThreadID, &t.Messages, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Close is a no-op. The pool is owned by the caller; it satisfies the
// weaver.SessionStore interface so the server can close stores uniformly.
func (s *Store) Close() error { return nil }
