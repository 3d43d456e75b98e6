package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentflow/internal/conversation"
	"agentflow/internal/task"
	"agentflow/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	var (
		c                    conversation.Conversation
		userID, title, pend  sql.NullString
		status, created, upd string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, status, pending, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &userID, &title, &status, &pend, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	if err != nil {
		return conversation.Conversation{}, err
	}
	c.UserID = userID.String
	c.Title = title.String
	c.Status = conversation.Status(status)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(upd)
	if pend.Valid && pend.String != "" {
		var p conversation.PendingConfirmation
		if err := json.Unmarshal([]byte(pend.String), &p); err != nil {
			return conversation.Conversation{}, fmt.Errorf("decode pending confirmation: %w", err)
		}
		c.Pending = &p
	}
	return c, nil
}

func (s *sqliteStore) PutConversation(ctx context.Context, c conversation.Conversation) error {
	var pending any
	if c.Pending != nil {
		b, err := json.Marshal(c.Pending)
		if err != nil {
			return err
		}
		pending = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(id, user_id, title, status, pending, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id=excluded.user_id, title=excluded.title, status=excluded.status,
		   pending=excluded.pending, updated_at=excluded.updated_at`,
		c.ID, nullStr(c.UserID), nullStr(c.Title), string(c.Status), pending,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) AppendItem(ctx context.Context, it conversation.Item) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items(id, conversation_id, thread_id, task_id, agent_name, role, event, component_type, payload, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ConversationID, nullStr(it.ThreadID), nullStr(it.TaskID), nullStr(it.AgentName),
		string(it.Role), string(it.Event), nullStr(it.ComponentType), nullStr(it.Payload), formatTime(it.CreatedAt),
	)
	return err
}

func (s *sqliteStore) ListItems(ctx context.Context, f conversation.ItemFilter) ([]conversation.Item, error) {
	var (
		where []string
		args  []any
	)
	if f.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.Event != "" {
		where = append(where, "event = ?")
		args = append(args, string(f.Event))
	}
	if f.ComponentType != "" {
		where = append(where, "component_type = ?")
		args = append(args, f.ComponentType)
	}
	const cols = `id, conversation_id, thread_id, task_id, agent_name, role, event, component_type, payload, created_at`
	q := `SELECT seq, ` + cols + ` FROM items`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		// Newest N, returned oldest first.
		q = `SELECT ` + cols + ` FROM (` + q + ` ORDER BY seq DESC LIMIT ?) ORDER BY seq`
		args = append(args, f.Limit)
	} else {
		q = `SELECT ` + cols + ` FROM (` + q + `) ORDER BY seq`
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]conversation.Item, 0)
	for rows.Next() {
		var (
			it                                   conversation.Item
			thread, taskID, agent, comp, payload sql.NullString
			role, event, created                 string
		)
		if err := rows.Scan(&it.ID, &it.ConversationID, &thread, &taskID, &agent, &role, &event, &comp, &payload, &created); err != nil {
			return nil, err
		}
		it.ThreadID = thread.String
		it.TaskID = taskID.String
		it.AgentName = agent.String
		it.Role = conversation.Role(role)
		it.Event = conversation.Event(event)
		it.ComponentType = comp.String
		it.Payload = payload.String
		it.CreatedAt = parseTime(created)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveTask(ctx context.Context, t task.Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, state, data, created_at, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET state=excluded.state, data=excluded.data, updated_at=excluded.updated_at`,
		t.ID, string(t.State), string(b), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]task.Task, 0)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var t task.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			s.log.Warn("skipping undecodable task row", logx.String("task_id", id), logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Fixed-width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
