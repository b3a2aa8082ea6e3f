// Package sqlite implements store.Store on SQLite (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/todo-assistant/internal/model"
	"github.com/capitalize-ai/todo-assistant/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the SQLite implementation of store.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database file at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := openDB("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// SQLite allows a single writer; one connection keeps transactions from
	// racing into SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies embedded migrations not yet recorded in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return err
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil || applied[v] {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", f.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
			v, time.Now().Unix(),
		); err != nil {
			return err
		}
	}
	return nil
}

// ─── Tasks ───────────────────────────────────────────────────────────────────

const taskColumns = `id, user_id, title, description, completed, created_at, updated_at`

// CreateTask inserts a new pending task.
func (s *Store) CreateTask(ctx context.Context, owner, title string, description *string) (*model.Task, error) {
	now := s.now().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (user_id, title, description, completed, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		owner, title, description, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, owner, id)
}

// GetTask returns the owner's task or store.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, owner string, id int64) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`, id, owner)
	return scanTask(row)
}

// ListTasks returns the owner's tasks filtered and sorted per q.
func (s *Store) ListTasks(ctx context.Context, owner string, q model.TaskQuery) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = ?`
	switch q.Filter {
	case model.TaskFilterPending:
		query += ` AND completed = 0`
	case model.TaskFilterCompleted:
		query += ` AND completed = 1`
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	query += fmt.Sprintf(` ORDER BY %s %s, id %s`, store.SortColumn(q.Sort), dir, dir)

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// UpdateTask changes the non-nil fields of the owner's task.
func (s *Store) UpdateTask(ctx context.Context, owner string, id int64, title, description *string) (*model.Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET title = COALESCE(?, title),
		     description = CASE WHEN ? THEN ? ELSE description END,
		     updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		title, description != nil, description, s.now().Format(timeLayout), id, owner,
	)
	if err := affectedOne(res, err); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, owner, id)
}

// SetTaskCompleted sets the completion flag of the owner's task.
func (s *Store) SetTaskCompleted(ctx context.Context, owner string, id int64, completed bool) (*model.Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET completed = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		completed, s.now().Format(timeLayout), id, owner,
	)
	if err := affectedOne(res, err); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, owner, id)
}

// ToggleTask flips the completion flag of the owner's task.
func (s *Store) ToggleTask(ctx context.Context, owner string, id int64) (*model.Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET completed = 1 - completed, updated_at = ? WHERE id = ? AND user_id = ?`,
		s.now().Format(timeLayout), id, owner,
	)
	if err := affectedOne(res, err); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, owner, id)
}

// DeleteTask removes the owner's task and returns its last state.
func (s *Store) DeleteTask(ctx context.Context, owner string, id int64) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`, id, owner))
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, id, owner); err != nil {
		return nil, fmt.Errorf("delete task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// ─── Conversations ───────────────────────────────────────────────────────────

const conversationColumns = `c.id, c.user_id, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)`

// CreateConversation creates an empty conversation for owner.
func (s *Store) CreateConversation(ctx context.Context, owner string) (*model.Conversation, error) {
	now := s.now().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, created_at, updated_at) VALUES (?, ?, ?)`,
		owner, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

// GetConversation returns the conversation regardless of owner.
func (s *Store) GetConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns the owner's conversations, most recent first.
func (s *Store) ListConversations(ctx context.Context, owner string, limit, offset int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c
		 WHERE c.user_id = ?
		 ORDER BY c.updated_at DESC, c.id DESC
		 LIMIT ? OFFSET ?`,
		owner, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := []model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// ListMessages returns the last limit messages in ascending sequence order.
func (s *Store) ListMessages(ctx context.Context, conversationID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, seq, created_at FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var (
			m       model.Message
			role    string
			created string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.OwnerID, &role, &m.Content, &m.Sequence, &created); err != nil {
			return nil, err
		}
		m.Role = model.Role(role)
		m.CreatedAt = parseTime(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendMessage appends a single message to the owner's conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, owner string, role model.Role, content string) (*model.Message, error) {
	msgs, err := s.append(ctx, conversationID, owner, []roleContent{{role, content}})
	if err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// AppendTurn writes the user and assistant messages in one transaction.
func (s *Store) AppendTurn(ctx context.Context, conversationID int64, owner, userText, assistantText string) ([]model.Message, error) {
	return s.append(ctx, conversationID, owner, []roleContent{
		{model.RoleUser, userText},
		{model.RoleAssistant, assistantText},
	})
}

type roleContent struct {
	role    model.Role
	content string
}

func (s *Store) append(ctx context.Context, conversationID int64, owner string, entries []roleContent) ([]model.Message, error) {
	for _, e := range entries {
		if !e.role.Valid() {
			return nil, fmt.Errorf("invalid role %q", e.role)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND user_id = ?`,
		now.Format(timeLayout), conversationID, owner,
	)
	if err := affectedOne(res, err); err != nil {
		return nil, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&seq); err != nil {
		return nil, err
	}

	out := make([]model.Message, 0, len(entries))
	for _, e := range entries {
		seq++
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, user_id, role, content, seq, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			conversationID, owner, string(e.role), e.content, seq, now.Format(timeLayout),
		)
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		out = append(out, model.Message{
			ID:             id,
			ConversationID: conversationID,
			OwnerID:        owner,
			Role:           e.role,
			Content:        e.content,
			Sequence:       seq,
			CreatedAt:      now,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteConversation removes the owner's conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id int64, owner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ? AND user_id = ?`, id, owner).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	var (
		t                model.Task
		desc             sql.NullString
		created, updated string
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &desc, &t.Completed, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if desc.Valid {
		t.Description = &desc.String
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

func scanConversation(row scanner) (*model.Conversation, error) {
	var (
		c                model.Conversation
		created, updated string
	)
	err := row.Scan(&c.ID, &c.OwnerID, &created, &updated, &c.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
