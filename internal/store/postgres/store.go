// Package postgres implements store.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/todo-assistant/internal/model"
	"github.com/capitalize-ai/todo-assistant/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// appendRetries bounds retries when concurrent appends collide on (conversation_id, seq).
const appendRetries = 3

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	Pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open opens a connection pool for dsn and runs migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres: DATABASE_URL required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{Pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migration: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	s.Pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Migrate runs pending migrations (only those not already in schema_migrations).
func (s *Store) Migrate(ctx context.Context) error {
	applied := make(map[int]bool)
	rows, err := s.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
		rows.Close()
	}

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
		if _, err := s.Pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", f.Name(), err)
		}
		if _, err := s.Pool.Exec(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT (version) DO NOTHING`,
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
	row := s.Pool.QueryRow(ctx,
		`INSERT INTO tasks (user_id, title, description) VALUES ($1, $2, $3)
		 RETURNING `+taskColumns,
		owner, title, description,
	)
	return scanTask(row)
}

// GetTask returns the owner's task or store.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, owner string, id int64) (*model.Task, error) {
	return scanTask(s.Pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND user_id = $2`, id, owner))
}

// ListTasks returns the owner's tasks filtered and sorted per q.
func (s *Store) ListTasks(ctx context.Context, owner string, q model.TaskQuery) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1`
	switch q.Filter {
	case model.TaskFilterPending:
		query += ` AND NOT completed`
	case model.TaskFilterCompleted:
		query += ` AND completed`
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	query += fmt.Sprintf(` ORDER BY %s %s, id %s`, store.SortColumn(q.Sort), dir, dir)

	rows, err := s.Pool.Query(ctx, query, owner)
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
	return scanTask(s.Pool.QueryRow(ctx,
		`UPDATE tasks
		 SET title = COALESCE($1, title),
		     description = CASE WHEN $2 THEN $3 ELSE description END,
		     updated_at = now()
		 WHERE id = $4 AND user_id = $5
		 RETURNING `+taskColumns,
		title, description != nil, description, id, owner,
	))
}

// SetTaskCompleted sets the completion flag of the owner's task.
func (s *Store) SetTaskCompleted(ctx context.Context, owner string, id int64, completed bool) (*model.Task, error) {
	return scanTask(s.Pool.QueryRow(ctx,
		`UPDATE tasks SET completed = $1, updated_at = now()
		 WHERE id = $2 AND user_id = $3
		 RETURNING `+taskColumns,
		completed, id, owner,
	))
}

// ToggleTask flips the completion flag of the owner's task.
func (s *Store) ToggleTask(ctx context.Context, owner string, id int64) (*model.Task, error) {
	return scanTask(s.Pool.QueryRow(ctx,
		`UPDATE tasks SET completed = NOT completed, updated_at = now()
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+taskColumns,
		id, owner,
	))
}

// DeleteTask removes the owner's task and returns its last state.
func (s *Store) DeleteTask(ctx context.Context, owner string, id int64) (*model.Task, error) {
	return scanTask(s.Pool.QueryRow(ctx,
		`DELETE FROM tasks WHERE id = $1 AND user_id = $2 RETURNING `+taskColumns,
		id, owner,
	))
}

// ─── Conversations ───────────────────────────────────────────────────────────

const conversationColumns = `c.id, c.user_id, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)`

// CreateConversation creates an empty conversation for owner.
func (s *Store) CreateConversation(ctx context.Context, owner string) (*model.Conversation, error) {
	var c model.Conversation
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO conversations (user_id) VALUES ($1) RETURNING id, user_id, created_at, updated_at`,
		owner,
	).Scan(&c.ID, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &c, nil
}

// GetConversation returns the conversation regardless of owner.
func (s *Store) GetConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	return scanConversation(s.Pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, id))
}

// ListConversations returns the owner's conversations, most recent first.
func (s *Store) ListConversations(ctx context.Context, owner string, limit, offset int) ([]model.Conversation, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations c
		 WHERE c.user_id = $1
		 ORDER BY c.updated_at DESC, c.id DESC
		 LIMIT $2 OFFSET $3`,
		owner, lim, offset,
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
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, conversation_id, user_id, role, content, seq, created_at FROM (
			SELECT * FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
		 ) recent ORDER BY seq ASC`,
		conversationID, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var (
			m    model.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.OwnerID, &role, &m.Content, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = model.Role(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendMessage appends a single message to the owner's conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, owner string, role model.Role, content string) (*model.Message, error) {
	msgs, err := s.appendWithRetry(ctx, conversationID, owner, []roleContent{{role, content}})
	if err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// AppendTurn writes the user and assistant messages in one transaction.
func (s *Store) AppendTurn(ctx context.Context, conversationID int64, owner, userText, assistantText string) ([]model.Message, error) {
	return s.appendWithRetry(ctx, conversationID, owner, []roleContent{
		{model.RoleUser, userText},
		{model.RoleAssistant, assistantText},
	})
}

type roleContent struct {
	role    model.Role
	content string
}

func (s *Store) appendWithRetry(ctx context.Context, conversationID int64, owner string, entries []roleContent) ([]model.Message, error) {
	for _, e := range entries {
		if !e.role.Valid() {
			return nil, fmt.Errorf("invalid role %q", e.role)
		}
	}
	var err error
	for attempt := 0; attempt < appendRetries; attempt++ {
		var msgs []model.Message
		msgs, err = s.append(ctx, conversationID, owner, entries)
		if err == nil {
			return msgs, nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
			return nil, err
		}
	}
	return nil, err
}

func (s *Store) append(ctx context.Context, conversationID int64, owner string, entries []roleContent) ([]model.Message, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Row lock on the conversation serializes appenders within the database.
	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1 AND user_id = $2`,
		conversationID, owner,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, store.ErrNotFound
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = $1`, conversationID,
	).Scan(&seq); err != nil {
		return nil, err
	}

	out := make([]model.Message, 0, len(entries))
	for _, e := range entries {
		seq++
		m := model.Message{
			ConversationID: conversationID,
			OwnerID:        owner,
			Role:           e.role,
			Content:        e.content,
			Sequence:       seq,
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO messages (conversation_id, user_id, role, content, seq)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
			conversationID, owner, string(e.role), e.content, seq,
		).Scan(&m.ID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		out = append(out, m)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteConversation removes the owner's conversation; messages cascade.
func (s *Store) DeleteConversation(ctx context.Context, id int64, owner string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, owner)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &t.Completed, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
