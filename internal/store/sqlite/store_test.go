package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/capitalize-ai/todo-assistant/internal/model"
	"github.com/capitalize-ai/todo-assistant/internal/store"
)

// newTestStore creates a Store backed by a temp directory for isolation.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "todo.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

// ─── Open / Migrate ─────────────────────────────────────────────────────────

func TestOpen_IdempotentReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "todo.db")
	ctx := context.Background()

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := s1.CreateTask(ctx, "u1", "persisted", nil); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	_ = s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	tasks, err := s2.ListTasks(ctx, "u1", model.TaskQuery{Filter: model.TaskFilterAll})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "persisted" {
		t.Fatalf("tasks after reopen = %+v", tasks)
	}
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

func TestTasks_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, "u1", "buy groceries", strPtr("milk, eggs"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.ID == 0 || created.Completed || created.Description == nil || *created.Description != "milk, eggs" {
		t.Fatalf("unexpected task: %+v", created)
	}

	updated, err := s.UpdateTask(ctx, "u1", created.ID, strPtr("buy food"), nil)
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Title != "buy food" || updated.Description == nil || *updated.Description != "milk, eggs" {
		t.Fatalf("update should only touch title: %+v", updated)
	}

	done, err := s.SetTaskCompleted(ctx, "u1", created.ID, true)
	if err != nil {
		t.Fatalf("SetTaskCompleted: %v", err)
	}
	if !done.Completed {
		t.Fatal("expected completed")
	}

	toggled, err := s.ToggleTask(ctx, "u1", created.ID)
	if err != nil {
		t.Fatalf("ToggleTask: %v", err)
	}
	if toggled.Completed {
		t.Fatal("toggle should reopen the task")
	}

	deleted, err := s.DeleteTask(ctx, "u1", created.ID)
	if err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if deleted.Title != "buy food" {
		t.Fatalf("DeleteTask returned %+v", deleted)
	}
	if _, err := s.GetTask(ctx, "u1", created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetTask after delete: err = %v, want ErrNotFound", err)
	}
}

func TestTasks_OwnerIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "u1", "private", nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if _, err := s.GetTask(ctx, "u2", task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetTask by other owner: err = %v", err)
	}
	if _, err := s.SetTaskCompleted(ctx, "u2", task.ID, true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetTaskCompleted by other owner: err = %v", err)
	}
	if _, err := s.UpdateTask(ctx, "u2", task.ID, strPtr("hijack"), nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateTask by other owner: err = %v", err)
	}
	if _, err := s.DeleteTask(ctx, "u2", task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("DeleteTask by other owner: err = %v", err)
	}

	tasks, err := s.ListTasks(ctx, "u2", model.TaskQuery{Filter: model.TaskFilterAll})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("u2 sees %d tasks", len(tasks))
	}

	got, err := s.GetTask(ctx, "u1", task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Completed || got.Title != "private" {
		t.Fatalf("task was modified by other owner: %+v", got)
	}
}

func TestListTasks_FilterAndSort(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, title := range []string{"charlie", "alpha", "bravo"} {
		if _, err := s.CreateTask(ctx, "u1", title, nil); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	all, _ := s.ListTasks(ctx, "u1", model.TaskQuery{Filter: model.TaskFilterAll})
	if _, err := s.SetTaskCompleted(ctx, "u1", all[0].ID, true); err != nil {
		t.Fatalf("SetTaskCompleted: %v", err)
	}

	tests := []struct {
		name  string
		query model.TaskQuery
		want  []string
	}{
		{"creation order", model.TaskQuery{Filter: model.TaskFilterAll}, []string{"charlie", "alpha", "bravo"}},
		{"pending", model.TaskQuery{Filter: model.TaskFilterPending}, []string{"alpha", "bravo"}},
		{"completed", model.TaskQuery{Filter: model.TaskFilterCompleted}, []string{"charlie"}},
		{"title asc", model.TaskQuery{Filter: model.TaskFilterAll, Sort: "title"}, []string{"alpha", "bravo", "charlie"}},
		{"title desc", model.TaskQuery{Filter: model.TaskFilterAll, Sort: "title", Desc: true}, []string{"charlie", "bravo", "alpha"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := s.ListTasks(ctx, "u1", tt.query)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			if len(tasks) != len(tt.want) {
				t.Fatalf("got %d tasks, want %d", len(tasks), len(tt.want))
			}
			for i, title := range tt.want {
				if tasks[i].Title != title {
					t.Errorf("tasks[%d] = %q, want %q", i, tasks[i].Title, title)
				}
			}
		})
	}
}

// ─── Conversations ──────────────────────────────────────────────────────────

func TestAppendTurn_StrictOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "u1")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	const turns = 5
	for i := 0; i < turns; i++ {
		if _, err := s.AppendTurn(ctx, conv.ID, "u1", "question", "answer"); err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2*turns {
		t.Fatalf("got %d messages, want %d", len(msgs), 2*turns)
	}
	for i, m := range msgs {
		if m.Sequence != int64(i+1) {
			t.Errorf("msgs[%d].Sequence = %d", i, m.Sequence)
		}
		wantRole := model.RoleUser
		if i%2 == 1 {
			wantRole = model.RoleAssistant
		}
		if m.Role != wantRole {
			t.Errorf("msgs[%d].Role = %s, want %s", i, m.Role, wantRole)
		}
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.MessageCount != 2*turns {
		t.Errorf("MessageCount = %d", got.MessageCount)
	}
	if !got.UpdatedAt.After(conv.UpdatedAt) && !got.UpdatedAt.Equal(conv.UpdatedAt) {
		t.Errorf("UpdatedAt went backwards")
	}
}

func TestListMessages_LimitKeepsMostRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, _ := s.CreateConversation(ctx, "u1")

	for i := 0; i < 4; i++ {
		if _, err := s.AppendTurn(ctx, conv.ID, "u1", "q", "a"); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 3)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Sequence != 6 || msgs[2].Sequence != 8 {
		t.Fatalf("expected sequences 6..8, got %d..%d", msgs[0].Sequence, msgs[2].Sequence)
	}
}

func TestAppend_RejectsForeignOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, _ := s.CreateConversation(ctx, "u1")

	if _, err := s.AppendTurn(ctx, conv.ID, "u2", "q", "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("AppendTurn by u2: err = %v", err)
	}
	if _, err := s.AppendMessage(ctx, conv.ID, "u1", model.Role("tool"), "x"); err == nil {
		t.Fatal("expected invalid role error")
	}
	msgs, _ := s.ListMessages(ctx, conv.ID, 0)
	if len(msgs) != 0 {
		t.Fatalf("no message should be written, got %d", len(msgs))
	}
}

func TestAppendTurn_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, _ := s.CreateConversation(ctx, "u1")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AppendTurn(ctx, conv.ID, "u1", "q", "a"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent AppendTurn: %v", err)
	}

	msgs, _ := s.ListMessages(ctx, conv.ID, 0)
	if len(msgs) != 20 {
		t.Fatalf("got %d messages, want 20", len(msgs))
	}
	for i := 0; i < len(msgs); i += 2 {
		if msgs[i].Role != model.RoleUser || msgs[i+1].Role != model.RoleAssistant {
			t.Fatalf("turn at %d interleaved: %s,%s", i, msgs[i].Role, msgs[i+1].Role)
		}
	}
}

func TestDeleteConversation_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, _ := s.CreateConversation(ctx, "u1")
	if _, err := s.AppendTurn(ctx, conv.ID, "u1", "q", "a"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	if err := s.DeleteConversation(ctx, conv.ID, "u2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("delete by u2: err = %v", err)
	}
	if err := s.DeleteConversation(ctx, conv.ID, "u1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := s.GetConversation(ctx, conv.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetConversation after delete: %v", err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conv.ID).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("%d orphan messages remain", n)
	}
}

func TestListConversations_RecencyAndOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _ := s.CreateConversation(ctx, "u1")
	second, _ := s.CreateConversation(ctx, "u1")
	if _, err := s.CreateConversation(ctx, "u2"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	// Touch the older one so it becomes the most recent.
	if _, err := s.AppendTurn(ctx, first.ID, "u1", "q", "a"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	convs, err := s.ListConversations(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations", len(convs))
	}
	if convs[0].ID != first.ID || convs[1].ID != second.ID {
		t.Fatalf("order = [%d %d], want [%d %d]", convs[0].ID, convs[1].ID, first.ID, second.ID)
	}
}
