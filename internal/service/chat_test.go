package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/capitalize-ai/todo-assistant/internal/llm"
	"github.com/capitalize-ai/todo-assistant/internal/model"
	"github.com/capitalize-ai/todo-assistant/internal/store"
	"github.com/capitalize-ai/todo-assistant/internal/store/sqlite"
	"github.com/capitalize-ai/todo-assistant/internal/tools"
	"github.com/capitalize-ai/todo-assistant/pkg/logger"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "todo.db"))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.TurnEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, e *model.TurnEvent) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *e)
	return uint64(len(p.events)), nil
}

func (p *recordingPublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	svc    *ChatService
	store  *sqlite.Store
	events *recordingPublisher
}

func newHarness(t *testing.T, reasoner llm.Client, cfg ChatConfig) *harness {
	t.Helper()
	s := newTestStore(t)
	return newHarnessWith(t, s, s, reasoner, cfg)
}

func newHarnessWith(t *testing.T, s *sqlite.Store, convs store.ConversationStore, reasoner llm.Client, cfg ChatConfig) *harness {
	t.Helper()
	events := &recordingPublisher{}
	reg := tools.NewRegistry(s, time.Second)
	return &harness{
		svc:    NewChatService(convs, reg, reasoner, events, cfg, logger.NewNop()),
		store:  s,
		events: events,
	}
}

func (h *harness) send(t *testing.T, owner string, convID *int64, text string) *model.ChatResponse {
	t.Helper()
	resp, err := h.svc.HandleMessage(context.Background(), owner, convID, text)
	if err != nil {
		t.Fatalf("HandleMessage(%q): %v", text, err)
	}
	return resp
}

func (h *harness) messages(t *testing.T, convID int64) []model.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), convID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	return msgs
}

// failingClient always errors.
type failingClient struct{ err error }

func (c failingClient) Complete(context.Context, *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, c.err
}
func (failingClient) Name() string     { return "failing" }
func (failingClient) Models() []string { return nil }

// hangingClient ignores cancellation and blocks until released.
type hangingClient struct{ release chan struct{} }

func (c hangingClient) Complete(context.Context, *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	<-c.release
	return &llm.CompletionResponse{Content: "too late"}, nil
}
func (hangingClient) Name() string     { return "hanging" }
func (hangingClient) Models() []string { return nil }

// scriptedClient replays responses in order, repeating the last one.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.CompletionResponse
	requests  []llm.CompletionRequest
}

func (c *scriptedClient) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := *req
	snapshot.Messages = append([]llm.ChatMessage(nil), req.Messages...)
	c.requests = append(c.requests, snapshot)
	i := len(c.requests) - 1
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return c.responses[i], nil
}
func (*scriptedClient) Name() string     { return "scripted" }
func (*scriptedClient) Models() []string { return nil }

func toolCall(name, args string) *llm.CompletionResponse {
	return &llm.CompletionResponse{ToolCalls: []llm.ToolCall{{ID: "call_" + name, Name: name, Arguments: []byte(args)}}}
}

type countingStore struct {
	*sqlite.Store
	listCalls atomic.Int32
}

func (c *countingStore) ListMessages(ctx context.Context, id int64, limit int) ([]model.Message, error) {
	c.listCalls.Add(1)
	return c.Store.ListMessages(ctx, id, limit)
}

type failingTurnStore struct {
	*sqlite.Store
}

func (failingTurnStore) AppendTurn(context.Context, int64, string, string, string) ([]model.Message, error) {
	return nil, errors.New("disk full")
}

func ptr[T any](v T) *T { return &v }

// ─── Scenarios ───────────────────────────────────────────────────────────────

func TestHandleMessage_AddTaskNewConversation(t *testing.T) {
	h := newHarness(t, llm.NewRulesClient(), ChatConfig{})

	resp := h.send(t, "u1", nil, "Add a task to buy groceries")
	if resp.ConversationID == 0 {
		t.Fatal("expected a conversation id")
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	call := resp.ToolCalls[0]
	if call.ToolName != "add_task" || call.Parameters["user_id"] != "u1" || call.Parameters["title"] != "buy groceries" {
		t.Errorf("call = %+v", call)
	}
	if call.Result["status"] != "created" || call.Result["title"] != "buy groceries" {
		t.Errorf("result = %+v", call.Result)
	}
	if !strings.Contains(resp.Response, "buy groceries") {
		t.Errorf("response %q does not mention the task", resp.Response)
	}

	msgs := h.messages(t, resp.ConversationID)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != model.RoleUser || msgs[0].Content != "Add a task to buy groceries" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != model.RoleAssistant || msgs[1].Content != resp.Response {
		t.Errorf("second message = %+v", msgs[1])
	}

	if got := h.events.types(); len(got) != 1 || got[0] != model.EventTypeTurn {
		t.Errorf("events = %v", got)
	}
}

func TestHandleMessage_ListPendingOnlyOwnTasks(t *testing.T) {
	h := newHarness(t, llm.NewRulesClient(), ChatConfig{})
	ctx := context.Background()

	if _, err := h.store.CreateTask(ctx, "u1", "buy milk", nil); err != nil {
		t.Fatal(err)
	}
	done, _ := h.store.CreateTask(ctx, "u1", "file taxes", nil)
	if _, err := h.store.SetTaskCompleted(ctx, "u1", done.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.CreateTask(ctx, "u2", "secret plan", nil); err != nil {
		t.Fatal(err)
	}

	resp := h.send(t, "u1", nil, "What's pending?")
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ToolName != "list_tasks" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Parameters["status"] != "pending" {
		t.Errorf("status param = %v", resp.ToolCalls[0].Parameters["status"])
	}
	if !strings.Contains(resp.Response, "buy milk") {
		t.Errorf("response %q should list the pending task", resp.Response)
	}
	for _, hidden := range []string{"file taxes", "secret plan"} {
		if strings.Contains(resp.Response, hidden) {
			t.Errorf("response %q leaks %q", resp.Response, hidden)
		}
	}
}

func TestHandleMessage_UnknownTaskAsksForClarification(t *testing.T) {
	h := newHarness(t, llm.NewRulesClient(), ChatConfig{})

	resp := h.send(t, "u1", nil, "Complete task 999")
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Result["status"] != "error" {
		t.Errorf("result = %+v", resp.ToolCalls[0].Result)
	}
	if !strings.Contains(resp.Response, "which task") {
		t.Errorf("response %q should ask for clarification", resp.Response)
	}
	if len(h.messages(t, resp.ConversationID)) != 2 {
		t.Error("turn not persisted")
	}
}

func TestHandleMessage_ForeignConversationForbidden(t *testing.T) {
	base := newTestStore(t)
	counting := &countingStore{Store: base}
	h := newHarnessWith(t, base, counting, llm.NewRulesClient(), ChatConfig{})

	owned := h.send(t, "u1", nil, "add walk the dog")
	before := counting.listCalls.Load()

	_, err := h.svc.HandleMessage(context.Background(), "u2", &owned.ConversationID, "list my tasks")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if counting.listCalls.Load() != before {
		t.Error("history was read before the ownership check")
	}

	_, err = h.svc.HandleMessage(context.Background(), "u2", ptr(int64(424242)), "list my tasks")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("missing conversation: err = %v, want ErrForbidden", err)
	}

	if n := len(h.messages(t, owned.ConversationID)); n != 2 {
		t.Errorf("owner's conversation has %d messages, want 2", n)
	}
}

// ─── Fallback ────────────────────────────────────────────────────────────────

func TestHandleMessage_FallbackOnReasonerError(t *testing.T) {
	h := newHarness(t, failingClient{err: errors.New("503 overloaded")}, ChatConfig{})

	resp := h.send(t, "u1", nil, "add buy milk")
	if resp.Response != FallbackReply {
		t.Fatalf("response = %q", resp.Response)
	}
	msgs := h.messages(t, resp.ConversationID)
	if len(msgs) != 2 || msgs[0].Content != "add buy milk" || msgs[1].Content != FallbackReply {
		t.Fatalf("messages = %+v", msgs)
	}
	if got := h.events.types(); len(got) != 1 || got[0] != model.EventTypeFallback {
		t.Errorf("events = %v", got)
	}
}

func TestHandleMessage_FallbackOnReasonerTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h := newHarness(t, hangingClient{release: release}, ChatConfig{ReasonerTimeout: 50 * time.Millisecond})

	start := time.Now()
	resp := h.send(t, "u1", nil, "list my tasks")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("turn took %v, timeout not enforced", elapsed)
	}
	if resp.Response != FallbackReply {
		t.Fatalf("response = %q", resp.Response)
	}
	if len(h.messages(t, resp.ConversationID)) != 2 {
		t.Fatal("user message not persisted")
	}
}

func TestHandleMessage_NoReasonerConfigured(t *testing.T) {
	h := newHarness(t, nil, ChatConfig{})
	resp := h.send(t, "u1", nil, "hello")
	if resp.Response != FallbackReply {
		t.Fatalf("response = %q", resp.Response)
	}
}

func TestHandleMessage_ToolRoundLimit(t *testing.T) {
	client := &scriptedClient{responses: []*llm.CompletionResponse{toolCall("list_tasks", `{}`)}}
	h := newHarness(t, client, ChatConfig{MaxToolRounds: 2})

	resp := h.send(t, "u1", nil, "loop forever")
	if resp.Response != FallbackReply {
		t.Fatalf("response = %q", resp.Response)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(resp.ToolCalls))
	}
	if len(client.requests) != 3 {
		t.Fatalf("reasoner called %d times, want 3", len(client.requests))
	}
}

// ─── Tool dispatch ───────────────────────────────────────────────────────────

func TestHandleMessage_OwnerPinnedAgainstHallucinatedArgs(t *testing.T) {
	client := &scriptedClient{responses: []*llm.CompletionResponse{
		toolCall("add_task", `{"title":"steal","user_id":"u2","owner":"u2"}`),
		{Content: "done"},
	}}
	h := newHarness(t, client, ChatConfig{})

	resp := h.send(t, "u1", nil, "add something")
	if resp.ToolCalls[0].Parameters["user_id"] != "u1" {
		t.Errorf("reported owner = %v", resp.ToolCalls[0].Parameters["user_id"])
	}

	ctx := context.Background()
	mine, _ := h.store.ListTasks(ctx, "u1", model.TaskQuery{})
	theirs, _ := h.store.ListTasks(ctx, "u2", model.TaskQuery{})
	if len(mine) != 1 || len(theirs) != 0 {
		t.Fatalf("u1 has %d tasks, u2 has %d", len(mine), len(theirs))
	}
}

func TestHandleMessage_ToolErrorsFedBackToReasoner(t *testing.T) {
	client := &scriptedClient{responses: []*llm.CompletionResponse{
		toolCall("delete_task", `{"task_id": 42}`),
		{Content: "I couldn't find task 42."},
	}}
	h := newHarness(t, client, ChatConfig{})

	resp := h.send(t, "u1", nil, "delete task 42")
	if resp.Response != "I couldn't find task 42." {
		t.Fatalf("response = %q", resp.Response)
	}

	second := client.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call_delete_task" || !last.IsError {
		t.Fatalf("tool message = %+v", last)
	}
	if !strings.Contains(last.Content, "not found") {
		t.Errorf("tool content = %q", last.Content)
	}
}

func TestHandleMessage_MalformedToolArguments(t *testing.T) {
	client := &scriptedClient{responses: []*llm.CompletionResponse{
		toolCall("add_task", `{"title":`),
		{Content: "Sorry, something went wrong with that."},
	}}
	h := newHarness(t, client, ChatConfig{})

	resp := h.send(t, "u1", nil, "add x")
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Result["status"] != "error" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
}

func TestHandleMessage_SendsHistoryAndSchema(t *testing.T) {
	client := &scriptedClient{responses: []*llm.CompletionResponse{{Content: "ok"}}}
	h := newHarness(t, client, ChatConfig{HistoryLimit: 4})

	first := h.send(t, "u1", nil, "one")
	h.send(t, "u1", &first.ConversationID, "two")
	h.send(t, "u1", &first.ConversationID, "three")

	req := client.requests[len(client.requests)-1]
	if len(req.Tools) != len(tools.Names) {
		t.Errorf("got %d tool specs", len(req.Tools))
	}
	// Four most recent stored messages plus the new one.
	if len(req.Messages) != 5 {
		t.Fatalf("got %d messages: %+v", len(req.Messages), req.Messages)
	}
	if req.Messages[0].Content != "one" || req.Messages[2].Content != "two" || req.Messages[4].Content != "three" {
		t.Errorf("messages = %+v", req.Messages)
	}
	if req.System == "" {
		t.Error("system prompt missing")
	}
}

func TestHandleMessage_HistoryWindowStartsWithUser(t *testing.T) {
	client := &scriptedClient{responses: []*llm.CompletionResponse{{Content: "ok"}}}
	h := newHarness(t, client, ChatConfig{HistoryLimit: 3})

	first := h.send(t, "u1", nil, "one")
	h.send(t, "u1", &first.ConversationID, "two")
	h.send(t, "u1", &first.ConversationID, "three")

	// The window [ok, two, ok] loses its leading reply.
	req := client.requests[len(client.requests)-1]
	if len(req.Messages) != 3 {
		t.Fatalf("got %d messages: %+v", len(req.Messages), req.Messages)
	}
	if req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != "two" {
		t.Errorf("first message = %+v, want user %q", req.Messages[0], "two")
	}
	if req.Messages[2].Content != "three" {
		t.Errorf("last message = %+v", req.Messages[2])
	}
}

// ─── Persistence ─────────────────────────────────────────────────────────────

func TestHandleMessage_AppendOnlyOrdering(t *testing.T) {
	h := newHarness(t, llm.NewRulesClient(), ChatConfig{})

	const turns = 5
	var convID *int64
	for i := 0; i < turns; i++ {
		resp := h.send(t, "u1", convID, fmt.Sprintf("add task number %d", i))
		convID = &resp.ConversationID
	}

	msgs := h.messages(t, *convID)
	if len(msgs) != 2*turns {
		t.Fatalf("got %d messages, want %d", len(msgs), 2*turns)
	}
	for i, m := range msgs {
		wantRole := model.RoleUser
		if i%2 == 1 {
			wantRole = model.RoleAssistant
		}
		if m.Role != wantRole {
			t.Errorf("msgs[%d].Role = %s, want %s", i, m.Role, wantRole)
		}
		if i%2 == 0 && m.Content != fmt.Sprintf("add task number %d", i/2) {
			t.Errorf("msgs[%d].Content = %q", i, m.Content)
		}
		if i > 0 && m.Sequence <= msgs[i-1].Sequence {
			t.Errorf("sequence not increasing at %d", i)
		}
	}
}

func TestHandleMessage_ConversationCreation(t *testing.T) {
	h := newHarness(t, llm.NewRulesClient(), ChatConfig{})

	a := h.send(t, "u1", nil, "hello")
	b := h.send(t, "u1", nil, "hello")
	if a.ConversationID == b.ConversationID {
		t.Fatal("two requests without an id must create two conversations")
	}

	h.send(t, "u1", &a.ConversationID, "hi again")
	h.send(t, "u1", &a.ConversationID, "and again")
	if n := len(h.messages(t, a.ConversationID)); n != 6 {
		t.Fatalf("conversation a has %d messages, want 6", n)
	}
	if n := len(h.messages(t, b.ConversationID)); n != 2 {
		t.Fatalf("conversation b has %d messages, want 2", n)
	}
}

func TestHandleMessage_ConcurrentTurnsSameConversation(t *testing.T) {
	h := newHarness(t, llm.NewRulesClient(), ChatConfig{})
	first := h.send(t, "u1", nil, "hello")

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.HandleMessage(context.Background(), "u1", &first.ConversationID, fmt.Sprintf("add chore %d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	}

	msgs := h.messages(t, first.ConversationID)
	if len(msgs) != 2*(n+1) {
		t.Fatalf("got %d messages, want %d", len(msgs), 2*(n+1))
	}
	for i := 0; i < len(msgs); i += 2 {
		if msgs[i].Role != model.RoleUser || msgs[i+1].Role != model.RoleAssistant {
			t.Fatalf("turn at %d is interleaved: %s, %s", i, msgs[i].Role, msgs[i+1].Role)
		}
	}
	if h.svc.locks.len() != 0 {
		t.Errorf("lock table not cleaned up: %d entries", h.svc.locks.len())
	}
}

func TestHandleMessage_PartialFailure(t *testing.T) {
	base := newTestStore(t)
	h := newHarnessWith(t, base, failingTurnStore{Store: base}, llm.NewRulesClient(), ChatConfig{})

	_, err := h.svc.HandleMessage(context.Background(), "u1", nil, "add renew passport")
	if err == nil {
		t.Fatal("expected persistence error")
	}

	// The task mutation stands.
	tasks, _ := base.ListTasks(context.Background(), "u1", model.TaskQuery{})
	if len(tasks) != 1 || tasks[0].Title != "renew passport" {
		t.Fatalf("tasks = %+v", tasks)
	}
	if got := h.events.types(); len(got) != 1 || got[0] != model.EventTypePartialFailure {
		t.Fatalf("events = %v", got)
	}
}

// ─── Validation ──────────────────────────────────────────────────────────────

func TestHandleMessage_Validation(t *testing.T) {
	h := newHarness(t, llm.NewRulesClient(), ChatConfig{})

	tests := []struct {
		name  string
		owner string
		text  string
	}{
		{"empty", "u1", ""},
		{"whitespace", "u1", "   \n\t"},
		{"too long", "u1", strings.Repeat("a", MaxMessageLength+1)},
		{"invalid utf8", "u1", "\xff\xfe"},
		{"no owner", "", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.HandleMessage(context.Background(), tt.owner, nil, tt.text)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}

	convs, _ := h.store.ListConversations(context.Background(), "u1", 10, 0)
	if len(convs) != 0 {
		t.Fatalf("validation failures created %d conversations", len(convs))
	}
}

// ─── Multi-turn ──────────────────────────────────────────────────────────────

func TestHandleMessage_DisambiguationAcrossTurns(t *testing.T) {
	h := newHarness(t, llm.NewRulesClient(), ChatConfig{})
	ctx := context.Background()

	keep, _ := h.store.CreateTask(ctx, "u1", "meeting with Ana", nil)
	drop, _ := h.store.CreateTask(ctx, "u1", "meeting prep", nil)

	first := h.send(t, "u1", nil, "delete the meeting task")
	if !strings.HasSuffix(first.Response, llm.ClarifyPrompt) {
		t.Fatalf("expected a clarifying question, got %q", first.Response)
	}

	second := h.send(t, "u1", &first.ConversationID, fmt.Sprintf("%d", drop.ID))
	if len(second.ToolCalls) != 1 || second.ToolCalls[0].ToolName != "delete_task" {
		t.Fatalf("tool calls = %+v", second.ToolCalls)
	}

	if _, err := h.store.GetTask(ctx, "u1", drop.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("chosen task still present: %v", err)
	}
	if _, err := h.store.GetTask(ctx, "u1", keep.ID); err != nil {
		t.Errorf("other task removed: %v", err)
	}
}

func TestHandleMessageStream_Observer(t *testing.T) {
	h := newHarness(t, llm.NewRulesClient(), ChatConfig{})

	var gotConv int64
	var calls []string
	resp, err := h.svc.HandleMessageStream(context.Background(), "u1", nil, "add buy bread", Observer{
		Conversation: func(id int64) { gotConv = id },
		ToolCall:     func(inv model.ToolInvocation) { calls = append(calls, inv.ToolName) },
	})
	if err != nil {
		t.Fatalf("HandleMessageStream: %v", err)
	}
	if gotConv != resp.ConversationID {
		t.Errorf("observer conversation = %d, want %d", gotConv, resp.ConversationID)
	}
	if len(calls) != 1 || calls[0] != "add_task" {
		t.Errorf("observed calls = %v", calls)
	}
}
