package llm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func user(text string) ChatMessage      { return ChatMessage{Role: RoleUser, Content: text} }
func assistant(text string) ChatMessage { return ChatMessage{Role: RoleAssistant, Content: text} }

func toolMsg(t *testing.T, name string, result map[string]any) ChatMessage {
	t.Helper()
	b, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	return ChatMessage{Role: RoleTool, ToolName: name, ToolCallID: "call_1", Content: string(b)}
}

func complete(t *testing.T, msgs ...ChatMessage) *CompletionResponse {
	t.Helper()
	resp, err := NewRulesClient().Complete(context.Background(), &CompletionRequest{Messages: msgs})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return resp
}

func singleCall(t *testing.T, resp *CompletionResponse) (string, map[string]any) {
	t.Helper()
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls (content %q), want 1", len(resp.ToolCalls), resp.Content)
	}
	args, err := resp.ToolCalls[0].DecodeArguments()
	if err != nil {
		t.Fatalf("DecodeArguments: %v", err)
	}
	return resp.ToolCalls[0].Name, args
}

func TestRules_IntentToToolCall(t *testing.T) {
	tests := []struct {
		msg      string
		wantTool string
		wantArgs map[string]any
	}{
		{"Add a task to buy groceries", "add_task", map[string]any{"title": "buy groceries"}},
		{"add buy milk", "add_task", map[string]any{"title": "buy milk"}},
		{"Remind me to call mom", "add_task", map[string]any{"title": "call mom"}},
		{"New task: water the plants", "add_task", map[string]any{"title": "water the plants"}},
		{"Add a task to delete old emails", "add_task", map[string]any{"title": "delete old emails"}},
		{"add pay rent with description before the 5th", "add_task", map[string]any{"title": "pay rent", "description": "before the 5th"}},
		{"What's pending?", "list_tasks", map[string]any{"status": "pending"}},
		{"Show my completed tasks", "list_tasks", map[string]any{"status": "completed"}},
		{"list my tasks", "list_tasks", map[string]any{"status": "all"}},
		{"Complete task 3", "complete_task", map[string]any{"task_id": 3.0}},
		{"mark task 2 as done", "complete_task", map[string]any{"task_id": 2.0}},
		{"Delete task #7", "delete_task", map[string]any{"task_id": 7.0}},
		{"Rename task 1 to call mom", "update_task", map[string]any{"task_id": 1.0, "title": "call mom"}},
		{"update task 4 description to fresh produce only", "update_task", map[string]any{"task_id": 4.0, "description": "fresh produce only"}},
		{"delete the meeting task", "list_tasks", map[string]any{"status": "all"}},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			name, args := singleCall(t, complete(t, user(tt.msg)))
			if name != tt.wantTool {
				t.Fatalf("tool = %q, want %q", name, tt.wantTool)
			}
			if len(args) != len(tt.wantArgs) {
				t.Fatalf("args = %v, want %v", args, tt.wantArgs)
			}
			for k, want := range tt.wantArgs {
				if args[k] != want {
					t.Errorf("args[%s] = %v, want %v", k, args[k], want)
				}
			}
		})
	}
}

func TestRules_HelpWithoutIntent(t *testing.T) {
	for _, msg := range []string{"hello", "what can you do?", "the weather is nice"} {
		resp := complete(t, user(msg))
		if len(resp.ToolCalls) != 0 {
			t.Errorf("%q: unexpected tool call %s", msg, resp.ToolCalls[0].Name)
		}
		if !strings.Contains(resp.Content, "add a task") {
			t.Errorf("%q: reply %q is not the help text", msg, resp.Content)
		}
	}
}

func TestRules_MissingTarget(t *testing.T) {
	resp := complete(t, user("delete"))
	if len(resp.ToolCalls) != 0 || !strings.Contains(resp.Content, "Which task") {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestRules_ReplyFromResults(t *testing.T) {
	tests := []struct {
		name   string
		tool   string
		result map[string]any
		want   string
	}{
		{"created", "add_task", map[string]any{"task_id": 5, "status": "created", "title": "buy groceries"}, `added "buy groceries"`},
		{"completed", "complete_task", map[string]any{"task_id": 5, "status": "completed", "title": "buy groceries"}, "Marked"},
		{"deleted", "delete_task", map[string]any{"task_id": 5, "status": "deleted", "title": "buy groceries"}, "Deleted"},
		{"not found", "complete_task", map[string]any{"status": "error", "error": "task 999 not found"}, "which task you meant"},
		{"empty list", "list_tasks", map[string]any{"status": "listed", "filter": "pending", "count": 0, "tasks": []any{}}, "no pending tasks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := complete(t, user("whatever"), assistant(""), toolMsg(t, tt.tool, tt.result))
			if len(resp.ToolCalls) != 0 {
				t.Fatalf("unexpected tool call")
			}
			if !strings.Contains(resp.Content, tt.want) {
				t.Fatalf("reply %q does not contain %q", resp.Content, tt.want)
			}
		})
	}
}

func TestRules_ListReplyEnumeratesTasks(t *testing.T) {
	result := map[string]any{
		"status": "listed",
		"filter": "pending",
		"count":  2,
		"tasks": []any{
			map[string]any{"id": 1, "title": "buy groceries", "completed": false},
			map[string]any{"id": 4, "title": "call mom", "completed": false},
		},
	}
	resp := complete(t, user("What's pending?"), assistant(""), toolMsg(t, "list_tasks", result))
	for _, want := range []string{"2 pending tasks", "#1 buy groceries", "#4 call mom"} {
		if !strings.Contains(resp.Content, want) {
			t.Errorf("reply %q missing %q", resp.Content, want)
		}
	}
}

func TestRules_ReferenceByTitle(t *testing.T) {
	listing := map[string]any{
		"status": "listed",
		"tasks": []any{
			map[string]any{"id": 2, "title": "Team meeting notes", "completed": false},
			map[string]any{"id": 3, "title": "buy milk", "completed": false},
		},
	}

	resp := complete(t, user("complete the meeting task"), assistant(""), toolMsg(t, "list_tasks", listing))
	name, args := singleCall(t, resp)
	if name != "complete_task" || args["task_id"] != 2.0 {
		t.Fatalf("call = %s %v", name, args)
	}

	resp = complete(t, user("delete the dentist task"), assistant(""), toolMsg(t, "list_tasks", listing))
	if len(resp.ToolCalls) != 0 || !strings.Contains(resp.Content, "couldn't find") {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestRules_DisambiguationAcrossTurns(t *testing.T) {
	listing := map[string]any{
		"status": "listed",
		"tasks": []any{
			map[string]any{"id": 2, "title": "meeting with Ana", "completed": false},
			map[string]any{"id": 5, "title": "meeting prep", "completed": false},
		},
	}

	first := user("delete the meeting task")
	resp := complete(t, first, assistant(""), toolMsg(t, "list_tasks", listing))
	if len(resp.ToolCalls) != 0 {
		t.Fatalf("expected a clarifying question, got call %s", resp.ToolCalls[0].Name)
	}
	if !strings.HasSuffix(resp.Content, ClarifyPrompt) || !strings.Contains(resp.Content, "#5 meeting prep") {
		t.Fatalf("reply = %q", resp.Content)
	}

	// Next turn: only persisted text history is available.
	resp = complete(t, first, assistant(resp.Content), user("5"))
	name, args := singleCall(t, resp)
	if name != "delete_task" || args["task_id"] != 5.0 {
		t.Fatalf("call = %s %v", name, args)
	}

	// A bare number without a pending question is not a command.
	resp = complete(t, user("5"))
	if len(resp.ToolCalls) != 0 {
		t.Fatalf("unexpected call %s", resp.ToolCalls[0].Name)
	}
}

func TestRules_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewRulesClient().Complete(ctx, &CompletionRequest{Messages: []ChatMessage{user("list")}}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(ProviderRules, "")
	if err != nil || c.Name() != "rules" {
		t.Fatalf("rules client: %v %v", c, err)
	}
	if _, err := NewClient(ProviderAnthropic, ""); err == nil {
		t.Fatal("anthropic without key should fail")
	}
	if _, err := NewClient(ProviderOpenAI, ""); err == nil {
		t.Fatal("openai without key should fail")
	}
	if _, err := NewClient("bard", "k"); err == nil {
		t.Fatal("unknown provider should fail")
	}
}
