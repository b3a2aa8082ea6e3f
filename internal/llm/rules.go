package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClarifyPrompt ends every reply in which the rules client asks the user to
// pick between several tasks. A later bare task id answers it.
const ClarifyPrompt = "Which one did you mean?"

const rulesHelp = `I can help you manage your tasks. Try "add a task to buy milk", ` +
	`"show my pending tasks", "complete task 3", "delete task 2" or "rename task 1 to call mom".`

type intentKind int

const (
	intentNone intentKind = iota
	intentAdd
	intentList
	intentComplete
	intentDelete
	intentUpdate
)

type intent struct {
	kind     intentKind
	taskID   int64
	ref      string // task title fragment when no id was given
	title    string
	desc     string
	status   string
	hasTitle bool
	hasDesc  bool
}

var (
	reDelete   = regexp.MustCompile(`(?i)^(?:please\s+)?(?:delete|remove|cancel|drop|get rid of)\b\s*`)
	reComplete = regexp.MustCompile(`(?i)^(?:please\s+)?(?:complete|finish|finished|mark|check off|tick off|done with|i finished|i've finished|i completed)\b\s*`)
	reUpdate   = regexp.MustCompile(`(?i)^(?:please\s+)?(?:update|change|modify|edit|rename)\b\s*`)
	reAdd      = regexp.MustCompile(`(?i)^(?:please\s+)?(?:add|create|new|remember|make|put|remind me)\b\s*`)
	reList     = regexp.MustCompile(`(?i)\b(?:show|list|see|view|what|what's|whats|which|pending|completed|done|my tasks|todo|to-do)\b`)

	reAddFiller  = regexp.MustCompile(`(?i)^(?:(?:a|an|the)\s+)?(?:new\s+)?(?:(?:task|todo|to-do|item|reminder|note)\b)?\s*(?:(?:to|called|named|titled|for|that says|:|-)\s+)?`)
	reListSuffix = regexp.MustCompile(`(?i)\s+(?:to|on|in)\s+(?:my\s+)?(?:todo\s+|to-do\s+|task\s+)?list$`)
	reDescSuffix = regexp.MustCompile(`(?i)\s+(?:with\s+)?(?:description|details|notes?)\s*[:\-]?\s+(.+)$`)
	reTaskID     = regexp.MustCompile(`(?:#|\btask\s+(?:number\s+|no\.?\s*)?|\bnumber\s+|^|\s)(\d+)\b`)
	reRefFiller  = regexp.MustCompile(`(?i)^(?:(?:the|my|a)\s+)?(?:task\s+)?|(?:\s+task)?(?:\s+(?:as\s+)?(?:done|complete|completed|finished))?$`)
	reUpdateTo   = regexp.MustCompile(`(?i)^(.*?)\s+(?:title\s+)?(?:to|as|into)\s+(.+)$`)
	reUpdateDesc = regexp.MustCompile(`(?i)\bdescription\b`)
	reBareID     = regexp.MustCompile(`(?i)^\s*(?:(?:task|number|the one with id|id)\s*)?#?(\d+)\s*[.!]?\s*$`)
	reGreeting   = regexp.MustCompile(`(?i)^(?:hi|hello|hey|good (?:morning|afternoon|evening))\b`)
	reHelp       = regexp.MustCompile(`(?i)\b(?:help|what can you do|how does this work)\b`)
)

// RulesClient is a deterministic, offline reasoner. It maps common task
// phrasings to tool calls and phrases replies from tool results. It is the
// backend used when no API key is configured.
type RulesClient struct{}

// NewRulesClient creates a rules client.
func NewRulesClient() *RulesClient {
	return &RulesClient{}
}

// Name returns the provider name.
func (c *RulesClient) Name() string {
	return "rules"
}

// Models returns available models.
func (c *RulesClient) Models() []string {
	return []string{"rules-v1"}
}

// Complete decides the next step from the tail of the conversation: either a
// tool call for the latest user message or a reply built from tool results.
func (c *RulesClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	msgs := req.Messages
	if len(msgs) == 0 {
		return c.reply(start, rulesHelp), nil
	}

	last := msgs[len(msgs)-1]
	if last.Role == RoleTool {
		userIdx := lastUserIndex(msgs)
		var in intent
		if userIdx >= 0 {
			in = resolveIntent(msgs[:userIdx+1])
		}
		return c.afterTools(start, in, trailingResults(msgs)), nil
	}
	if last.Role != RoleUser {
		return c.reply(start, rulesHelp), nil
	}

	in := resolveIntent(msgs)
	switch in.kind {
	case intentAdd:
		if in.title == "" {
			return c.reply(start, `What should the task be called? For example "add a task to buy milk".`), nil
		}
		args := map[string]any{"title": in.title}
		if in.hasDesc {
			args["description"] = in.desc
		}
		return c.call(start, "add_task", args), nil
	case intentList:
		return c.call(start, "list_tasks", map[string]any{"status": in.status}), nil
	case intentComplete, intentDelete, intentUpdate:
		if in.taskID > 0 {
			return c.call(start, in.toolName(), in.mutationArgs(in.taskID)), nil
		}
		if in.ref == "" {
			return c.reply(start, fmt.Sprintf("Which task should I %s? You can give its number, e.g. %q.", in.verb(), in.verb()+" task 3")), nil
		}
		if in.kind == intentUpdate && !in.hasTitle && !in.hasDesc {
			return c.reply(start, `What should I change it to? For example "rename task 1 to call mom".`), nil
		}
		// Look the task up by title first.
		return c.call(start, "list_tasks", map[string]any{"status": "all"}), nil
	}

	if reGreeting.MatchString(strings.TrimSpace(last.Content)) {
		return c.reply(start, "Hi! "+rulesHelp), nil
	}
	return c.reply(start, rulesHelp), nil
}

func (c *RulesClient) afterTools(start time.Time, in intent, results []toolResult) *CompletionResponse {
	// A lookup for a task referenced by name resolves into the real call.
	if len(results) == 1 && results[0].name == "list_tasks" && in.ref != "" && in.taskID == 0 &&
		(in.kind == intentComplete || in.kind == intentDelete || in.kind == intentUpdate) {
		if results[0].isError() {
			return c.reply(start, "I couldn't look up your tasks: "+results[0].errorText())
		}
		matches := matchTasks(results[0].tasks(), in.ref)
		switch len(matches) {
		case 0:
			return c.reply(start, fmt.Sprintf("I couldn't find a task matching %q. Say \"show my tasks\" to see them.", in.ref))
		case 1:
			return c.call(start, in.toolName(), in.mutationArgs(matches[0].id))
		default:
			var b strings.Builder
			fmt.Fprintf(&b, "I found %d tasks matching %q:\n", len(matches), in.ref)
			for _, t := range matches {
				fmt.Fprintf(&b, "- #%d %s\n", t.id, t.title)
			}
			b.WriteString(ClarifyPrompt)
			return c.reply(start, b.String())
		}
	}

	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, r.describe())
	}
	return c.reply(start, strings.Join(lines, "\n"))
}

func (c *RulesClient) reply(start time.Time, text string) *CompletionResponse {
	return &CompletionResponse{
		Content:    text,
		Model:      "rules-v1",
		StopReason: "end_turn",
		LatencyMs:  time.Since(start).Milliseconds(),
	}
}

func (c *RulesClient) call(start time.Time, name string, args map[string]any) *CompletionResponse {
	raw, _ := json.Marshal(args)
	return &CompletionResponse{
		ToolCalls: []ToolCall{{
			ID:        "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
			Name:      name,
			Arguments: raw,
		}},
		Model:      "rules-v1",
		StopReason: "tool_use",
		LatencyMs:  time.Since(start).Milliseconds(),
	}
}

// resolveIntent parses the last user message. A bare task id answering an
// earlier clarifying question re-derives the intent from the message that
// prompted the question.
func resolveIntent(msgs []ChatMessage) intent {
	idx := lastUserIndex(msgs)
	if idx < 0 {
		return intent{}
	}
	text := strings.TrimSpace(msgs[idx].Content)

	if m := reBareID.FindStringSubmatch(text); m != nil {
		if prior, ok := clarifiedIntent(msgs[:idx]); ok {
			id, _ := strconv.ParseInt(m[1], 10, 64)
			prior.taskID = id
			return prior
		}
	}
	return parseIntent(text)
}

func clarifiedIntent(history []ChatMessage) (intent, bool) {
	if len(history) < 2 {
		return intent{}, false
	}
	q := history[len(history)-1]
	if q.Role != RoleAssistant || !strings.HasSuffix(strings.TrimSpace(q.Content), ClarifyPrompt) {
		return intent{}, false
	}
	idx := lastUserIndex(history)
	if idx < 0 {
		return intent{}, false
	}
	in := parseIntent(strings.TrimSpace(history[idx].Content))
	switch in.kind {
	case intentComplete, intentDelete, intentUpdate:
		return in, true
	}
	return intent{}, false
}

func parseIntent(text string) intent {
	text = strings.TrimRight(text, " .!?")

	if loc := reDelete.FindStringIndex(text); loc != nil {
		return targetIntent(intentDelete, text[loc[1]:])
	}
	if loc := reComplete.FindStringIndex(text); loc != nil {
		return targetIntent(intentComplete, text[loc[1]:])
	}
	if loc := reUpdate.FindStringIndex(text); loc != nil {
		return updateIntent(text[loc[1]:])
	}
	if loc := reAdd.FindStringIndex(text); loc != nil {
		return addIntent(text[loc[1]:])
	}
	if reHelp.MatchString(text) {
		return intent{}
	}
	if reList.MatchString(text) {
		return listIntent(text)
	}
	return intent{}
}

func addIntent(rest string) intent {
	in := intent{kind: intentAdd}
	rest = strings.TrimSpace(rest)
	rest = strings.TrimPrefix(strings.TrimPrefix(rest, "to "), "me to ")
	if m := reDescSuffix.FindStringSubmatchIndex(rest); m != nil {
		in.desc = strings.TrimSpace(rest[m[2]:m[3]])
		in.hasDesc = in.desc != ""
		rest = rest[:m[0]]
	}
	rest = reAddFiller.ReplaceAllString(rest, "")
	rest = reListSuffix.ReplaceAllString(rest, "")
	in.title = strings.Trim(strings.TrimSpace(rest), `"'`)
	return in
}

func listIntent(text string) intent {
	lower := strings.ToLower(text)
	in := intent{kind: intentList, status: "all"}
	switch {
	case strings.Contains(lower, "pending"), strings.Contains(lower, "incomplete"),
		strings.Contains(lower, "left"), strings.Contains(lower, "remaining"), strings.Contains(lower, "open"):
		in.status = "pending"
	case strings.Contains(lower, "completed"), strings.Contains(lower, "done"), strings.Contains(lower, "finished"):
		in.status = "completed"
	}
	return in
}

func targetIntent(kind intentKind, rest string) intent {
	in := intent{kind: kind}
	if id, ok := findTaskID(rest); ok {
		in.taskID = id
		return in
	}
	in.ref = cleanRef(rest)
	return in
}

func updateIntent(rest string) intent {
	in := intent{kind: intentUpdate}
	rest = strings.TrimSpace(rest)

	target, value := rest, ""
	if m := reUpdateTo.FindStringSubmatch(rest); m != nil {
		target, value = m[1], strings.Trim(strings.TrimSpace(m[2]), `"'`)
	}
	if value != "" {
		if reUpdateDesc.MatchString(target) {
			in.desc, in.hasDesc = value, true
			target = reUpdateDesc.ReplaceAllString(target, "")
		} else {
			in.title, in.hasTitle = value, true
		}
	}
	if id, ok := findTaskID(target); ok {
		in.taskID = id
	} else {
		in.ref = cleanRef(strings.TrimSuffix(strings.TrimSpace(target), "'s"))
	}
	return in
}

func findTaskID(s string) (int64, bool) {
	m := reTaskID.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func cleanRef(s string) string {
	s = strings.TrimSpace(s)
	s = reRefFiller.ReplaceAllString(s, "")
	return strings.Trim(strings.TrimSpace(s), `"'`)
}

func (in intent) toolName() string {
	switch in.kind {
	case intentComplete:
		return "complete_task"
	case intentDelete:
		return "delete_task"
	case intentUpdate:
		return "update_task"
	}
	return ""
}

func (in intent) verb() string {
	switch in.kind {
	case intentComplete:
		return "complete"
	case intentDelete:
		return "delete"
	}
	return "update"
}

func (in intent) mutationArgs(id int64) map[string]any {
	args := map[string]any{"task_id": id}
	if in.kind == intentUpdate {
		if in.hasTitle {
			args["title"] = in.title
		}
		if in.hasDesc {
			args["description"] = in.desc
		}
	}
	return args
}

// ─── Tool results ───────────────────────────────────────────────────────────

type toolResult struct {
	name string
	data map[string]any
}

type taskSummary struct {
	id        int64
	title     string
	completed bool
}

func trailingResults(msgs []ChatMessage) []toolResult {
	i := len(msgs)
	for i > 0 && msgs[i-1].Role == RoleTool {
		i--
	}
	out := make([]toolResult, 0, len(msgs)-i)
	for _, m := range msgs[i:] {
		data := map[string]any{}
		if err := json.Unmarshal([]byte(m.Content), &data); err != nil {
			data = map[string]any{"status": "error", "error": m.Content}
		}
		out = append(out, toolResult{name: m.ToolName, data: data})
	}
	return out
}

func (r toolResult) isError() bool {
	s, _ := r.data["status"].(string)
	return s == "error"
}

func (r toolResult) errorText() string {
	s, _ := r.data["error"].(string)
	return s
}

func (r toolResult) title() string {
	s, _ := r.data["title"].(string)
	return s
}

func (r toolResult) taskID() int64 {
	return toInt64(r.data["task_id"])
}

func (r toolResult) tasks() []taskSummary {
	raw, _ := r.data["tasks"].([]any)
	out := make([]taskSummary, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		title, _ := m["title"].(string)
		done, _ := m["completed"].(bool)
		out = append(out, taskSummary{id: toInt64(m["id"]), title: title, completed: done})
	}
	return out
}

func (r toolResult) describe() string {
	if r.isError() {
		msg := r.errorText()
		if strings.Contains(msg, "not found") {
			return fmt.Sprintf("I couldn't find that task (%s). Could you tell me which task you meant? "+
				`Say "show my tasks" to see their numbers.`, msg)
		}
		return "I couldn't do that: " + msg
	}

	switch r.name {
	case "add_task":
		return fmt.Sprintf("I've added %q to your tasks (task #%d).", r.title(), r.taskID())
	case "complete_task":
		return fmt.Sprintf("Marked %q as completed.", r.title())
	case "delete_task":
		return fmt.Sprintf("Deleted %q.", r.title())
	case "update_task":
		return fmt.Sprintf("Updated task #%d, it's now %q.", r.taskID(), r.title())
	case "list_tasks":
		tasks := r.tasks()
		filter, _ := r.data["filter"].(string)
		noun := "tasks"
		if len(tasks) == 1 {
			noun = "task"
		}
		if filter == "pending" || filter == "completed" {
			noun = filter + " " + noun
		}
		if len(tasks) == 0 {
			return fmt.Sprintf("You have no %s.", noun)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "You have %d %s:", len(tasks), noun)
		for _, t := range tasks {
			mark := " "
			if t.completed {
				mark = "x"
			}
			fmt.Fprintf(&b, "\n- [%s] #%d %s", mark, t.id, t.title)
		}
		return b.String()
	}
	return "Done."
}

func matchTasks(tasks []taskSummary, ref string) []taskSummary {
	ref = strings.ToLower(ref)
	var exact, partial []taskSummary
	for _, t := range tasks {
		title := strings.ToLower(t.title)
		switch {
		case title == ref:
			exact = append(exact, t)
		case strings.Contains(title, ref):
			partial = append(partial, t)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return partial
}

func lastUserIndex(msgs []ChatMessage) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
