package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/jfremy/ancestra/pkg/contrib"
	"github.com/jfremy/ancestra/pkg/graph"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// fakeChat replays a scripted sequence of model turns and records every
// request it receives.
type fakeChat struct {
	turns    []openai.ChatCompletionMessage
	requests []openai.ChatCompletionRequest
	calls    int
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	if f.calls >= len(f.turns) {
		// Script exhausted: keep asking for the same tool forever, which
		// the budget must eventually cut off.
		f.calls++
		return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   "loop",
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      string(CapGraphRead),
						Arguments: `{"query":"MATCH (p:Person) RETURN p.name AS name"}`,
					},
				}},
			},
		}}}, nil
	}
	turn := f.turns[f.calls]
	f.calls++
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: turn}}}, nil
}

func assistantText(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}
}

func assistantToolCall(id, name, args string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{{
			ID:       id,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: name, Arguments: args},
		}},
	}
}

func newTestOrchestrator(store *fakeStore, chat ChatClient) *Orchestrator {
	dispatcher := NewDispatcher(store, contrib.NewStore(store, nil), "ancestra", nil)
	return NewOrchestrator(chat, openai.GPT4o, store, dispatcher, nil)
}

func subjectEntity() *graph.Entity {
	return &graph.Entity{
		ID:   "P1",
		Kind: graph.KindPerson,
		Properties: map[string]interface{}{
			"name":       "Anna Schmidt",
			"birthDate":  "1890-03-12",
			"birthPlace": "Hamburg",
		},
	}
}

func TestRunSubjectMissing(t *testing.T) {
	o := newTestOrchestrator(newFakeStore(), &fakeChat{})
	_, err := o.Run(context.Background(), "ghost", "c1")
	if !errors.Is(err, ErrSubjectNotFound) {
		t.Fatalf("want ErrSubjectNotFound, got %v", err)
	}
}

func TestRunSubjectArchived(t *testing.T) {
	store := newFakeStore()
	subject := subjectEntity()
	subject.Archived = true
	store.entities["P1"] = subject

	chat := &fakeChat{}
	o := newTestOrchestrator(store, chat)
	_, err := o.Run(context.Background(), "P1", "c1")
	if !errors.Is(err, ErrSubjectNotFound) {
		t.Fatalf("want ErrSubjectNotFound, got %v", err)
	}
	if chat.calls != 0 {
		t.Error("no model call may happen for an archived subject")
	}
}

func TestRunImmediateAnswer(t *testing.T) {
	store := newFakeStore()
	store.entities["P1"] = subjectEntity()
	chat := &fakeChat{turns: []openai.ChatCompletionMessage{
		assistantText("Nothing further to research."),
	}}

	o := newTestOrchestrator(store, chat)
	result, err := o.Run(context.Background(), "P1", "c1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s", result.Outcome)
	}
	if result.Answer != "Nothing further to research." {
		t.Errorf("answer = %q", result.Answer)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", result.Iterations)
	}

	// First request carries the subject context.
	first := chat.requests[0]
	if first.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Error("system prompt must lead the transcript")
	}
	if !strings.Contains(first.Messages[1].Content, "Anna Schmidt") {
		t.Errorf("subject missing from user turn: %q", first.Messages[1].Content)
	}
	if !strings.Contains(first.Messages[1].Content, "Hamburg") {
		t.Error("birth place missing from user turn")
	}
	if len(first.Tools) != 3 {
		t.Errorf("want 3 advertised tools, got %d", len(first.Tools))
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	store := newFakeStore()
	store.entities["P1"] = subjectEntity()
	store.queryRows = []graph.Row{{"name": "Hamburg shipping records"}}
	chat := &fakeChat{turns: []openai.ChatCompletionMessage{
		assistantToolCall("t1", string(CapGraphRead), `{"query":"MATCH (s:Source) RETURN s.name AS name"}`),
		assistantText("Found relevant sources."),
	}}

	o := newTestOrchestrator(store, chat)
	result, err := o.Run(context.Background(), "P1", "c1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}

	// The second request must carry the assistant tool turn followed by
	// its result, in that order, before the model speaks again.
	second := chat.requests[1].Messages
	last, prev := second[len(second)-1], second[len(second)-2]
	if len(prev.ToolCalls) == 0 || prev.ToolCalls[0].ID != "t1" {
		t.Error("assistant tool turn missing from transcript")
	}
	if last.Role != openai.ChatMessageRoleTool || last.ToolCallID != "t1" {
		t.Errorf("tool result not threaded to its call: role=%s id=%s", last.Role, last.ToolCallID)
	}
	if !strings.Contains(last.Content, "Hamburg shipping records") {
		t.Errorf("tool result content lost: %q", last.Content)
	}
}

func TestRunToolErrorContinuesRun(t *testing.T) {
	store := newFakeStore()
	store.entities["P1"] = subjectEntity()
	chat := &fakeChat{turns: []openai.ChatCompletionMessage{
		assistantToolCall("t1", "no_such_tool", `{}`),
		assistantText("Recovered."),
	}}

	o := newTestOrchestrator(store, chat)
	result, err := o.Run(context.Background(), "P1", "c1")
	if err != nil {
		t.Fatalf("tool error must not abort the run: %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s", result.Outcome)
	}
	second := chat.requests[1].Messages
	if !strings.Contains(second[len(second)-1].Content, "unknown capability") {
		t.Error("tool error must reach the transcript for self-correction")
	}
}

func TestRunBudgetExhausted(t *testing.T) {
	store := newFakeStore()
	store.entities["P1"] = subjectEntity()
	store.queryRows = []graph.Row{{"name": "x"}}
	// Empty script: fakeChat answers every turn with another tool call.
	chat := &fakeChat{}

	o := newTestOrchestrator(store, chat)
	result, err := o.Run(context.Background(), "P1", "c1")
	if err != nil {
		t.Fatalf("budget exhaustion is a terminal outcome, not an error: %v", err)
	}
	if result.Outcome != OutcomeBudgetExhausted {
		t.Errorf("outcome = %s", result.Outcome)
	}
	if result.Iterations != maxIterations {
		t.Errorf("iterations = %d, want %d", result.Iterations, maxIterations)
	}
	if chat.calls != maxIterations {
		t.Errorf("model calls = %d, want %d", chat.calls, maxIterations)
	}
	if result.Answer == "" {
		t.Error("budget exhaustion must still produce an answer")
	}
}

func TestRunEmptyAnswerGetsDefault(t *testing.T) {
	store := newFakeStore()
	store.entities["P1"] = subjectEntity()
	chat := &fakeChat{turns: []openai.ChatCompletionMessage{assistantText("")}}

	o := newTestOrchestrator(store, chat)
	result, err := o.Run(context.Background(), "P1", "c1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Answer != "Research complete." {
		t.Errorf("answer = %q", result.Answer)
	}
}

func TestClampRuneFallback(t *testing.T) {
	o := &Orchestrator{}
	long := strings.Repeat("a", maxToolResultTokens*4+100)
	clamped := o.clamp(long)
	if !strings.HasSuffix(clamped, "[truncated]") {
		t.Error("oversized content must be marked truncated")
	}
	if len(clamped) >= len(long) {
		t.Error("clamp did not shrink the content")
	}
	short := "small result"
	if o.clamp(short) != short {
		t.Error("short content must pass through unchanged")
	}
}
