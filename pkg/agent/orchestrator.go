// Package agent drives the bounded research loop and the media
// labeler. The agent reads the graph freely but can only stage writes;
// nothing it produces is committed without review.
package agent

import (
	"context"
	"fmt"

	"github.com/jfremy/ancestra/pkg/graph"
	"github.com/jfremy/ancestra/pkg/graph/metrics"
	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// ErrSubjectNotFound is returned when a research subject is absent or
// archived.
var ErrSubjectNotFound = errors.New("research subject not found")

// maxIterations is the converse/tool round-trip budget per run.
// Hitting it is an expected outcome for open-ended research, not a
// failure.
const maxIterations = 10

// maxToolResultTokens clamps a single tool result before it enters the
// transcript, so one oversized graph read cannot sink the next model
// call.
const maxToolResultTokens = 2000

// ChatClient is the slice of the OpenAI client the orchestrator needs.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
)

// RunResult is the terminal result of one orchestrator run.
type RunResult struct {
	Outcome    Outcome `json:"outcome"`
	Answer     string  `json:"answer"`
	Iterations int     `json:"iterations"`
}

// runState makes the loop an explicit finite state machine:
// Start -> Converse <-> ToolExecuting -> Done | BudgetExhausted.
type runState int

const (
	stateStart runState = iota
	stateConverse
	stateToolExecuting
	stateDone
	stateBudgetExhausted
)

// Orchestrator runs one research task against a subject person.
type Orchestrator struct {
	chat       ChatClient
	model      string
	store      graph.Store
	dispatcher *Dispatcher
	logger     *logrus.Logger
	encoding   *tiktoken.Tiktoken
}

// NewOrchestrator wires the research loop. The token encoding is
// optional; without it tool results are clamped by rune count.
func NewOrchestrator(chat ChatClient, model string, store graph.Store, dispatcher *Dispatcher, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.WithError(err).Warn("Token encoding unavailable, falling back to rune clamping")
		encoding = nil
	}
	return &Orchestrator{
		chat:       chat,
		model:      model,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		encoding:   encoding,
	}
}

// Run executes the research task for one person. contributorID is the
// human whose action triggered the run; it becomes the proposer on any
// staged contribution. Model calls happen outside any graph
// transaction; every staged write is its own independent transaction.
func (o *Orchestrator) Run(ctx context.Context, personID, contributorID string) (*RunResult, error) {
	logger := o.logger.WithFields(logrus.Fields{"person": personID, "contributor": contributorID})

	state := stateStart
	iterations := 0
	var messages []openai.ChatCompletionMessage
	var pending []openai.ToolCall
	var answer string

	for {
		switch state {
		case stateStart:
			subject, err := o.store.GetEntity(ctx, personID)
			if err != nil {
				if errors.Is(err, graph.ErrEntityNotFound) {
					return nil, errors.Wrapf(ErrSubjectNotFound, "person %s", personID)
				}
				return nil, err
			}
			if subject.Archived {
				return nil, errors.Wrapf(ErrSubjectNotFound, "person %s is archived", personID)
			}
			messages = []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: subjectPrompt(subject)},
			}
			logger.WithField("subject", subject.Name()).Info("Research run started")
			state = stateConverse

		case stateConverse:
			if iterations >= maxIterations {
				state = stateBudgetExhausted
				continue
			}
			iterations++

			resp, err := o.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:    o.model,
				Messages: messages,
				Tools:    o.dispatcher.Definitions(),
			})
			if err != nil {
				return nil, errors.Wrap(err, "model call failed")
			}
			if len(resp.Choices) == 0 {
				return nil, errors.New("model returned no choices")
			}

			choice := resp.Choices[0].Message
			if len(choice.ToolCalls) > 0 {
				messages = append(messages, choice)
				pending = choice.ToolCalls
				state = stateToolExecuting
				continue
			}
			answer = choice.Content
			if answer == "" {
				answer = "Research complete."
			}
			state = stateDone

		case stateToolExecuting:
			// Calls execute in the order the model requested them, and
			// every result lands in the transcript before the next
			// converse turn, so the model keeps causal context.
			for _, tc := range pending {
				result := o.dispatcher.Dispatch(ctx, ToolCall{
					ID:         tc.ID,
					Capability: Capability(tc.Function.Name),
					Arguments:  tc.Function.Arguments,
				}, contributorID)
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: result.CallID,
					Content:    o.clamp(result.Content),
				})
			}
			pending = nil
			state = stateConverse

		case stateDone:
			metrics.AgentIterations.Observe(float64(iterations))
			logger.WithField("iterations", iterations).Info("Research run completed")
			return &RunResult{Outcome: OutcomeCompleted, Answer: answer, Iterations: iterations}, nil

		case stateBudgetExhausted:
			metrics.AgentIterations.Observe(float64(iterations))
			logger.WithField("iterations", iterations).Info("Research run reached iteration limit")
			return &RunResult{
				Outcome:    OutcomeBudgetExhausted,
				Answer:     "Research agent reached the iteration limit.",
				Iterations: iterations,
			}, nil
		}
	}
}

// clamp bounds one tool result by token count (rune count when no
// encoding is available).
func (o *Orchestrator) clamp(content string) string {
	if o.encoding == nil {
		runes := []rune(content)
		if len(runes) <= maxToolResultTokens*4 {
			return content
		}
		return string(runes[:maxToolResultTokens*4]) + "\n[truncated]"
	}
	tokens := o.encoding.Encode(content, nil, nil)
	if len(tokens) <= maxToolResultTokens {
		return content
	}
	return o.encoding.Decode(tokens[:maxToolResultTokens]) + "\n[truncated]"
}

const systemPrompt = `You are a genealogy research assistant with tools to query the family graph and propose additions.
Use graph_read to check existing data, then graph_write_propose to suggest new historically relevant nodes for human review.
Proposals are staged for an admin; you cannot write to the graph directly.`

func subjectPrompt(subject *graph.Entity) string {
	birthDate := subject.StringProp("birthDate")
	if birthDate == "" {
		birthDate = "unknown"
	}
	birthPlace := subject.StringProp("birthPlace")
	if birthPlace == "" {
		birthPlace = "unknown"
	}
	return fmt.Sprintf(
		"Given this person: Name: %s, Birth Date: %s, Birth Place: %s\n"+
			"Research their historical context, check existing data, then propose new records that would be historically relevant to their life.",
		subject.Name(), birthDate, birthPlace)
}
