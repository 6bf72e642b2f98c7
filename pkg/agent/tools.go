package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jfremy/ancestra/pkg/contrib"
	"github.com/jfremy/ancestra/pkg/graph"
	"github.com/jfremy/ancestra/pkg/graph/metrics"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Capability is the closed set of actions exposed to the agent.
type Capability string

const (
	CapGraphRead         Capability = "graph_read"
	CapGraphWritePropose Capability = "graph_write_propose"
	CapLabelUpdate       Capability = "label_update"
)

// ToolCall is one requested capability invocation from the model.
type ToolCall struct {
	ID         string
	Capability Capability
	// Arguments is the raw JSON argument object from the model turn.
	Arguments string
}

// ToolResult is returned into the transcript. IsError marks tool-level
// failures the model is expected to self-correct from; they never abort
// the run.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// Dispatcher routes capability calls. graph_read runs on the store's
// read session, so an attempted write fails at the data layer instead
// of being a naming convention. graph_write_propose only ever stages;
// committing is the reviewer's job. label_update is the one narrow
// direct write.
type Dispatcher struct {
	store    graph.Store
	contribs *contrib.Store
	agentID  string
	logger   *logrus.Logger

	handlers map[Capability]func(ctx context.Context, args gjson.Result, proposerID string) (string, error)
}

// NewDispatcher creates the capability dispatch table.
func NewDispatcher(store graph.Store, contribs *contrib.Store, agentID string, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	d := &Dispatcher{store: store, contribs: contribs, agentID: agentID, logger: logger}
	d.handlers = map[Capability]func(context.Context, gjson.Result, string) (string, error){
		CapGraphRead:         d.graphRead,
		CapGraphWritePropose: d.graphWritePropose,
		CapLabelUpdate:       d.labelUpdate,
	}
	return d
}

// Dispatch executes one capability call on behalf of proposerID (the
// contributor whose action triggered the run). Every failure comes back
// as an error result for the transcript; the conversation continues.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCall, proposerID string) ToolResult {
	handler, ok := d.handlers[call.Capability]
	if !ok {
		metrics.AgentToolCalls.WithLabelValues(string(call.Capability), "error").Inc()
		return ToolResult{
			CallID:  call.ID,
			Content: fmt.Sprintf("tool error: unknown capability %q", call.Capability),
			IsError: true,
		}
	}
	if !gjson.Valid(call.Arguments) {
		metrics.AgentToolCalls.WithLabelValues(string(call.Capability), "error").Inc()
		return ToolResult{
			CallID:  call.ID,
			Content: "tool error: arguments are not valid JSON",
			IsError: true,
		}
	}

	content, err := handler(ctx, gjson.Parse(call.Arguments), proposerID)
	if err != nil {
		metrics.AgentToolCalls.WithLabelValues(string(call.Capability), "error").Inc()
		d.logger.WithError(err).WithField("capability", call.Capability).Warn("Tool call failed")
		return ToolResult{CallID: call.ID, Content: "tool error: " + err.Error(), IsError: true}
	}
	metrics.AgentToolCalls.WithLabelValues(string(call.Capability), "ok").Inc()
	return ToolResult{CallID: call.ID, Content: content}
}

func (d *Dispatcher) graphRead(ctx context.Context, args gjson.Result, _ string) (string, error) {
	query := args.Get("query").String()
	if query == "" {
		return "", errors.New("'query' is required")
	}
	params := map[string]interface{}{}
	if raw := args.Get("params").String(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return "", errors.Wrap(err, "'params' must be a JSON object string")
		}
	}
	rows, err := d.store.Query(ctx, query, params)
	if err != nil {
		// Includes writes rejected by the read session.
		return "", err
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		return "", errors.Wrap(err, "encoding query rows")
	}
	return string(encoded), nil
}

func (d *Dispatcher) graphWritePropose(ctx context.Context, args gjson.Result, proposerID string) (string, error) {
	subjectID := args.Get("subjectEntityId").String()
	if subjectID == "" {
		return "", errors.New("'subjectEntityId' is required")
	}
	payload, err := contrib.ParsePayload(args.Get("payload").String())
	if err != nil {
		return "", err
	}
	pc, err := d.contribs.Stage(ctx, payload, d.agentID, proposerID, subjectID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Pending contribution created with id: %s", pc.ID), nil
}

func (d *Dispatcher) labelUpdate(ctx context.Context, args gjson.Result, _ string) (string, error) {
	mediaID := args.Get("mediaId").String()
	if mediaID == "" {
		return "", errors.New("'mediaId' is required")
	}
	labels := make([]interface{}, 0)
	for _, v := range args.Get("labels").Array() {
		labels = append(labels, v.String())
	}

	rows, err := d.store.Write(ctx, graph.Statement{
		Cypher: `MATCH (m:Media {id: $mediaId, archived: false})
		SET m.aiLabels = $labels, m.aiLabelStatus = 'complete'
		RETURN m.id AS id`,
		Params: map[string]interface{}{"mediaId": mediaID, "labels": labels},
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", errors.Wrapf(graph.ErrEntityNotFound, "media %s", mediaID)
	}
	return fmt.Sprintf("Labels updated for media %s", mediaID), nil
}

// Definitions returns the fixed tool schemas advertised to the model.
func (d *Dispatcher) Definitions() []openai.Tool {
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        string(CapGraphRead),
				Description: "Run a read-only Cypher query against the genealogy graph",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"query":  map[string]interface{}{"type": "string", "description": "The Cypher query to run"},
						"params": map[string]interface{}{"type": "string", "description": "JSON object string of query parameters"},
					},
					"required": []string{"query"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        string(CapGraphWritePropose),
				Description: "Propose a new node to be reviewed by an admin before it enters the graph",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"payload":         map[string]interface{}{"type": "string", "description": "JSON string of the proposed data"},
						"subjectEntityId": map[string]interface{}{"type": "string", "description": "The entity id this proposal concerns"},
					},
					"required": []string{"payload", "subjectEntityId"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        string(CapLabelUpdate),
				Description: "Update AI-generated labels on a Media node",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"mediaId": map[string]interface{}{"type": "string", "description": "The Media node id"},
						"labels":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					},
					"required": []string{"mediaId", "labels"},
				},
			},
		},
	}
}
