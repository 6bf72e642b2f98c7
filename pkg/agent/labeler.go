package agent

import (
	"context"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jfremy/ancestra/pkg/graph"
	"github.com/kaptinlin/jsonrepair"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// rawLabelLimit bounds the fallback label taken from unparseable model
// output.
const rawLabelLimit = 200

// Labeler annotates Media nodes with model-generated labels. Labels are
// a low-risk, trivially correctable field, which is why this path
// writes directly instead of staging.
type Labeler struct {
	chat   ChatClient
	model  string
	store  graph.Store
	logger *logrus.Logger
}

// NewLabeler creates a media labeler.
func NewLabeler(chat ChatClient, model string, store graph.Store, logger *logrus.Logger) *Labeler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Labeler{chat: chat, model: model, store: store, logger: logger}
}

// LabelMedia loads the media node, asks the vision model for labels and
// writes them back. Unparseable model output degrades to a truncated
// raw-text label; it never fails the job.
func (l *Labeler) LabelMedia(ctx context.Context, mediaID string) ([]string, error) {
	media, err := l.store.GetEntity(ctx, mediaID)
	if err != nil {
		return nil, errors.Wrapf(err, "media %s", mediaID)
	}
	if media.Kind != graph.KindMedia || media.Archived {
		return nil, errors.Wrapf(graph.ErrEntityNotFound, "media %s", mediaID)
	}
	imageURL := media.StringProp("url")
	if imageURL == "" {
		return nil, errors.Errorf("media %s has no image url", mediaID)
	}

	if err := l.setStatus(ctx, mediaID, "pending"); err != nil {
		return nil, err
	}

	resp, err := l.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: l.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: imageURL},
					},
					{
						Type: openai.ChatMessagePartTypeText,
						Text: labelPrompt,
					},
				},
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "labeling model call failed")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("model returned no choices")
	}

	labels := ParseLabels(resp.Choices[0].Message.Content)

	_, err = l.store.Write(ctx, graph.Statement{
		Cypher: `MATCH (m:Media {id: $id})
		SET m.aiLabels = $labels, m.aiLabelStatus = 'complete'
		RETURN m.id AS id`,
		Params: map[string]interface{}{"id": mediaID, "labels": toInterfaces(labels)},
	})
	if err != nil {
		return nil, errors.Wrap(err, "writing labels")
	}

	l.logger.WithFields(logrus.Fields{"media": mediaID, "labels": len(labels)}).Info("Media labeled")
	return labels, nil
}

func (l *Labeler) setStatus(ctx context.Context, mediaID, status string) error {
	_, err := l.store.Write(ctx, graph.Statement{
		Cypher: `MATCH (m:Media {id: $id}) SET m.aiLabelStatus = $status`,
		Params: map[string]interface{}{"id": mediaID, "status": status},
	})
	return errors.Wrapf(err, "updating label status for media %s", mediaID)
}

// ParseLabels extracts a string-array of labels from model output.
// It tries the bracketed JSON array first, repairs near-JSON, and
// falls back to the truncated raw text as a single label. Duplicates
// are dropped, first occurrence wins.
func ParseLabels(text string) []string {
	if labels := parseLabelArray(text); len(labels) > 0 {
		return dedupeLabels(labels)
	}

	fallback := strings.TrimSpace(text)
	if fallback == "" {
		return nil
	}
	runes := []rune(fallback)
	if len(runes) > rawLabelLimit {
		fallback = string(runes[:rawLabelLimit])
	}
	return []string{fallback}
}

func parseLabelArray(text string) []string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}
	candidate := text[start : end+1]

	if !gjson.Valid(candidate) {
		repaired, err := jsonrepair.JSONRepair(candidate)
		if err != nil {
			return nil
		}
		candidate = repaired
	}
	parsed := gjson.Parse(candidate)
	if !parsed.IsArray() {
		return nil
	}

	labels := make([]string, 0)
	for _, v := range parsed.Array() {
		label := strings.TrimSpace(v.String())
		if label != "" {
			labels = append(labels, label)
		}
	}
	return labels
}

func dedupeLabels(labels []string) []string {
	seen := mapset.NewSet[string]()
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		if seen.Add(label) {
			out = append(out, label)
		}
	}
	return out
}

func toInterfaces(labels []string) []interface{} {
	out := make([]interface{}, len(labels))
	for i, label := range labels {
		out[i] = label
	}
	return out
}

const labelPrompt = `Analyze this family photo and provide labels as a JSON array. Include:
- Approximate decade/era (e.g., "1940s")
- Number of people visible
- Setting/location type (e.g., "outdoor", "living room", "church")
- Notable clothing or fashion details
- Any visible activities or events
- Mood or occasion
Return ONLY a JSON array of short label strings, e.g.: ["1950s", "outdoor", "3 people", "formal occasion"]`
