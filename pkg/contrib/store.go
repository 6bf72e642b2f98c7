// Package contrib persists agent-proposed graph changes as staged
// records with a pending/accepted/rejected review lifecycle. Staged
// records are the trust boundary between the agent and the committed
// graph: nothing the agent proposes reaches the graph until a human
// accepts it here.
package contrib

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jfremy/ancestra/pkg/graph"
	"github.com/jfremy/ancestra/pkg/graph/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Status is the review state of a contribution.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Action is a reviewer's decision.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

// PendingContribution is a proposed graph change awaiting human
// judgment. Terminal states are immutable.
type PendingContribution struct {
	ID         string            `json:"id"`
	Payload    graph.PersonInput `json:"payload"`
	AgentID    string            `json:"agentId"`
	SubjectID  string            `json:"subjectId"`
	ProposerID string            `json:"proposerId"`
	Status     Status            `json:"status"`
	ReviewedBy string            `json:"reviewedBy,omitempty"`
	ReviewedAt *time.Time        `json:"reviewedAt,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// ReviewResult reports the outcome of a resolution.
type ReviewResult struct {
	Contribution PendingContribution `json:"contribution"`
	// CreatedEntityID is set when an accepted payload was materialized.
	CreatedEntityID string `json:"createdEntityId,omitempty"`
}

// ErrAlreadyResolved is returned when resolving a contribution that has
// left the pending state. No mutation happens in that case.
var ErrAlreadyResolved = errors.New("contribution already resolved")

// ParsePayload parses a proposed payload string into its typed form.
// Unknown fields are ignored; a payload without a usable name is
// rejected so review never sees an empty proposal.
func ParsePayload(raw string) (graph.PersonInput, error) {
	if !gjson.Valid(raw) {
		return graph.PersonInput{}, errors.Errorf("proposed payload is not valid JSON: %.80s", raw)
	}
	parsed := gjson.Parse(raw)
	payload := graph.PersonInput{
		Name:               strings.TrimSpace(parsed.Get("name").String()),
		BirthDate:          parsed.Get("birthDate").String(),
		DeathDate:          parsed.Get("deathDate").String(),
		Bio:                parsed.Get("bio").String(),
		Gender:             parsed.Get("gender").String(),
		BirthPlace:         parsed.Get("birthPlace").String(),
		CloudinaryPublicID: parsed.Get("cloudinaryPublicId").String(),
	}
	if payload.Name == "" {
		return graph.PersonInput{}, errors.New("proposed payload has no name")
	}
	return payload, nil
}

// Store persists contributions as PendingContribution nodes in the
// graph store, the same engine that backs the committed graph.
type Store struct {
	store  graph.Store
	logger *logrus.Logger
}

// NewStore creates a contribution store.
func NewStore(store graph.Store, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Store{store: store, logger: logger}
}

// Stage records a proposed change. Contributions always start pending;
// no proposer identity, however trusted, skips review.
func (s *Store) Stage(ctx context.Context, payload graph.PersonInput, agentID, proposerID, subjectID string) (*PendingContribution, error) {
	if subjectID == "" {
		return nil, errors.New("subject entity id is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encoding proposed payload")
	}

	pc := &PendingContribution{
		ID:         uuid.NewString(),
		Payload:    payload,
		AgentID:    agentID,
		SubjectID:  subjectID,
		ProposerID: proposerID,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.store.Write(ctx, graph.Statement{
		Cypher: `CREATE (pc:PendingContribution {
			id: $id,
			payload: $payload,
			agentId: $agentId,
			subjectId: $subjectId,
			proposerId: $proposerId,
			status: $status,
			createdAt: $createdAt
		})`,
		Params: map[string]interface{}{
			"id":         pc.ID,
			"payload":    string(raw),
			"agentId":    pc.AgentID,
			"subjectId":  pc.SubjectID,
			"proposerId": pc.ProposerID,
			"status":     string(StatusPending),
			"createdAt":  pc.CreatedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "staging contribution")
	}
	metrics.ContributionsStaged.Inc()
	s.logger.WithFields(logrus.Fields{
		"contribution": pc.ID,
		"subject":      subjectID,
		"agent":        agentID,
	}).Info("Contribution staged")
	return pc, nil
}

// Resolve transitions a pending contribution exactly once. The status
// change is a conditional update matching only status 'pending', so two
// racing reviewers cannot both succeed; the loser gets
// ErrAlreadyResolved and mutates nothing. On accept, the (possibly
// edited) payload is materialized as a committed Person in the same
// transaction that flips the status.
func (s *Store) Resolve(ctx context.Context, id string, action Action, reviewerID string, editedPayload *graph.PersonInput) (*ReviewResult, error) {
	if action != ActionAccept && action != ActionReject {
		return nil, errors.Errorf("unknown review action %q", action)
	}

	current, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusPending {
		return nil, errors.Wrapf(ErrAlreadyResolved, "contribution %s is %s", id, current.Status)
	}

	now := time.Now().UTC()
	params := map[string]interface{}{
		"id":         id,
		"reviewedBy": reviewerID,
		"reviewedAt": now.Format(time.RFC3339),
	}

	var cypher string
	var createdID string
	if action == ActionAccept {
		payload := current.Payload
		if editedPayload != nil {
			payload = *editedPayload
		}
		// The claim writes the store directly to keep it in one
		// transaction, so the engine's name guard is repeated here.
		if strings.TrimSpace(payload.Name) == "" {
			return nil, errors.New("accepted payload has no name")
		}
		newID, props := graph.PersonProps(payload, graph.Provenance{
			CreatedBy:  "agent:" + current.AgentID,
			ReviewedBy: reviewerID,
		})
		createdID = newID
		params["props"] = props
		// Claim and materialization share one statement: the CREATE
		// only runs when the conditional MATCH still sees 'pending'.
		cypher = `MATCH (pc:PendingContribution {id: $id, status: 'pending'})
		SET pc.status = 'accepted', pc.reviewedBy = $reviewedBy, pc.reviewedAt = $reviewedAt
		WITH pc
		CREATE (p:Person) SET p = $props
		RETURN pc.id AS id`
	} else {
		cypher = `MATCH (pc:PendingContribution {id: $id, status: 'pending'})
		SET pc.status = 'rejected', pc.reviewedBy = $reviewedBy, pc.reviewedAt = $reviewedAt
		RETURN pc.id AS id`
	}

	rows, err := s.store.Write(ctx, graph.Statement{Cypher: cypher, Params: params})
	if err != nil {
		return nil, errors.Wrapf(err, "resolving contribution %s", id)
	}
	if len(rows) == 0 {
		// Lost the race since the read above.
		return nil, errors.Wrapf(ErrAlreadyResolved, "contribution %s", id)
	}

	metrics.ContributionsResolved.WithLabelValues(string(action)).Inc()
	s.logger.WithFields(logrus.Fields{
		"contribution": id,
		"action":       action,
		"reviewer":     reviewerID,
	}).Info("Contribution resolved")

	resolved := *current
	resolved.ReviewedBy = reviewerID
	resolved.ReviewedAt = &now
	if action == ActionAccept {
		resolved.Status = StatusAccepted
	} else {
		resolved.Status = StatusRejected
		createdID = ""
	}
	return &ReviewResult{Contribution: resolved, CreatedEntityID: createdID}, nil
}

// ListPending returns pending contributions, newest first.
func (s *Store) ListPending(ctx context.Context) ([]PendingContribution, error) {
	rows, err := s.store.Query(ctx,
		`MATCH (pc:PendingContribution {status: 'pending'})
		RETURN pc.id AS id, pc.payload AS payload, pc.agentId AS agentId,
			pc.subjectId AS subjectId, pc.proposerId AS proposerId,
			pc.status AS status, pc.createdAt AS createdAt
		ORDER BY pc.createdAt DESC`,
		nil)
	if err != nil {
		return nil, errors.Wrap(err, "listing pending contributions")
	}
	contributions := make([]PendingContribution, 0, len(rows))
	for _, row := range rows {
		contributions = append(contributions, contributionFromRow(row))
	}
	return contributions, nil
}

func (s *Store) get(ctx context.Context, id string) (*PendingContribution, error) {
	rows, err := s.store.Query(ctx,
		`MATCH (pc:PendingContribution {id: $id})
		RETURN pc.id AS id, pc.payload AS payload, pc.agentId AS agentId,
			pc.subjectId AS subjectId, pc.proposerId AS proposerId,
			pc.status AS status, pc.createdAt AS createdAt,
			pc.reviewedBy AS reviewedBy, pc.reviewedAt AS reviewedAt`,
		map[string]interface{}{"id": id})
	if err != nil {
		return nil, errors.Wrapf(err, "loading contribution %s", id)
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(graph.ErrEntityNotFound, "contribution %s", id)
	}
	pc := contributionFromRow(rows[0])
	return &pc, nil
}

func contributionFromRow(row graph.Row) PendingContribution {
	pc := PendingContribution{}
	pc.ID, _ = row["id"].(string)
	pc.AgentID, _ = row["agentId"].(string)
	pc.SubjectID, _ = row["subjectId"].(string)
	pc.ProposerID, _ = row["proposerId"].(string)
	if s, ok := row["status"].(string); ok {
		pc.Status = Status(s)
	}
	if s, ok := row["createdAt"].(string); ok {
		pc.CreatedAt, _ = time.Parse(time.RFC3339, s)
	}
	pc.ReviewedBy, _ = row["reviewedBy"].(string)
	if s, ok := row["reviewedAt"].(string); ok && s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			pc.ReviewedAt = &t
		}
	}
	if raw, ok := row["payload"].(string); ok {
		if payload, err := ParsePayload(raw); err == nil {
			pc.Payload = payload
		}
	}
	return pc
}
