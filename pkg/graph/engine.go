// Package graph holds the genealogical data model and the relationship
// invariant engine, the single writer for committed entities and edges.
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/jfremy/ancestra/pkg/graph/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxPathHops bounds shortest-path traversal.
const maxPathHops = 10

// Engine enforces reciprocal-edge and archival invariants on every
// mutation. Reciprocal pairs and merges are written in single
// transactions so a partially applied invariant is never observable.
type Engine struct {
	store  Store
	logger *logrus.Logger
}

// NewEngine creates an invariant engine over the given store.
func NewEngine(store Store, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Engine{store: store, logger: logger}
}

// GetEntity resolves an entity by id, archived or not.
func (e *Engine) GetEntity(ctx context.Context, id string) (*Entity, error) {
	return e.store.GetEntity(ctx, id)
}

// getLive resolves an entity and treats archived as absent.
func (e *Engine) getLive(ctx context.Context, id string) (*Entity, error) {
	entity, err := e.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if entity.Archived {
		return nil, errors.Wrapf(ErrEntityNotFound, "entity %s is archived", id)
	}
	return entity, nil
}

// AddRelationship creates a typed edge between two live entities.
// PARENT_OF/CHILD_OF and MARRIED_TO expand to their reciprocal pair in
// the same transaction. Creation uses MERGE, so repeating the call does
// not duplicate edges.
func (e *Engine) AddRelationship(ctx context.Context, fromID, toID string, relType RelType) error {
	if !relType.Valid() {
		return errors.Wrapf(ErrInvalidRelType, "%q", relType)
	}
	if _, err := e.getLive(ctx, fromID); err != nil {
		return err
	}
	if _, err := e.getLive(ctx, toID); err != nil {
		return err
	}

	// Relationship types cannot be parameterized in Cypher; relType is
	// validated against the closed enum above.
	var b strings.Builder
	b.WriteString("MATCH (a {id: $fromId}), (b {id: $toId})\n")
	fmt.Fprintf(&b, "MERGE (a)-[:%s]->(b)\n", relType)
	if inverse, ok := relType.Inverse(); ok {
		fmt.Fprintf(&b, "MERGE (b)-[:%s]->(a)\n", inverse)
	}

	_, err := e.store.Write(ctx, Statement{
		Cypher: b.String(),
		Params: map[string]interface{}{"fromId": fromID, "toId": toID},
	})
	if err != nil {
		metrics.GraphWriteErrors.WithLabelValues("add_relationship").Inc()
		return err
	}
	metrics.GraphWrites.WithLabelValues("add_relationship").Inc()
	e.logger.WithFields(logrus.Fields{
		"from": fromID,
		"to":   toID,
		"type": relType,
	}).Info("Relationship created")
	return nil
}

// Archive soft-deletes an entity. Edges stay in place; every listing
// and traversal read filters archived nodes out, while direct id
// lookups still resolve them.
func (e *Engine) Archive(ctx context.Context, id string) error {
	rows, err := e.store.Write(ctx, Statement{
		Cypher: `MATCH (n {id: $id}) SET n.archived = true, n.updatedAt = $now RETURN n.id AS id`,
		Params: map[string]interface{}{"id": id, "now": nowUTC().Format(time.RFC3339)},
	})
	if err != nil {
		metrics.GraphWriteErrors.WithLabelValues("archive").Inc()
		return err
	}
	if len(rows) == 0 {
		return errors.Wrapf(ErrEntityNotFound, "archive %s", id)
	}
	metrics.GraphWrites.WithLabelValues("archive").Inc()
	e.logger.WithField("id", id).Info("Entity archived")
	return nil
}

// Merge re-points every edge incident to mergeID onto keepID, dedupes
// parallel edges of the same type, drops would-be self-loops and
// archives mergeID. The whole rewrite is one transactional statement,
// which is what makes a retry after a prior failure converge: either
// nothing happened, or everything did and the merged node is archived,
// turning the retry into a no-op.
func (e *Engine) Merge(ctx context.Context, keepID, mergeID string) error {
	if keepID == mergeID {
		return errors.New("cannot merge an entity into itself")
	}
	if _, err := e.getLive(ctx, keepID); err != nil {
		return err
	}
	mergeEntity, err := e.store.GetEntity(ctx, mergeID)
	if err != nil {
		return err
	}
	if mergeEntity.Archived {
		// Already merged (or archived): converged, nothing to do.
		return nil
	}

	_, err = e.store.Write(ctx, Statement{
		Cypher: buildMergeCypher(),
		Params: map[string]interface{}{
			"keepId":  keepID,
			"mergeId": mergeID,
			"now":     nowUTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		metrics.GraphWriteErrors.WithLabelValues("merge").Inc()
		return err
	}
	metrics.GraphWrites.WithLabelValues("merge").Inc()
	e.logger.WithFields(logrus.Fields{"keep": keepID, "merge": mergeID}).Info("Entities merged")
	return nil
}

// buildMergeCypher emits one statement covering every relationship type
// in both directions. MERGE collapses parallel same-type edges onto the
// kept node; the per-type WHERE clauses keep self-loops out.
func buildMergeCypher() string {
	var b strings.Builder
	b.WriteString("MATCH (keep {id: $keepId}), (m {id: $mergeId})\n")
	for i, relType := range allRelTypes() {
		fmt.Fprintf(&b, "WITH keep, m\n")
		fmt.Fprintf(&b, "OPTIONAL MATCH (m)-[:%s]->(o%d) WHERE o%d.id <> keep.id\n", relType, i, i)
		fmt.Fprintf(&b, "WITH keep, m, collect(DISTINCT o%d) AS outs%d\n", i, i)
		fmt.Fprintf(&b, "FOREACH (t IN outs%d | MERGE (keep)-[:%s]->(t))\n", i, relType)
		fmt.Fprintf(&b, "WITH keep, m\n")
		fmt.Fprintf(&b, "OPTIONAL MATCH (i%d)-[:%s]->(m) WHERE i%d.id <> keep.id\n", i, relType, i)
		fmt.Fprintf(&b, "WITH keep, m, collect(DISTINCT i%d) AS ins%d\n", i, i)
		fmt.Fprintf(&b, "FOREACH (s IN ins%d | MERGE (s)-[:%s]->(keep))\n", i, relType)
	}
	b.WriteString("WITH keep, m\n")
	b.WriteString("OPTIONAL MATCH (m)-[r]-()\n")
	b.WriteString("DELETE r\n")
	b.WriteString("WITH DISTINCT keep, m\n")
	b.WriteString("SET m.archived = true, m.updatedAt = $now\n")
	b.WriteString("RETURN m.id AS merged")
	return b.String()
}

// allRelTypes returns the closed enum in a stable order.
func allRelTypes() []RelType {
	return []RelType{
		RelParentOf, RelChildOf, RelMarriedTo, RelParticipatedIn,
		RelOccursAt, RelAppearsIn, RelDocuments, RelContributedBy, RelLivesAt,
	}
}

// ShortestPath returns the ids along the first shortest undirected path
// between two live entities, bounded to maxPathHops. Callers must not
// depend on a particular tie-break between equal-length paths.
func (e *Engine) ShortestPath(ctx context.Context, fromID, toID string) ([]string, error) {
	return e.store.ShortestPath(ctx, fromID, toID, maxPathHops)
}

// CreatePerson commits a new Person node, linked to its contributor via
// CONTRIBUTED_BY when a contributor id is given. Provenance fields are
// stamped for agent-originated entities accepted in review.
func (e *Engine) CreatePerson(ctx context.Context, input PersonInput, contributorID string, prov Provenance) (*Entity, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errors.New("person name is required")
	}
	id, props := PersonProps(input, prov)
	now := nowUTC()

	cypher := `CREATE (p:Person) SET p = $props RETURN p.id AS id`
	if contributorID != "" {
		cypher = `CREATE (p:Person) SET p = $props
		WITH p
		MATCH (c:Contributor {id: $contributorId})
		MERGE (p)-[:CONTRIBUTED_BY]->(c)
		RETURN p.id AS id`
	}

	_, err := e.store.Write(ctx, Statement{
		Cypher: cypher,
		Params: map[string]interface{}{"props": props, "contributorId": contributorID},
	})
	if err != nil {
		metrics.GraphWriteErrors.WithLabelValues("create_person").Inc()
		return nil, err
	}
	metrics.GraphWrites.WithLabelValues("create_person").Inc()

	entity := &Entity{ID: id, Kind: KindPerson, Properties: map[string]interface{}{}, CreatedAt: now, UpdatedAt: now}
	for key, value := range props {
		switch key {
		case "id", "archived", "createdAt", "updatedAt":
		default:
			entity.Properties[key] = value
		}
	}
	return entity, nil
}

// UpdatePerson applies a partial update to a live Person.
func (e *Engine) UpdatePerson(ctx context.Context, id string, data map[string]interface{}) error {
	rows, err := e.store.Write(ctx, Statement{
		Cypher: `MATCH (p:Person {id: $id, archived: false})
		SET p += $data, p.updatedAt = $now
		RETURN p.id AS id`,
		Params: map[string]interface{}{
			"id":   id,
			"data": data,
			"now":  nowUTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		metrics.GraphWriteErrors.WithLabelValues("update_person").Inc()
		return err
	}
	if len(rows) == 0 {
		return errors.Wrapf(ErrEntityNotFound, "update person %s", id)
	}
	metrics.GraphWrites.WithLabelValues("update_person").Inc()
	return nil
}

// PersonSummary is the projection returned by relationship listings.
type PersonSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListParents lists live parents of a live person.
func (e *Engine) ListParents(ctx context.Context, personID string) ([]PersonSummary, error) {
	return e.listRelated(ctx, personID,
		`MATCH (p:Person {id: $id, archived: false})<-[:PARENT_OF]-(rel:Person {archived: false})
		RETURN rel.id AS id, rel.name AS name ORDER BY rel.name`)
}

// ListChildren lists live children of a live person.
func (e *Engine) ListChildren(ctx context.Context, personID string) ([]PersonSummary, error) {
	return e.listRelated(ctx, personID,
		`MATCH (p:Person {id: $id, archived: false})-[:PARENT_OF]->(rel:Person {archived: false})
		RETURN rel.id AS id, rel.name AS name ORDER BY rel.name`)
}

// ListSpouses lists live spouses of a live person.
func (e *Engine) ListSpouses(ctx context.Context, personID string) ([]PersonSummary, error) {
	return e.listRelated(ctx, personID,
		`MATCH (p:Person {id: $id, archived: false})-[:MARRIED_TO]-(rel:Person {archived: false})
		RETURN DISTINCT rel.id AS id, rel.name AS name ORDER BY rel.name`)
}

func (e *Engine) listRelated(ctx context.Context, personID, cypher string) ([]PersonSummary, error) {
	rows, err := e.store.Query(ctx, cypher, map[string]interface{}{"id": personID})
	if err != nil {
		return nil, err
	}
	summaries := make([]PersonSummary, 0, len(rows))
	for _, row := range rows {
		summary := PersonSummary{}
		summary.ID, _ = row["id"].(string)
		summary.Name, _ = row["name"].(string)
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// GraphData projects the live person graph into nodes and links for the
// rendering front-ends.
func (e *Engine) GraphData(ctx context.Context) ([]GraphNode, []GraphLink, error) {
	rows, err := e.store.Query(ctx,
		`MATCH (p:Person {archived: false})
		OPTIONAL MATCH (p)-[r:PARENT_OF|MARRIED_TO]->(q:Person {archived: false})
		RETURN p.id AS id, p.name AS name, q.id AS relatedId, q.name AS relatedName, type(r) AS relType`,
		nil)
	if err != nil {
		return nil, nil, err
	}

	seen := mapset.NewSet[string]()
	nodes := make([]GraphNode, 0)
	links := make([]GraphLink, 0)
	addNode := func(id, name string) {
		if id != "" && seen.Add(id) {
			nodes = append(nodes, GraphNode{ID: id, Label: name, Kind: KindPerson})
		}
	}
	for _, row := range rows {
		id, _ := row["id"].(string)
		name, _ := row["name"].(string)
		addNode(id, name)

		relatedID, _ := row["relatedId"].(string)
		if relatedID == "" {
			continue
		}
		relatedName, _ := row["relatedName"].(string)
		relType, _ := row["relType"].(string)
		addNode(relatedID, relatedName)
		links = append(links, GraphLink{Source: id, Target: relatedID, Type: RelType(relType)})
	}
	return nodes, links, nil
}

// PersonProps builds the property map for a new Person node. Every
// Person written to the graph, whether human-created or materialized
// from an accepted contribution, goes through this one convention.
func PersonProps(input PersonInput, prov Provenance) (string, map[string]interface{}) {
	id := uuid.NewString()
	now := nowUTC().Format(time.RFC3339)
	props := map[string]interface{}{
		"id":        id,
		"name":      input.Name,
		"archived":  false,
		"createdAt": now,
		"updatedAt": now,
	}
	setOptional(props, "birthDate", input.BirthDate)
	setOptional(props, "deathDate", input.DeathDate)
	setOptional(props, "bio", input.Bio)
	setOptional(props, "gender", input.Gender)
	setOptional(props, "birthPlace", input.BirthPlace)
	setOptional(props, "cloudinaryPublicId", input.CloudinaryPublicID)
	setOptional(props, "createdBy", prov.CreatedBy)
	setOptional(props, "reviewedBy", prov.ReviewedBy)
	return id, props
}

func setOptional(props map[string]interface{}, key, value string) {
	if value != "" {
		props[key] = value
	}
}
