package graph

import (
	"time"

	"github.com/pkg/errors"
)

// EntityKind is the node label of a graph entity.
type EntityKind string

const (
	KindPerson EntityKind = "Person"
	KindEvent  EntityKind = "Event"
	KindPlace  EntityKind = "Place"
	KindMedia  EntityKind = "Media"
	KindSource EntityKind = "Source"
)

// RelType is the closed set of relationship types in the graph.
type RelType string

const (
	RelParentOf       RelType = "PARENT_OF"
	RelChildOf        RelType = "CHILD_OF"
	RelMarriedTo      RelType = "MARRIED_TO"
	RelParticipatedIn RelType = "PARTICIPATED_IN"
	RelOccursAt       RelType = "OCCURS_AT"
	RelAppearsIn      RelType = "APPEARS_IN"
	RelDocuments      RelType = "DOCUMENTS"
	RelContributedBy  RelType = "CONTRIBUTED_BY"
	RelLivesAt        RelType = "LIVES_AT"
)

var relTypes = map[RelType]bool{
	RelParentOf:       true,
	RelChildOf:        true,
	RelMarriedTo:      true,
	RelParticipatedIn: true,
	RelOccursAt:       true,
	RelAppearsIn:      true,
	RelDocuments:      true,
	RelContributedBy:  true,
	RelLivesAt:        true,
}

// Valid reports whether t is a known relationship type.
func (t RelType) Valid() bool { return relTypes[t] }

// Inverse returns the reciprocal type that must co-exist with t, and
// whether t requires one. PARENT_OF/CHILD_OF invert each other;
// MARRIED_TO is its own inverse (both directions must exist).
func (t RelType) Inverse() (RelType, bool) {
	switch t {
	case RelParentOf:
		return RelChildOf, true
	case RelChildOf:
		return RelParentOf, true
	case RelMarriedTo:
		return RelMarriedTo, true
	}
	return "", false
}

// Entity is a node in the genealogical graph. Archived entities are
// excluded from listings and traversals but remain resolvable by id.
type Entity struct {
	ID         string                 `json:"id"`
	Kind       EntityKind             `json:"kind"`
	Properties map[string]interface{} `json:"properties"`
	Archived   bool                   `json:"archived"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Name returns the entity's name property, if present.
func (e *Entity) Name() string {
	if e == nil || e.Properties == nil {
		return ""
	}
	s, _ := e.Properties["name"].(string)
	return s
}

// StringProp returns a string property of the entity, if present.
func (e *Entity) StringProp(key string) string {
	if e == nil || e.Properties == nil {
		return ""
	}
	s, _ := e.Properties[key].(string)
	return s
}

// Relationship is a typed, directed edge between two entities.
type Relationship struct {
	Type RelType `json:"type"`
	From string  `json:"from"`
	To   string  `json:"to"`
}

// PersonInput carries the attributes of a Person write.
type PersonInput struct {
	Name               string `json:"name"`
	BirthDate          string `json:"birthDate,omitempty"`
	DeathDate          string `json:"deathDate,omitempty"`
	Bio                string `json:"bio,omitempty"`
	Gender             string `json:"gender,omitempty"`
	BirthPlace         string `json:"birthPlace,omitempty"`
	CloudinaryPublicID string `json:"cloudinaryPublicId,omitempty"`
}

// Provenance records who created an entity and, for agent-proposed
// entities, which reviewer accepted it.
type Provenance struct {
	CreatedBy  string `json:"createdBy,omitempty"`
	ReviewedBy string `json:"reviewedBy,omitempty"`
}

// GraphNode and GraphLink form the projection consumed by rendering
// front-ends.
type GraphNode struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Kind  EntityKind `json:"type"`
}

type GraphLink struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Type   RelType `json:"type"`
}

var (
	// ErrEntityNotFound is returned when a referenced entity is absent
	// or archived.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidRelType is returned for relationship types outside the
	// closed enumeration.
	ErrInvalidRelType = errors.New("invalid relationship type")
)

// nowUTC is a seam for tests.
var nowUTC = func() time.Time { return time.Now().UTC() }
