package storage

import (
	"testing"
	"time"

	"github.com/jfremy/ancestra/pkg/graph"
	"github.com/neo4j/neo4j-go-driver/v4/neo4j"
)

func TestEntityFromNode(t *testing.T) {
	node := neo4j.Node{
		Id:     1,
		Labels: []string{"Person"},
		Props: map[string]interface{}{
			"id":        "p1",
			"name":      "Maria Weber",
			"birthDate": "1890-04-02",
			"archived":  true,
			"createdAt": "2026-01-02T15:04:05Z",
			"updatedAt": "2026-01-03T15:04:05Z",
		},
	}

	entity := entityFromNode(node)
	if entity.ID != "p1" || entity.Kind != graph.KindPerson {
		t.Errorf("unexpected identity: %+v", entity)
	}
	if !entity.Archived {
		t.Error("archived flag lost in mapping")
	}
	if entity.Name() != "Maria Weber" {
		t.Errorf("name = %q", entity.Name())
	}
	if entity.StringProp("birthDate") != "1890-04-02" {
		t.Errorf("birthDate = %q", entity.StringProp("birthDate"))
	}
	want := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	if !entity.CreatedAt.Equal(want) {
		t.Errorf("createdAt = %v, want %v", entity.CreatedAt, want)
	}
	if _, leaked := entity.Properties["id"]; leaked {
		t.Error("id must not leak into the property map")
	}
}

func TestParseTimeToleratesGarbage(t *testing.T) {
	if !parseTime("not a date").IsZero() {
		t.Error("invalid timestamps must map to zero time")
	}
	if !parseTime(42).IsZero() {
		t.Error("non-string timestamps must map to zero time")
	}
}

func TestItoaClampsToOne(t *testing.T) {
	if itoa(0) != "1" || itoa(-3) != "1" {
		t.Error("hop bounds below one must clamp to 1")
	}
	if itoa(10) != "10" {
		t.Errorf("itoa(10) = %s", itoa(10))
	}
}
