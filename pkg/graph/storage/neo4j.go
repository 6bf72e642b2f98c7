// Package storage implements the graph store contract on Neo4j.
package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/jfremy/ancestra/pkg/graph"
	"github.com/neo4j/neo4j-go-driver/v4/neo4j"
	"github.com/pkg/errors"
)

// Config carries the Neo4j connection settings.
type Config struct {
	URI      string
	Username string
	Password string
	// PoolSize bounds the driver connection pool. Zero means 50.
	PoolSize int
}

// Neo4jStore implements graph.Store. It is constructed once at process
// start and shared; Close releases the driver pool.
type Neo4jStore struct {
	driver neo4j.Driver
}

// NewNeo4jStore creates the store and verifies connectivity.
func NewNeo4jStore(cfg Config) (*Neo4jStore, error) {
	pool := cfg.PoolSize
	if pool <= 0 {
		pool = 50
	}
	driver, err := neo4j.NewDriver(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""), func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = pool
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Neo4j driver")
	}
	if err := driver.VerifyConnectivity(); err != nil {
		driver.Close()
		return nil, errors.Wrapf(err, "failed to reach Neo4j at %s", cfg.URI)
	}
	return &Neo4jStore{driver: driver}, nil
}

// Close implements graph.Store.
func (s *Neo4jStore) Close() error {
	return s.driver.Close()
}

// GetEntity implements graph.Store. Archived entities are returned with
// the flag set; callers decide whether archived counts as absent.
func (s *Neo4jStore) GetEntity(ctx context.Context, id string) (*graph.Entity, error) {
	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close()

	result, err := session.ReadTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		res, err := tx.Run(`MATCH (e {id: $id}) RETURN e LIMIT 1`, map[string]interface{}{"id": id})
		if err != nil {
			return nil, err
		}
		if res.Next() {
			node, ok := res.Record().Values[0].(neo4j.Node)
			if !ok {
				return nil, errors.New("unexpected record shape for entity lookup")
			}
			return entityFromNode(node), nil
		}
		return nil, res.Err()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "entity lookup %s", id)
	}
	if result == nil {
		return nil, graph.ErrEntityNotFound
	}
	return result.(*graph.Entity), nil
}

// Query implements graph.Store. The read access mode makes Neo4j reject
// write clauses, which is what enforces the read-only tool capability.
func (s *Neo4jStore) Query(ctx context.Context, cypher string, params map[string]interface{}) ([]graph.Row, error) {
	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close()

	rows, err := session.ReadTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		res, err := tx.Run(cypher, params)
		if err != nil {
			return nil, err
		}
		return collectRows(res)
	})
	if err != nil {
		return nil, errors.Wrap(err, "read query failed")
	}
	return rows.([]graph.Row), nil
}

// Write implements graph.Store. All statements share one transaction.
func (s *Neo4jStore) Write(ctx context.Context, stmts ...graph.Statement) ([]graph.Row, error) {
	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close()

	rows, err := session.WriteTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		var last []graph.Row
		for _, stmt := range stmts {
			res, err := tx.Run(stmt.Cypher, stmt.Params)
			if err != nil {
				return nil, err
			}
			collected, err := collectRows(res)
			if err != nil {
				return nil, err
			}
			last = collected
		}
		return last, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "write transaction failed")
	}
	return rows.([]graph.Row), nil
}

// ShortestPath implements graph.Store.
func (s *Neo4jStore) ShortestPath(ctx context.Context, fromID, toID string, maxHops int) ([]string, error) {
	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close()

	result, err := session.ReadTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		// Variable-length patterns cannot parameterize the bound, but
		// maxHops is an internal constant, never caller input.
		res, err := tx.Run(
			`MATCH (a {id: $fromId}), (b {id: $toId})
			WHERE a.archived = false AND b.archived = false
			MATCH p = shortestPath((a)-[*..`+itoa(maxHops)+`]-(b))
			RETURN [n IN nodes(p) | n.id] AS ids`,
			map[string]interface{}{"fromId": fromID, "toId": toID},
		)
		if err != nil {
			return nil, err
		}
		if res.Next() {
			raw, _ := res.Record().Get("ids")
			values, ok := raw.([]interface{})
			if !ok {
				return nil, errors.New("unexpected record shape for shortest path")
			}
			ids := make([]string, 0, len(values))
			for _, v := range values {
				id, _ := v.(string)
				ids = append(ids, id)
			}
			return ids, nil
		}
		return nil, res.Err()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "shortest path %s -> %s", fromID, toID)
	}
	if result == nil {
		return nil, nil
	}
	return result.([]string), nil
}

func collectRows(res neo4j.Result) ([]graph.Row, error) {
	rows := make([]graph.Row, 0)
	for res.Next() {
		record := res.Record()
		row := make(graph.Row, len(record.Keys))
		for i, key := range record.Keys {
			row[key] = record.Values[i]
		}
		rows = append(rows, row)
	}
	return rows, res.Err()
}

func entityFromNode(node neo4j.Node) *graph.Entity {
	entity := &graph.Entity{Properties: make(map[string]interface{})}
	if len(node.Labels) > 0 {
		entity.Kind = graph.EntityKind(node.Labels[0])
	}
	for key, value := range node.Props {
		switch key {
		case "id":
			entity.ID, _ = value.(string)
		case "archived":
			entity.Archived, _ = value.(bool)
		case "createdAt":
			entity.CreatedAt = parseTime(value)
		case "updatedAt":
			entity.UpdatedAt = parseTime(value)
		default:
			entity.Properties[key] = value
		}
	}
	return entity
}

func parseTime(value interface{}) time.Time {
	s, ok := value.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func itoa(n int) string {
	if n <= 0 {
		n = 1
	}
	return strconv.Itoa(n)
}
