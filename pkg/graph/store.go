package graph

import "context"

// Row is a single result record keyed by return alias.
type Row map[string]interface{}

// Statement is one parameterized Cypher statement.
type Statement struct {
	Cypher string
	Params map[string]interface{}
}

// Store is the contract a property-graph backend must satisfy. Reads run
// on read sessions and never observe uncommitted writes; Write executes
// every statement inside a single transaction, so partial writes are not
// observable on failure.
type Store interface {
	// GetEntity resolves an entity by id, including archived entities.
	// Returns ErrEntityNotFound when no node carries the id.
	GetEntity(ctx context.Context, id string) (*Entity, error)

	// Query runs a read-only Cypher query. Write clauses are rejected by
	// the underlying read session, not by inspection of the query text.
	Query(ctx context.Context, cypher string, params map[string]interface{}) ([]Row, error)

	// Write runs all statements in one write transaction and returns the
	// rows produced by the last statement.
	Write(ctx context.Context, stmts ...Statement) ([]Row, error)

	// ShortestPath returns the node ids along the first shortest path
	// between two entities, ignoring edge direction, bounded by maxHops.
	// A nil slice means no path within the bound. Ties between
	// equal-length paths follow store enumeration order.
	ShortestPath(ctx context.Context, fromID, toID string, maxHops int) ([]string, error)

	Close() error
}
