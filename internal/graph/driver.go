// Package graph abstracts the graph database used for session history.
// The ledger never depends on this: history is a best-effort mirror and
// the orchestrator runs fine with no graph at all.
package graph

import (
	"context"
	"os"
)

// Record represents a single result row from a query.
type Record map[string]any

// GraphReader provides read-only graph database operations.
type GraphReader interface {
	// Execute runs a Cypher query and returns results.
	Execute(ctx context.Context, query string, params map[string]any) ([]Record, error)
}

// GraphWriter provides write graph database operations.
type GraphWriter interface {
	// ExecuteWrite runs a write query (CREATE, MERGE, SET, DELETE).
	ExecuteWrite(ctx context.Context, query string, params map[string]any) error
}

// Driver is the full graph database interface. Memgraph is the default
// backend; anything speaking bolt works.
type Driver interface {
	GraphReader
	GraphWriter

	// Close releases database resources.
	Close() error

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error
}

// Config holds database connection configuration.
type Config struct {
	URI      string
	Username string
	Password string
}

// DefaultConfig returns configuration from LOOM_GRAPH_* environment
// variables.
func DefaultConfig() Config {
	return Config{
		URI:      getEnv("LOOM_GRAPH_URI", "bolt://localhost:7687"),
		Username: os.Getenv("LOOM_GRAPH_USER"),
		Password: os.Getenv("LOOM_GRAPH_PASSWORD"),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
