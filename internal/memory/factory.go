package memory

import (
	"context"
	"strings"
)

const (
	ModePostgres = "postgres"
	ModeInMemory = "in-memory"
)

// NewStore opens Postgres when databaseURL is set; otherwise turns and
// alerts live only as long as the process.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// Mode names the backend behind store for readiness reporting.
func Mode(store Store) string {
	switch store.(type) {
	case *PostgresStore:
		return ModePostgres
	case *InMemoryStore:
		return ModeInMemory
	default:
		return "custom"
	}
}
