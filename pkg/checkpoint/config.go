package checkpoint

import (
	"context"
	"fmt"
)

// Store variants selectable through configuration.
const (
	TypeMemory   = "memory"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

// Config selects and parameterizes a checkpoint store.
type Config struct {
	Type        string
	SQLitePath  string
	PostgresURL string
}

// Open constructs the configured store variant.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite checkpoint store requires a database path")
		}
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case TypePostgres:
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres checkpoint store requires a connection url")
		}
		return NewPostgresStore(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown checkpoint store type %q", cfg.Type)
	}
}
