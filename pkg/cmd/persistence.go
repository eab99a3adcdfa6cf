package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/fluxionlabs/fluxion/pkg/persistence"
	"github.com/fluxionlabs/fluxion/pkg/persistence/file"
	"github.com/fluxionlabs/fluxion/pkg/persistence/memory"
	"github.com/fluxionlabs/fluxion/pkg/persistence/postgresql"
)

// NewPersistence selects a storage backend from the database URL scheme.
// postgres:// and postgresql:// use PostgreSQL, memory:// keeps everything
// in process, anything else is treated as a file path.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "memory":
		return memory.NewPersistence(), nil
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://")), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return provider
}
