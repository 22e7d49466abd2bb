package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lfarias/sagaflow/pkg/persistence"
	"github.com/lfarias/sagaflow/pkg/persistence/file"
	"github.com/lfarias/sagaflow/pkg/persistence/postgresql"
)

// NewPersistence picks a run registry implementation from the database URL
// scheme: postgres:// selects PostgreSQL, anything else is treated as a
// filesystem root.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		root := strings.TrimPrefix(databaseURL, "file://")

		store, err := file.NewPersistence(root)
		if err != nil {
			return nil, fmt.Errorf("failed to open file persistence at %s: %w", root, err)
		}

		return store, nil
	}
}

func parseProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return provider
}
