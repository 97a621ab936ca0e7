package keystore

import (
	"context"
	"log/slog"
	"strings"
)

// New selects the key backend. When databaseURL is set and the database is
// reachable at startup the PostgreSQL backend is used; otherwise the gateway
// falls back to the JSON file under dataDir. The two backends are never mixed
// within one process.
func New(ctx context.Context, databaseURL, dataDir string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return OpenFile(dataDir)
	}
	store, err := OpenPostgres(ctx, databaseURL)
	if err != nil {
		slog.Warn("keystore: database unreachable, falling back to file backend",
			"err", err, "data_dir", dataDir)
		return OpenFile(dataDir)
	}
	slog.Info("keystore: using postgres backend")
	return store, nil
}
