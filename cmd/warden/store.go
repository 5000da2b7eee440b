package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/warden/internal/config"
	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/storage/postgres"
)

// openStore opens the configured store, applying the schema for postgres.
func openStore(ctx context.Context, c *config.Config) (storage.Store, error) {
	switch c.Store.Driver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, c.Store.DSN)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case config.DriverBolt:
		store, err := storage.NewBoltStore(c.Store.Path)
		if err != nil {
			return nil, err
		}
		resources, size := store.Stats()
		log.Debug().
			Str("path", c.Store.Path).
			Int("resources", resources).
			Int64("size_bytes", size).
			Msg("opened bolt store")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
