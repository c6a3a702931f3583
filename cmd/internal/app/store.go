package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"tablesync/cmd/internal/docstore"
)

// openedStore is a document store plus whatever the app must release after it.
type openedStore struct {
	docstore.Store
	driver string
	pool   *pgxpool.Pool
}

// Close closes the store, then the pool the app owns.
func (s openedStore) Close() error {
	err := s.Store.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// openStore selects the document store backend named by cfg.Store.
func openStore(ctx context.Context, cfg Config, log Logger) (openedStore, error) {
	switch cfg.Store {
	case StoreMemory, "":
		log.Warn("store.memory", "note", "documents are lost on restart")
		return openedStore{Store: docstore.NewInMemoryStore(), driver: StoreMemory}, nil

	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return openedStore{}, fmt.Errorf("postgres: %w", err)
		}
		// The app owns the pool; PostgresStore.Close is a no-op.
		st, err := docstore.NewPostgresStore(pool, docstore.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return openedStore{}, err
		}
		if cfg.DBMigrate {
			if err := st.Migrate(ctx); err != nil {
				pool.Close()
				return openedStore{}, fmt.Errorf("postgres migrate: %w", err)
			}
		}
		log.Info("store.postgres", "schema", cfg.DBSchema, "max_conns", cfg.DBMaxConns)
		return openedStore{Store: st, driver: StorePostgres, pool: pool}, nil

	case StoreSQLite:
		st, err := docstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return openedStore{}, fmt.Errorf("sqlite: %w", err)
		}
		log.Info("store.sqlite", "path", cfg.SQLitePath)
		return openedStore{Store: st, driver: StoreSQLite}, nil

	case StoreMongo:
		st, err := docstore.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return openedStore{}, fmt.Errorf("mongo: %w", err)
		}
		log.Info("store.mongo", "database", cfg.MongoDatabase)
		return openedStore{Store: st, driver: StoreMongo}, nil

	default:
		return openedStore{}, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
