package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
	"github.com/nicolasdb/time-tracker-webapp/internal/persistence/postgres"
	"github.com/nicolasdb/time-tracker-webapp/internal/persistence/sqlite"
)

// Store is what the commands need from a backing store.
type Store interface {
	domain.EventStore
	domain.CredentialRegistry
	domain.TagMetadataResolver
	domain.EventBrowser
	IssueKey(ctx context.Context, key, deviceID string) error
	RevokeKey(ctx context.Context, key string) error
	AssignTag(ctx context.Context, tagID string, meta domain.TagMetadata) error
	Close() error
}

type postgresStore struct {
	*postgres.Repository
	pool *pgxpool.Pool
}

func (s postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func openStore(ctx context.Context, opts *RootOptions) (Store, error) {
	switch {
	case opts.SQLitePath != "" && opts.PostgresURL != "":
		return nil, NewExitError(ExitCommandError, "use only one of --sqlite or --postgres-url")
	case opts.SQLitePath != "":
		store, err := sqlite.Open(opts.SQLitePath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open sqlite store", err)
		}
		if err := store.InitSchema(ctx); err != nil {
			_ = store.Close()
			return nil, WrapExitError(ExitCommandError, "init sqlite schema", err)
		}
		return store, nil
	case opts.PostgresURL != "":
		pool, err := pgxpool.New(ctx, opts.PostgresURL)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "connect to postgres", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, WrapExitError(ExitCommandError, "connect to postgres", err)
		}
		return postgresStore{Repository: postgres.NewRepository(pool), pool: pool}, nil
	}
	return nil, NewExitError(ExitCommandError, "a store is required: pass --sqlite or --postgres-url")
}

func withStore(ctx context.Context, opts *RootOptions, fn func(Store) error) (err error) {
	store, err := openStore(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
	}()
	return fn(store)
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrCredentialNotFound)
}
