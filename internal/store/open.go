package store

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// Backend names accepted by Open.
const (
	BackendBolt     = "bolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Path is the database file for the bolt and sqlite backends.
	Path string
	// DSN is the connection string for the postgres backend.
	DSN string
	// NewKey overrides the license key generator.
	NewKey KeyFunc
}

// Open returns the configured backend. Callers run Migrate before use.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (Store, error) {
	var (
		st  Store
		err error
	)
	switch opts.Backend {
	case BackendBolt, "":
		logger.Info().Str("backend", BackendBolt).Str("path", opts.Path).Msg("opening store")
		st, err = OpenBBolt(opts.Path, opts.NewKey)
	case BackendSQLite:
		logger.Info().Str("backend", BackendSQLite).Str("path", opts.Path).Msg("opening store")
		st, err = OpenSQLite(opts.Path, opts.NewKey)
	case BackendPostgres:
		logger.Info().Str("backend", BackendPostgres).Str("dsn", redactDSN(opts.DSN)).Msg("opening store")
		st, err = OpenPostgres(ctx, opts.DSN, opts.NewKey)
	default:
		return nil, xerrors.Errorf("unknown store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}
