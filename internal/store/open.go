package store

import (
	"context"

	"github.com/rotisserie/eris"
)

// Store drivers.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured result store and applies its schema.
// DriverNone (or an empty driver) returns a nil Store.
func Open(ctx context.Context, driver, dsn string, pool *PoolConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case "", DriverNone:
		return nil, nil
	case DriverSQLite:
		if dsn == "" {
			dsn = "solar.db"
		}
		s, err = NewSQLite(dsn)
	case DriverPostgres:
		if dsn == "" {
			return nil, eris.New("store: postgres requires a database url")
		}
		s, err = NewPostgres(ctx, dsn, pool)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
