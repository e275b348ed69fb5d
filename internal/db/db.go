// Package db keeps precompute bookkeeping in a local sqlite database.
//
// Correspondence payloads live in the on-disk cache; this database only
// records which runs produced them and per-pair statistics, so repeated
// precomputes can be audited and partial failures located afterwards.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/sightline-vision/densecorr/internal/timeutil"
)

// DB wraps the sqlite handle holding run bookkeeping. Run timestamps are
// read through the clock so tests can pin them.
type DB struct {
	*sql.DB
	clock timeutil.Clock
}

// Open opens the sqlite database at path, creating it if needed, and applies
// the session pragmas. Schema migrations are not run here; call MigrateUp.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// Session pragmas apply per connection; cap the pool at one so every
	// statement sees them and concurrent workers serialize on the handle.
	sqlDB.SetMaxOpenConns(1)

	// WAL plus a busy timeout keeps writers from failing fast when another
	// process holds the file.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return &DB{DB: sqlDB, clock: timeutil.RealClock{}}, nil
}
