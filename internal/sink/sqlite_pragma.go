package sink

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
)

// tuningPragmas relax fsync and enlarge caches. journal_mode is set on open.
var tuningPragmas = []string{
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA wal_autocheckpoint=1000;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA mmap_size=268435456;",
}

func sqliteTuningEnabled() bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("LIVECHAT_SQLITE_TUNING")))
	return err == nil && v
}

// ApplySQLitePragmas applies the tuning pragmas when LIVECHAT_SQLITE_TUNING
// is truthy and returns each pragma's result keyed by statement.
func ApplySQLitePragmas(ctx context.Context, db *sql.DB) map[string]any {
	if !sqliteTuningEnabled() {
		return nil
	}

	results := make(map[string]any, len(tuningPragmas))
	for _, pragma := range tuningPragmas {
		value, err := applyPragma(ctx, db, pragma)
		if err != nil {
			log.Printf("sqlite: pragma %s failed: %v", pragma, err)
			continue
		}
		log.Printf("sqlite: pragma %s => %v", pragma, value)
		results[pragma] = value
	}
	return results
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	row := db.QueryRowContext(ctx, pragma)
	var value any
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}
