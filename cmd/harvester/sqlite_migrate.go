package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// chatEventColumns are the columns added after the first chat_events layout.
var chatEventColumns = []struct {
	name string
	ddl  string
}{
	{"subscription_tier", `ALTER TABLE chat_events ADD COLUMN subscription_tier TEXT NOT NULL DEFAULT '';`},
	{"pay_amount", `ALTER TABLE chat_events ADD COLUMN pay_amount REAL;`},
	{"extras_json", `ALTER TABLE chat_events ADD COLUMN extras_json TEXT NOT NULL DEFAULT '{}';`},
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("harvester: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "chat_events")
	if err != nil {
		return fmt.Errorf("sqlite: describe chat_events: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("harvester: sqlite: chat_events table missing; skipping migration")
		return nil
	}

	for _, col := range chatEventColumns {
		if _, ok := columns[col.name]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("sqlite: ensure %s column: %w", col.name, err)
		}
		log.Printf("harvester: sqlite: added %s column to chat_events", col.name)
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE chat_events SET emotes_json='[]' WHERE emotes_json IS NULL OR emotes_json='null';`, "emotes_json"},
		{`UPDATE chat_events SET extras_json='{}' WHERE extras_json IS NULL OR extras_json='null';`, "extras_json"},
		{`UPDATE chat_events SET subscription_tier='' WHERE subscription_tier IS NULL;`, "subscription_tier"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("harvester: sqlite: normalized %s nulls=%d", step.label, n)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS chat_events_ts ON chat_events(ts_us);`); err != nil {
		return fmt.Errorf("sqlite: ensure chat_events_ts: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS chat_events_channel_ts ON chat_events(channel_id, ts_us);`); err != nil {
		return fmt.Errorf("sqlite: ensure chat_events_channel_ts: %w", err)
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "chat_events", "chat_events_channel_ts")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}

	var rows, channels int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT channel_id) FROM chat_events;`).Scan(&rows, &channels); err != nil {
		return fmt.Errorf("sqlite: count chat_events: %w", err)
	}

	log.Printf("harvester: sqlite: chat_events rows=%d channels=%d chat_events_channel_ts=%v", rows, channels, hasIndex)
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	return out, rows.Err()
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	return false, rows.Err()
}
