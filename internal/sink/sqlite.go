package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/livechat-harvester/internal/core"
	"github.com/you/livechat-harvester/internal/httpapi"
)

const schema = `CREATE TABLE IF NOT EXISTS chat_events (
  message_id TEXT NOT NULL PRIMARY KEY,
  channel_id TEXT NOT NULL,
  ts_us INTEGER NOT NULL,
  message_type TEXT NOT NULL,
  author_id TEXT NOT NULL DEFAULT '',
  author_name TEXT NOT NULL DEFAULT '',
  text TEXT NOT NULL DEFAULT '',
  subscription_tier TEXT NOT NULL DEFAULT '',
  pay_amount REAL,
  emotes_json TEXT NOT NULL DEFAULT '[]',
  extras_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS chat_events_ts ON chat_events(ts_us);`

const selectColumns = "message_id, ts_us, message_type, author_id, author_name, text, subscription_tier, pay_amount, emotes_json, extras_json"

// SQLiteSink persists events for one channel. Rows are keyed by message id,
// so a replayed or re-delivered event is stored once.
type SQLiteSink struct {
	db      *sql.DB
	channel string
}

const defaultListLimit = 100

func OpenSQLite(path, channelID string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ApplySQLitePragmas(context.Background(), db)
	return &SQLiteSink{db: db, channel: channelID}, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

// DB exposes the handle for schema maintenance.
func (s *SQLiteSink) DB() *sql.DB { return s.db }

const insertEvent = `INSERT INTO chat_events (message_id, channel_id, ts_us, message_type, author_id, author_name, text, subscription_tier, pay_amount, emotes_json, extras_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO NOTHING;`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteSink) Write(ev core.ChatEvent) error {
	_, err := s.Insert(ev)
	return err
}

// Insert stores ev and reports whether a new row was written. A message id
// already on record is not an error.
func (s *SQLiteSink) Insert(ev core.ChatEvent) (bool, error) {
	if ev.IsHeartbeat() {
		return false, nil
	}
	return s.insert(context.Background(), s.db, ev)
}

// WriteBatch stores events in one transaction.
func (s *SQLiteSink) WriteBatch(events []core.ChatEvent) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin batch")
	}
	for _, ev := range events {
		if ev.IsHeartbeat() {
			continue
		}
		if _, err := s.insert(ctx, tx, ev); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "commit batch")
}

func (s *SQLiteSink) insert(ctx context.Context, db execer, ev core.ChatEvent) (bool, error) {
	emotes, err := marshalOr(ev.Emotes, "[]")
	if err != nil {
		return false, errors.Wrap(err, "encode emotes")
	}
	extras, err := marshalOr(ev.Extras, "{}")
	if err != nil {
		return false, errors.Wrap(err, "encode extras")
	}
	var pay sql.NullFloat64
	if ev.PayAmount != nil {
		pay = sql.NullFloat64{Float64: *ev.PayAmount, Valid: true}
	}
	res, err := db.ExecContext(ctx, insertEvent, ev.MessageID, s.channel, ev.Timestamp, ev.MessageType,
		ev.Author.ID, ev.Author.DisplayName, ev.Text, ev.SubscriptionTier, pay, emotes, extras)
	if err != nil {
		return false, errors.Wrap(err, "insert event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

func marshalOr[T any](v T, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if s := string(data); s != "null" {
		return s, nil
	}
	return empty, nil
}

func (s *SQLiteSink) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteSink) String() string {
	return fmt.Sprintf("SQLiteSink{%p}", s.db)
}

func (s *SQLiteSink) CountEvents(ctx context.Context, filters httpapi.Filters) (int64, error) {
	query, args := buildEventQuery(s.channel, filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *SQLiteSink) ListEvents(ctx context.Context, filters httpapi.Filters) ([]core.ChatEvent, error) {
	query, args := buildEventQuery(s.channel, filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var out []core.ChatEvent
	for rows.Next() {
		var (
			ev             core.ChatEvent
			pay            sql.NullFloat64
			emotes, extras string
		)
		if err := rows.Scan(&ev.MessageID, &ev.Timestamp, &ev.MessageType, &ev.Author.ID, &ev.Author.DisplayName,
			&ev.Text, &ev.SubscriptionTier, &pay, &emotes, &extras); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		if pay.Valid {
			v := pay.Float64
			ev.PayAmount = &v
		}
		if err := json.Unmarshal([]byte(emotes), &ev.Emotes); err != nil {
			return nil, errors.Wrapf(err, "decode emotes for %s", ev.MessageID)
		}
		if err := json.Unmarshal([]byte(extras), &ev.Extras); err != nil {
			return nil, errors.Wrapf(err, "decode extras for %s", ev.MessageID)
		}
		if len(ev.Emotes) == 0 {
			ev.Emotes = nil
		}
		if len(ev.Extras) == 0 {
			ev.Extras = nil
		}
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}
	return out, nil
}

func buildEventQuery(channel string, filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM chat_events")
	} else {
		builder.WriteString("SELECT " + selectColumns + " FROM chat_events")
	}

	conditions := []string{"channel_id = ?"}
	args := []any{channel}

	if len(filters.Types) > 0 {
		placeholders := make([]string, 0, len(filters.Types))
		for _, t := range filters.Types {
			placeholders = append(placeholders, "?")
			args = append(args, t)
		}
		conditions = append(conditions, fmt.Sprintf("message_type IN (%s)", strings.Join(placeholders, ",")))
	}

	if len(filters.Authors) > 0 {
		ors := make([]string, 0, len(filters.Authors))
		for _, a := range filters.Authors {
			ors = append(ors, "(LOWER(author_id) = ? OR (author_name != '' AND LOWER(author_name) LIKE '%' || ? || '%'))")
			args = append(args, a, a)
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if filters.Since != nil {
		conditions = append(conditions, "ts_us >= ?")
		args = append(args, filters.SinceMicros())
	}

	builder.WriteString(" WHERE ")
	builder.WriteString(strings.Join(conditions, " AND "))

	if !count {
		order := "DESC"
		if filters.Order == httpapi.OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY ts_us ")
		builder.WriteString(order)
		builder.WriteString(", message_id ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}
