package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "classbell/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store, creating the database file and schema as
// needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// ---- queue ----

func (s *sqliteStore) InsertQueueEntry(ctx context.Context, e QueueEntry) error {
	var meta any
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue(id, recipient, body, kind, priority, scheduled_for, status, attempts, max_attempts, created_at, error_message, metadata)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Recipient, e.Body, string(e.Kind), e.Priority, e.ScheduledFor.UnixMilli(),
		string(e.Status), e.Attempts, e.MaxAttempts, e.CreatedAt.UnixMilli(), nullStr(e.ErrorMessage), meta,
	)
	return storeErr(err)
}

const queueColumns = `id, recipient, body, kind, priority, scheduled_for, status, attempts, max_attempts, created_at, last_attempt_at, sent_at, error_message, metadata`

func (s *sqliteStore) NextDue(ctx context.Context, now time.Time) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue
		 WHERE status = ? AND scheduled_for <= ? AND attempts < max_attempts
		 ORDER BY priority ASC, scheduled_for ASC, created_at ASC
		 LIMIT 1`,
		string(StatusPending), now.UnixMilli(),
	)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return e, nil
}

func (s *sqliteStore) GetQueueEntry(ctx context.Context, id string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue WHERE id = ?`, id)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return e, nil
}

func (s *sqliteStore) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ?, attempts = attempts + 1, last_attempt_at = ? WHERE id = ?`,
		string(StatusProcessing), at.UnixMilli(), id,
	)
	return storeErr(err)
}

func (s *sqliteStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ?, sent_at = ?, error_message = NULL WHERE id = ?`,
		string(StatusSent), at.UnixMilli(), id,
	)
	return storeErr(err)
}

func (s *sqliteStore) MarkRetry(ctx context.Context, id string, scheduledFor time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ?, scheduled_for = ?, error_message = ? WHERE id = ?`,
		string(StatusPending), scheduledFor.UnixMilli(), nullStr(errMsg), id,
	)
	return storeErr(err)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ?, error_message = ? WHERE id = ?`,
		string(StatusFailed), nullStr(errMsg), id,
	)
	return storeErr(err)
}

func (s *sqliteStore) CancelQueueEntry(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ? WHERE id = ? AND status IN (?, ?)`,
		string(StatusCancelled), id, string(StatusPending), string(StatusProcessing),
	)
	if err != nil {
		return false, storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(err)
	}
	return n > 0, nil
}

// HasActiveQueued reports whether a pending or processing entry already exists
// for the recipient and kind. Producers that must not double-send (the
// reminder sweeps) check this before enqueueing.
func (s *sqliteStore) HasActiveQueued(ctx context.Context, recipient string, kind Kind) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM queue
		 WHERE recipient = ? AND kind = ? AND status IN (?, ?)
		 LIMIT 1`,
		recipient, string(kind), string(StatusPending), string(StatusProcessing),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr(err)
	}
	return true, nil
}

func (s *sqliteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue WHERE status IN (?, ?, ?) AND created_at < ?`,
		string(StatusSent), string(StatusFailed), string(StatusCancelled), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

func (s *sqliteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, storeErr(err)
		}
		out[Status(st)] = n
	}
	return out, storeErr(rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	var (
		e             QueueEntry
		kind, status  string
		scheduledFor  int64
		createdAt     int64
		lastAttemptAt sql.NullInt64
		sentAt        sql.NullInt64
		errMsg        sql.NullString
		meta          sql.NullString
	)
	err := row.Scan(&e.ID, &e.Recipient, &e.Body, &kind, &e.Priority, &scheduledFor,
		&status, &e.Attempts, &e.MaxAttempts, &createdAt, &lastAttemptAt, &sentAt, &errMsg, &meta)
	if err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Status = Status(status)
	e.ScheduledFor = time.UnixMilli(scheduledFor)
	e.CreatedAt = time.UnixMilli(createdAt)
	if lastAttemptAt.Valid {
		t := time.UnixMilli(lastAttemptAt.Int64)
		e.LastAttemptAt = &t
	}
	if sentAt.Valid {
		t := time.UnixMilli(sentAt.Int64)
		e.SentAt = &t
	}
	if errMsg.Valid {
		e.ErrorMessage = errMsg.String
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
	}
	return &e, nil
}

// ---- message log ----

func (s *sqliteStore) AppendLog(ctx context.Context, e LogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_log(recipient, actual_address, body, transport_id, kind, delivered, error, at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.Recipient, nullStr(e.ActualAddress), e.Body, nullStr(e.TransportID),
		nullStr(string(e.Kind)), boolInt(e.Delivered), nullStr(e.Error), e.At.UnixMilli(),
	)
	return storeErr(err)
}

func (s *sqliteStore) LastDeliveredAt(ctx context.Context) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT at FROM message_log WHERE delivered = 1 ORDER BY at DESC LIMIT 1`,
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storeErr(err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) DeliveredSince(ctx context.Context, address string, kind Kind, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM message_log
		 WHERE recipient = ? AND kind = ? AND delivered = 1 AND at >= ?
		 LIMIT 1`,
		address, string(kind), since.UnixMilli(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr(err)
	}
	return true, nil
}

// ---- settings ----

func (s *sqliteStore) GetSettings(ctx context.Context) (Settings, error) {
	var (
		enabled int
		secs    int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, rate_limit_seconds FROM settings WHERE id = 1`,
	).Scan(&enabled, &secs)
	if err != nil {
		return Settings{}, storeErr(err)
	}
	return Settings{Enabled: enabled != 0, RateLimitSeconds: secs}, nil
}

func (s *sqliteStore) PutSettings(ctx context.Context, set Settings) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE settings SET enabled = ?, rate_limit_seconds = ? WHERE id = 1`,
		boolInt(set.Enabled), set.RateLimitSeconds,
	)
	return storeErr(err)
}

// ---- templates ----

func (s *sqliteStore) GetTemplate(ctx context.Context, kind Kind) (string, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM templates WHERE kind = ?`, string(kind)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storeErr(err)
	}
	return body, nil
}

func (s *sqliteStore) PutTemplate(ctx context.Context, kind Kind, body string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates(kind, body) VALUES(?,?)
		 ON CONFLICT(kind) DO UPDATE SET body = excluded.body`,
		string(kind), body,
	)
	return storeErr(err)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
