// Package postgres is the server-backed Persistent Store, for running the
// engine against a shared database instead of a local SQLite file.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cuewatch/internal/reminder"
	"cuewatch/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type PostgresStore struct {
	pool *pgxpool.Pool
	uri  string
	now  func() time.Time
}

type Option func(*PostgresStore)

// WithClock sets the clock used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *PostgresStore) { s.now = now }
}

func NewPostgresStore(uri string, opts ...Option) storage.Storage {
	s := &PostgresStore{uri: uri, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if s.uri == "" {
		return errors.New("postgres store needs a connection URI")
	}
	pool, err := pgxpool.New(ctx, s.uri)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	s.pool = pool
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		s.pool = nil
		return err
	}
	log.Println("[INFO] Postgres store initialized successfully.")
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", name,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		log.Printf("[INFO] Applied migration: %s", name)
	}
	return nil
}

func (s *PostgresStore) conn() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, storage.ErrNotInitialized
	}
	return s.pool, nil
}

// --- reminders ---

const reminderColumns = `id, title, notes, rule, location_trigger, alarm, enabled, created_at, updated_at`

func (s *PostgresStore) CreateReminder(ctx context.Context, r *reminder.Reminder) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return err
	}
	blobs, err := storage.EncodeReminder(r)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	err = pool.QueryRow(ctx,
		`INSERT INTO reminders (title, notes, rule, location_trigger, alarm, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 RETURNING id`,
		r.Title, r.Notes, blobs.Rule, blobs.Trigger, blobs.Alarm, r.Enabled, now,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to insert reminder: %w", err)
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

func (s *PostgresStore) GetReminder(ctx context.Context, id int64) (*reminder.Reminder, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	r, err := scanReminder(pool.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reminder %d: %w", id, storage.ErrNotFound)
	}
	return r, err
}

func (s *PostgresStore) ListReminders(ctx context.Context) ([]*reminder.Reminder, error) {
	return s.queryReminders(ctx, `SELECT `+reminderColumns+` FROM reminders ORDER BY id ASC`)
}

func (s *PostgresStore) ListEnabledReminders(ctx context.Context) ([]*reminder.Reminder, error) {
	return s.queryReminders(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE enabled ORDER BY id ASC`)
}

func (s *PostgresStore) queryReminders(ctx context.Context, query string, args ...any) ([]*reminder.Reminder, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	defer rows.Close()

	var out []*reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reminder rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateReminder(ctx context.Context, r *reminder.Reminder) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return err
	}
	blobs, err := storage.EncodeReminder(r)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	tag, err := pool.Exec(ctx,
		`UPDATE reminders SET title = $1, notes = $2, rule = $3, location_trigger = $4, alarm = $5, enabled = $6, updated_at = $7
		 WHERE id = $8`,
		r.Title, r.Notes, blobs.Rule, blobs.Trigger, blobs.Alarm, r.Enabled, now, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update reminder %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminder %d: %w", r.ID, storage.ErrNotFound)
	}
	r.UpdatedAt = now
	return nil
}

func (s *PostgresStore) SetReminderEnabled(ctx context.Context, id int64, enabled bool) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `UPDATE reminders SET enabled = $1, updated_at = $2 WHERE id = $3`,
		enabled, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set enabled on reminder %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminder %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteReminder(ctx context.Context, id int64) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM reminders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete reminder %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminder %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func scanReminder(row pgx.Row) (*reminder.Reminder, error) {
	var r reminder.Reminder
	var notes sql.NullString
	var blobs storage.ReminderBlobs
	if err := row.Scan(&r.ID, &r.Title, &notes, &blobs.Rule, &blobs.Trigger, &blobs.Alarm,
		&r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan reminder row: %w", err)
	}
	r.Notes = notes.String
	if err := storage.DecodeReminder(&r, blobs); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- events ---

const eventColumns = `id, reminder_id, type, payload, title, created_at`

func (s *PostgresStore) AppendEvent(ctx context.Context, reminderID int64, typ reminder.EventType, payload *reminder.Payload) (*reminder.Event, error) {
	return s.appendEvent(ctx, reminderID, -1, typ, payload)
}

func (s *PostgresStore) AppendEventAfter(ctx context.Context, reminderID, expectLastID int64, typ reminder.EventType, payload *reminder.Payload) (*reminder.Event, error) {
	if expectLastID < 0 {
		return nil, fmt.Errorf("invalid expected event id %d", expectLastID)
	}
	return s.appendEvent(ctx, reminderID, expectLastID, typ, payload)
}

// appendEvent holds a transaction-scoped advisory lock on the reminder id
// so the head check and the insert cannot interleave with another writer.
func (s *PostgresStore) appendEvent(ctx context.Context, reminderID, expectLastID int64, typ reminder.EventType, payload *reminder.Payload) (*reminder.Event, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown event type %q", typ)
	}
	body, err := storage.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, reminderID); err != nil {
		return nil, fmt.Errorf("failed to lock reminder %d: %w", reminderID, err)
	}
	if expectLastID >= 0 {
		var head int64
		err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM events WHERE reminder_id = $1`, reminderID).Scan(&head)
		if err != nil {
			return nil, fmt.Errorf("failed to read log head of reminder %d: %w", reminderID, err)
		}
		if head != expectLastID {
			return nil, fmt.Errorf("reminder %d: %w", reminderID, storage.ErrConflict)
		}
	}

	e := &reminder.Event{ReminderID: reminderID, Type: typ, Payload: payload, CreatedAt: s.now().UTC()}
	err = tx.QueryRow(ctx,
		`INSERT INTO events (reminder_id, type, payload, title, created_at)
		 VALUES ($1, $2, $3, COALESCE((SELECT title FROM reminders WHERE id = $1), ''), $4)
		 RETURNING id, title`,
		reminderID, string(typ), body, e.CreatedAt,
	).Scan(&e.ID, &e.Title)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, reminderID int64) ([]reminder.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE reminder_id = $1 ORDER BY id ASC`, reminderID)
}

func (s *PostgresStore) LastEvent(ctx context.Context, reminderID int64, types ...reminder.EventType) (*reminder.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE reminder_id = $1`
	args := []any{reminderID}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		query += ` AND type = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY id DESC LIMIT 1`

	events, err := s.queryEvents(ctx, query, args...)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func (s *PostgresStore) ListRecentEvents(ctx context.Context, limit int) ([]reminder.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT $1`, limit)
}

func (s *PostgresStore) PurgeEventsOlderThan(ctx context.Context, days int) (int64, error) {
	pool, err := s.conn()
	if err != nil {
		return 0, err
	}
	if days <= 0 {
		return 0, nil
	}
	tag, err := pool.Exec(ctx, `DELETE FROM events WHERE created_at < $1`, s.now().UTC().AddDate(0, 0, -days))
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]reminder.Event, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []reminder.Event
	for rows.Next() {
		var e reminder.Event
		var typ string
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ReminderID, &typ, &payload, &e.Title, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Type = reminder.EventType(typ)
		if e.Payload, err = storage.DecodePayload(payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// --- geofences ---

const geofenceColumns = `reminder_id, active, last_event, region, updated_at`

func (s *PostgresStore) UpsertGeofence(ctx context.Context, g *reminder.GeofenceStatus) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	region, err := storage.EncodeRegion(g.Region)
	if err != nil {
		return err
	}
	g.UpdatedAt = s.now().UTC()
	_, err = pool.Exec(ctx,
		`INSERT INTO geofences (`+geofenceColumns+`) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (reminder_id) DO UPDATE SET
		   active = EXCLUDED.active, last_event = EXCLUDED.last_event,
		   region = EXCLUDED.region, updated_at = EXCLUDED.updated_at`,
		g.ReminderID, g.Active, string(g.LastEvent), region, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert geofence %d: %w", g.ReminderID, err)
	}
	return nil
}

func (s *PostgresStore) SetGeofenceStatus(ctx context.Context, reminderID int64, active bool, lastEvent reminder.Crossing) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx,
		`UPDATE geofences SET active = $1, last_event = $2, updated_at = $3 WHERE reminder_id = $4`,
		active, string(lastEvent), s.now().UTC(), reminderID)
	if err != nil {
		return fmt.Errorf("failed to update geofence %d: %w", reminderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("geofence %d: %w", reminderID, storage.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetGeofenceStatus(ctx context.Context, reminderID int64) (*reminder.GeofenceStatus, error) {
	list, err := s.queryGeofences(ctx, `SELECT `+geofenceColumns+` FROM geofences WHERE reminder_id = $1`, reminderID)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *PostgresStore) ListActiveGeofences(ctx context.Context) ([]reminder.GeofenceStatus, error) {
	return s.queryGeofences(ctx, `SELECT `+geofenceColumns+` FROM geofences WHERE active ORDER BY reminder_id ASC`)
}

func (s *PostgresStore) RemoveGeofenceStatus(ctx context.Context, reminderID int64) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `DELETE FROM geofences WHERE reminder_id = $1`, reminderID); err != nil {
		return fmt.Errorf("failed to remove geofence %d: %w", reminderID, err)
	}
	return nil
}

func (s *PostgresStore) queryGeofences(ctx context.Context, query string, args ...any) ([]reminder.GeofenceStatus, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query geofences: %w", err)
	}
	defer rows.Close()

	var out []reminder.GeofenceStatus
	for rows.Next() {
		var g reminder.GeofenceStatus
		var lastEvent, region string
		if err := rows.Scan(&g.ReminderID, &g.Active, &lastEvent, &region, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan geofence row: %w", err)
		}
		g.LastEvent = reminder.Crossing(lastEvent)
		if g.Region, err = storage.DecodeRegion(region); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating geofence rows: %w", err)
	}
	return out, nil
}

// --- alarm ---

func (s *PostgresStore) SaveAlarmState(ctx context.Context, a *reminder.AlarmState) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	a.UpdatedAt = s.now().UTC()
	_, err = pool.Exec(ctx,
		`INSERT INTO alarm_state (id, reminder_id, session_id, is_ringing, snooze_count, triggered_at, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   reminder_id = EXCLUDED.reminder_id, session_id = EXCLUDED.session_id,
		   is_ringing = EXCLUDED.is_ringing, snooze_count = EXCLUDED.snooze_count,
		   triggered_at = EXCLUDED.triggered_at, updated_at = EXCLUDED.updated_at`,
		a.ReminderID, a.SessionID, a.IsRinging, a.SnoozeCount, a.TriggeredAt.UTC(), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save alarm state: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadAlarmState(ctx context.Context) (*reminder.AlarmState, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	var a reminder.AlarmState
	err = pool.QueryRow(ctx,
		`SELECT reminder_id, session_id, is_ringing, snooze_count, triggered_at, updated_at FROM alarm_state WHERE id = 1`,
	).Scan(&a.ReminderID, &a.SessionID, &a.IsRinging, &a.SnoozeCount, &a.TriggeredAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alarm state: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ClearAlarmState(ctx context.Context) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `DELETE FROM alarm_state`); err != nil {
		return fmt.Errorf("failed to clear alarm state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		log.Println("[INFO] Closing postgres pool.")
		s.pool.Close()
		s.pool = nil
	}
	return nil
}
