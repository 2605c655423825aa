package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuewatch/internal/reminder"
	"cuewatch/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

type Option func(*SQLiteStore)

// WithClock sets the clock used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

func NewSQLiteStore(dbPath string, opts ...Option) storage.Storage {
	s := &SQLiteStore{dbPath: dbPath, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Events carry no foreign key so the log outlives deleted reminders.
const createTablesSQL = `
CREATE TABLE IF NOT EXISTS reminders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	notes TEXT,
	rule TEXT NOT NULL,
	location_trigger TEXT,
	alarm TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	reminder_id INTEGER NOT NULL,
	type TEXT NOT NULL,
	payload TEXT,
	title TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_reminder ON events (reminder_id, id);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at);
CREATE TABLE IF NOT EXISTS geofences (
	reminder_id INTEGER PRIMARY KEY,
	active INTEGER NOT NULL,
	last_event TEXT NOT NULL DEFAULT '',
	region TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS alarm_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	reminder_id INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	is_ringing INTEGER NOT NULL,
	snooze_count INTEGER NOT NULL,
	triggered_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

func (s *SQLiteStore) Init(ctx context.Context) error {
	dir := filepath.Dir(s.dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create db directory %s: %w", dir, err)
	}

	log.Printf("[INFO] Initializing SQLite database at: %s", s.dbPath)
	db, err := sql.Open("sqlite3", s.dbPath+"?_journal=WAL&_timeout=5000&_fk=true")
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	s.db = db

	// A single connection serializes writers, which the compare-and-append
	// insert relies on.
	s.db.SetMaxOpenConns(1)
	s.db.SetMaxIdleConns(1)
	s.db.SetConnMaxLifetime(time.Minute * 5)

	if err := s.db.PingContext(ctx); err != nil {
		s.db.Close()
		s.db = nil
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, createTablesSQL); err != nil {
		s.db.Close()
		s.db = nil
		return fmt.Errorf("failed to create tables: %w", err)
	}
	log.Println("[INFO] Database initialized successfully.")
	return nil
}

func (s *SQLiteStore) conn() (*sql.DB, error) {
	if s.db == nil {
		return nil, storage.ErrNotInitialized
	}
	return s.db, nil
}

// --- reminders ---

const reminderColumns = `id, title, notes, rule, location_trigger, alarm, enabled, created_at, updated_at`

func (s *SQLiteStore) CreateReminder(ctx context.Context, r *reminder.Reminder) error {
	db, err := s.conn()
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
	res, err := db.ExecContext(ctx,
		`INSERT INTO reminders (title, notes, rule, location_trigger, alarm, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Title, r.Notes, blobs.Rule, blobs.Trigger, blobs.Alarm, r.Enabled, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert reminder: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	r.ID = id
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) GetReminder(ctx context.Context, id int64) (*reminder.Reminder, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reminder %d: %w", id, storage.ErrNotFound)
	}
	return r, err
}

func (s *SQLiteStore) ListReminders(ctx context.Context) ([]*reminder.Reminder, error) {
	return s.queryReminders(ctx, `SELECT `+reminderColumns+` FROM reminders ORDER BY id ASC`)
}

func (s *SQLiteStore) ListEnabledReminders(ctx context.Context) ([]*reminder.Reminder, error) {
	return s.queryReminders(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE enabled = 1 ORDER BY id ASC`)
}

func (s *SQLiteStore) queryReminders(ctx context.Context, query string, args ...interface{}) ([]*reminder.Reminder, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) UpdateReminder(ctx context.Context, r *reminder.Reminder) error {
	db, err := s.conn()
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
	res, err := db.ExecContext(ctx,
		`UPDATE reminders SET title = ?, notes = ?, rule = ?, location_trigger = ?, alarm = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		r.Title, r.Notes, blobs.Rule, blobs.Trigger, blobs.Alarm, r.Enabled, now, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update reminder %d: %w", r.ID, err)
	}
	if err := expectOneRow(res, "reminder", r.ID); err != nil {
		return err
	}
	r.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) SetReminderEnabled(ctx context.Context, id int64, enabled bool) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE reminders SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set enabled on reminder %d: %w", id, err)
	}
	return expectOneRow(res, "reminder", id)
}

func (s *SQLiteStore) DeleteReminder(ctx context.Context, id int64) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete reminder %d: %w", id, err)
	}
	return expectOneRow(res, "reminder", id)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReminder(row scanner) (*reminder.Reminder, error) {
	var r reminder.Reminder
	var notes sql.NullString
	var blobs storage.ReminderBlobs
	if err := row.Scan(&r.ID, &r.Title, &notes, &blobs.Rule, &blobs.Trigger, &blobs.Alarm,
		&r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

func expectOneRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, storage.ErrNotFound)
	}
	return nil
}

// --- events ---

const eventColumns = `id, reminder_id, type, payload, title, created_at`

func (s *SQLiteStore) AppendEvent(ctx context.Context, reminderID int64, typ reminder.EventType, payload *reminder.Payload) (*reminder.Event, error) {
	return s.appendEvent(ctx, reminderID, -1, typ, payload)
}

func (s *SQLiteStore) AppendEventAfter(ctx context.Context, reminderID, expectLastID int64, typ reminder.EventType, payload *reminder.Payload) (*reminder.Event, error) {
	if expectLastID < 0 {
		return nil, fmt.Errorf("invalid expected event id %d", expectLastID)
	}
	return s.appendEvent(ctx, reminderID, expectLastID, typ, payload)
}

// appendEvent skips the log head check when expectLastID is negative.
func (s *SQLiteStore) appendEvent(ctx context.Context, reminderID, expectLastID int64, typ reminder.EventType, payload *reminder.Payload) (*reminder.Event, error) {
	db, err := s.conn()
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

	var title string
	err = db.QueryRowContext(ctx, `SELECT title FROM reminders WHERE id = ?`, reminderID).Scan(&title)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read title of reminder %d: %w", reminderID, err)
	}

	now := s.now().UTC()
	query := `INSERT INTO events (reminder_id, type, payload, title, created_at) VALUES (?, ?, ?, ?, ?)`
	args := []interface{}{reminderID, typ, body, title, now}
	if expectLastID >= 0 {
		query = `INSERT INTO events (reminder_id, type, payload, title, created_at)
		         SELECT ?, ?, ?, ?, ?
		         WHERE COALESCE((SELECT MAX(id) FROM events WHERE reminder_id = ?), 0) = ?`
		args = append(args, reminderID, expectLastID)
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("reminder %d: %w", reminderID, storage.ErrConflict)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return &reminder.Event{
		ID:         id,
		ReminderID: reminderID,
		Type:       typ,
		Payload:    payload,
		Title:      title,
		CreatedAt:  now,
	}, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, reminderID int64) ([]reminder.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE reminder_id = ? ORDER BY id ASC`, reminderID)
}

func (s *SQLiteStore) LastEvent(ctx context.Context, reminderID int64, types ...reminder.EventType) (*reminder.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE reminder_id = ?`
	args := []interface{}{reminderID}
	if len(types) > 0 {
		placeholders := strings.Repeat("?,", len(types)-1) + "?"
		query += fmt.Sprintf(" AND type IN (%s)", placeholders)
		for _, t := range types {
			args = append(args, t)
		}
	}
	query += " ORDER BY id DESC LIMIT 1"

	events, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func (s *SQLiteStore) ListRecentEvents(ctx context.Context, limit int) ([]reminder.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) PurgeEventsOlderThan(ctx context.Context, days int) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	if days <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -days)
	res, err := db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]reminder.Event, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []reminder.Event
	for rows.Next() {
		var e reminder.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ReminderID, &e.Type, &payload, &e.Title, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if e.Payload, err = storage.DecodePayload(payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// --- geofences ---

func (s *SQLiteStore) UpsertGeofence(ctx context.Context, g *reminder.GeofenceStatus) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	region, err := storage.EncodeRegion(g.Region)
	if err != nil {
		return err
	}
	g.UpdatedAt = s.now().UTC()
	_, err = db.ExecContext(ctx,
		`INSERT INTO geofences (reminder_id, active, last_event, region, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(reminder_id) DO UPDATE SET
		   active = excluded.active, last_event = excluded.last_event,
		   region = excluded.region, updated_at = excluded.updated_at`,
		g.ReminderID, g.Active, g.LastEvent, region, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert geofence %d: %w", g.ReminderID, err)
	}
	return nil
}

func (s *SQLiteStore) SetGeofenceStatus(ctx context.Context, reminderID int64, active bool, lastEvent reminder.Crossing) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE geofences SET active = ?, last_event = ?, updated_at = ? WHERE reminder_id = ?`,
		active, lastEvent, s.now().UTC(), reminderID)
	if err != nil {
		return fmt.Errorf("failed to update geofence %d: %w", reminderID, err)
	}
	return expectOneRow(res, "geofence", reminderID)
}

func (s *SQLiteStore) GetGeofenceStatus(ctx context.Context, reminderID int64) (*reminder.GeofenceStatus, error) {
	list, err := s.queryGeofences(ctx, `SELECT reminder_id, active, last_event, region, updated_at FROM geofences WHERE reminder_id = ?`, reminderID)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *SQLiteStore) ListActiveGeofences(ctx context.Context) ([]reminder.GeofenceStatus, error) {
	return s.queryGeofences(ctx, `SELECT reminder_id, active, last_event, region, updated_at FROM geofences WHERE active = 1 ORDER BY reminder_id ASC`)
}

func (s *SQLiteStore) RemoveGeofenceStatus(ctx context.Context, reminderID int64) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM geofences WHERE reminder_id = ?`, reminderID); err != nil {
		return fmt.Errorf("failed to remove geofence %d: %w", reminderID, err)
	}
	return nil
}

func (s *SQLiteStore) queryGeofences(ctx context.Context, query string, args ...interface{}) ([]reminder.GeofenceStatus, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query geofences: %w", err)
	}
	defer rows.Close()

	var out []reminder.GeofenceStatus
	for rows.Next() {
		var g reminder.GeofenceStatus
		var region string
		if err := rows.Scan(&g.ReminderID, &g.Active, &g.LastEvent, &region, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan geofence row: %w", err)
		}
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

func (s *SQLiteStore) SaveAlarmState(ctx context.Context, a *reminder.AlarmState) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	a.UpdatedAt = s.now().UTC()
	_, err = db.ExecContext(ctx,
		`INSERT INTO alarm_state (id, reminder_id, session_id, is_ringing, snooze_count, triggered_at, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   reminder_id = excluded.reminder_id, session_id = excluded.session_id,
		   is_ringing = excluded.is_ringing, snooze_count = excluded.snooze_count,
		   triggered_at = excluded.triggered_at, updated_at = excluded.updated_at`,
		a.ReminderID, a.SessionID, a.IsRinging, a.SnoozeCount, a.TriggeredAt.UTC(), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save alarm state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadAlarmState(ctx context.Context) (*reminder.AlarmState, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var a reminder.AlarmState
	err = db.QueryRowContext(ctx,
		`SELECT reminder_id, session_id, is_ringing, snooze_count, triggered_at, updated_at FROM alarm_state WHERE id = 1`).
		Scan(&a.ReminderID, &a.SessionID, &a.IsRinging, &a.SnoozeCount, &a.TriggeredAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alarm state: %w", err)
	}
	return &a, nil
}

func (s *SQLiteStore) ClearAlarmState(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM alarm_state`); err != nil {
		return fmt.Errorf("failed to clear alarm state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		log.Println("[INFO] Closing database connection.")
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}
