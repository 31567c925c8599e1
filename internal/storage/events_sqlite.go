package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/garrettladley/payhook/internal/migrations"
	"github.com/mattn/go-sqlite3"
)

var _ EventStore = (*SQLiteEventStore)(nil)

type SQLiteEventStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// embedded migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteEventStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	if err := migrations.Apply(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return NewSQLiteEventStore(db), nil
}

func NewSQLiteEventStore(db *sql.DB) *SQLiteEventStore {
	return &SQLiteEventStore{db: db}
}

func (s *SQLiteEventStore) Create(ctx context.Context, event *WebhookEvent) error {
	const query = `
INSERT INTO webhook_events (
	id, event_type, external_id, payload, signature, status, retry_count,
	max_retries, processed_at, error_message, processing_result, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.EventType),
		event.ExternalID,
		string(event.Payload),
		toNullString(event.Signature),
		string(event.Status),
		event.RetryCount,
		event.MaxRetries,
		toNullTime(event.ProcessedAt),
		toNullString(event.ErrorMessage),
		nullableText(event.ProcessingResult),
		event.CreatedAt.UTC(),
		event.UpdatedAt.UTC(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateExternalID
		}
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (s *SQLiteEventStore) FindByID(ctx context.Context, id string) (*WebhookEvent, error) {
	query := `SELECT ` + sqliteEventColumns + ` FROM webhook_events WHERE id = ?`
	event, err := scanSQLiteEvent(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("find webhook event by id: %w", err)
	}
	return event, nil
}

func (s *SQLiteEventStore) FindByExternalID(ctx context.Context, externalID string) (*WebhookEvent, error) {
	query := `SELECT ` + sqliteEventColumns + ` FROM webhook_events WHERE external_id = ?`
	event, err := scanSQLiteEvent(s.db.QueryRowContext(ctx, query, externalID))
	if err != nil {
		return nil, fmt.Errorf("find webhook event by external id: %w", err)
	}
	return event, nil
}

func (s *SQLiteEventStore) Update(ctx context.Context, event *WebhookEvent) error {
	const query = `
UPDATE webhook_events
SET status = ?,
	retry_count = ?,
	max_retries = ?,
	processed_at = ?,
	error_message = ?,
	processing_result = ?,
	updated_at = ?
WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		string(event.Status),
		event.RetryCount,
		event.MaxRetries,
		toNullTime(event.ProcessedAt),
		toNullString(event.ErrorMessage),
		nullableText(event.ProcessingResult),
		event.UpdatedAt.UTC(),
		event.ID,
	)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update webhook event rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteEventStore) List(ctx context.Context, filter ListFilter) ([]WebhookEvent, int, error) {
	filter = filter.Normalize()
	where, args := buildWhere(filter, func(int) string { return "?" })

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook events: %w", err)
	}

	query := `SELECT ` + sqliteEventColumns + ` FROM webhook_events` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	events := make([]WebhookEvent, 0, filter.Limit)
	for rows.Next() {
		event, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan webhook event: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate webhook events: %w", err)
	}
	return events, total, nil
}

func (s *SQLiteEventStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM webhook_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count webhook events by status: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[Status]int, len(Statuses))
	for _, status := range Statuses {
		counts[status] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

func (s *SQLiteEventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}

const sqliteEventColumns = `id, event_type, external_id, payload, signature, status, retry_count,
	max_retries, processed_at, error_message, processing_result, created_at, updated_at`

func scanSQLiteEvent(row rowScanner) (*WebhookEvent, error) {
	var (
		event        WebhookEvent
		eventType    string
		status       string
		payload      []byte
		signature    sql.NullString
		processedAt  sql.NullTime
		errorMessage sql.NullString
		result       []byte
	)
	err := row.Scan(
		&event.ID,
		&eventType,
		&event.ExternalID,
		&payload,
		&signature,
		&status,
		&event.RetryCount,
		&event.MaxRetries,
		&processedAt,
		&errorMessage,
		&result,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	event.EventType = EventType(eventType)
	event.Status = Status(status)
	event.Payload = payload
	event.ProcessingResult = result
	if signature.Valid {
		event.Signature = &signature.String
	}
	if processedAt.Valid {
		at := processedAt.Time.UTC()
		event.ProcessedAt = &at
	}
	if errorMessage.Valid {
		event.ErrorMessage = &errorMessage.String
	}
	event.CreatedAt = event.CreatedAt.UTC()
	event.UpdatedAt = event.UpdatedAt.UTC()
	return &event, nil
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullableText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
