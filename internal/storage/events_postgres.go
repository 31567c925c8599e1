package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

const eventColumns = `id::text, event_type, external_id, payload, signature, status, retry_count,
	max_retries, processed_at, error_message, processing_result, created_at, updated_at`

var _ EventStore = (*PostgresEventStore)(nil)

type PostgresEventStore struct {
	pool *pgxpool.Pool
}

func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

func (s *PostgresEventStore) Create(ctx context.Context, event *WebhookEvent) error {
	const query = `
INSERT INTO webhook_events (
	id, event_type, external_id, payload, signature, status, retry_count,
	max_retries, processed_at, error_message, processing_result, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.pool.Exec(ctx, query,
		event.ID,
		string(event.EventType),
		event.ExternalID,
		[]byte(event.Payload),
		event.Signature,
		string(event.Status),
		event.RetryCount,
		event.MaxRetries,
		event.ProcessedAt,
		event.ErrorMessage,
		nullableJSON(event.ProcessingResult),
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateExternalID
		}
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) FindByID(ctx context.Context, id string) (*WebhookEvent, error) {
	if uuid.Validate(id) != nil {
		return nil, ErrNotFound
	}
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE id = $1`
	event, err := scanEvent(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("find webhook event by id: %w", err)
	}
	return event, nil
}

func (s *PostgresEventStore) FindByExternalID(ctx context.Context, externalID string) (*WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE external_id = $1`
	event, err := scanEvent(s.pool.QueryRow(ctx, query, externalID))
	if err != nil {
		return nil, fmt.Errorf("find webhook event by external id: %w", err)
	}
	return event, nil
}

func (s *PostgresEventStore) Update(ctx context.Context, event *WebhookEvent) error {
	const query = `
UPDATE webhook_events
SET status = $2,
	retry_count = $3,
	max_retries = $4,
	processed_at = $5,
	error_message = $6,
	processing_result = $7,
	updated_at = $8
WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		event.ID,
		string(event.Status),
		event.RetryCount,
		event.MaxRetries,
		event.ProcessedAt,
		event.ErrorMessage,
		nullableJSON(event.ProcessingResult),
		event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresEventStore) List(ctx context.Context, filter ListFilter) ([]WebhookEvent, int, error) {
	filter = filter.Normalize()
	where, args := buildWhere(filter, func(n int) string { return "$" + strconv.Itoa(n) })

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook events: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM webhook_events%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		eventColumns, where, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	events := make([]WebhookEvent, 0, filter.Limit)
	for rows.Next() {
		event, err := scanEvent(rows)
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

func (s *PostgresEventStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM webhook_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count webhook events by status: %w", err)
	}
	defer rows.Close()

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

func (s *PostgresEventStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresEventStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*WebhookEvent, error) {
	var (
		event     WebhookEvent
		eventType string
		status    string
		payload   []byte
		result    []byte
	)
	err := row.Scan(
		&event.ID,
		&eventType,
		&event.ExternalID,
		&payload,
		&event.Signature,
		&status,
		&event.RetryCount,
		&event.MaxRetries,
		&event.ProcessedAt,
		&event.ErrorMessage,
		&result,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	event.EventType = EventType(eventType)
	event.Status = Status(status)
	event.Payload = payload
	event.ProcessingResult = result
	return &event, nil
}

// buildWhere renders the optional list filters; placeholder formats the n-th
// bind parameter for the target dialect.
func buildWhere(filter ListFilter, placeholder func(n int) string) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.EventType != nil {
		args = append(args, string(*filter.EventType))
		clauses = append(clauses, "event_type = "+placeholder(len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		clauses = append(clauses, "status = "+placeholder(len(args)))
	}
	if filter.ExternalID != nil {
		args = append(args, *filter.ExternalID)
		clauses = append(clauses, "external_id = "+placeholder(len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
