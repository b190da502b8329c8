package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/freightops/relay/internal/domain"
	"github.com/freightops/relay/internal/errval"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const uniqueViolationCode = "23505"

// storage is the durable half of the reliability core: the append-only
// delivery event log, plus the shipment and preference reads the reminder
// dispatcher needs. The delivery_events table has no UPDATE or DELETE path.
type storage struct {
	pool *pgxpool.Pool
}

func NewStorage(ctx context.Context, dsn string) (*storage, error) {
	var pool *pgxpool.Pool
	var err error

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	err = backoff.Retry(func() error {
		if pool, err = pgxpool.ConnectConfig(ctx, config); err != nil {
			slog.ErrorContext(ctx, "failed to connect to postgres database.. retrying...", "error", err)
			return err
		}

		if err = pool.Ping(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ping postgres database connection.. retrying...", "error", err)
			return err
		}

		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5))

	if err != nil {
		return nil, err
	}

	return &storage{pool: pool}, nil
}

func (s *storage) Ping(ctx context.Context) (err error) {
	return s.pool.Ping(ctx)
}

func (s *storage) Record(ctx context.Context, event domain.DeliveryEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var metadata pgtype.JSONB
	if event.Metadata == nil {
		_ = metadata.Set(nil)
	} else {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return err
		}
		if err := metadata.Set(raw); err != nil {
			return err
		}
	}

	var errCode, errMessage *string
	if event.Err != nil {
		errCode = &event.Err.Code
		errMessage = &event.Err.Message
	}

	const q = `
		INSERT INTO delivery_events
		  (id, subject_id, type, recipient, template_name, metadata, error_code, error_message, created_at)
		VALUES
		  ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, q,
		event.ID,
		event.SubjectID,
		string(event.Type),
		event.Recipient,
		event.TemplateName,
		metadata,
		errCode,
		errMessage,
		event.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			// The event was already appended; the log is append-only so a
			// replay changes nothing.
			return nil
		}
		return err
	}

	return nil
}

func (s *storage) RecentEvents(ctx context.Context, limit int) ([]domain.DeliveryEvent, error) {
	const q = `
		SELECT id, subject_id, type, recipient, template_name, metadata, error_code, error_message, created_at
		FROM delivery_events
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *storage) FailedEvents(ctx context.Context, limit int) ([]domain.DeliveryEvent, error) {
	const q = `
		SELECT id, subject_id, type, recipient, template_name, metadata, error_code, error_message, created_at
		FROM delivery_events
		WHERE type IN ('failed', 'bounced')
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *storage) EventsByType(ctx context.Context, eventType domain.EventType) ([]domain.DeliveryEvent, error) {
	const q = `
		SELECT id, subject_id, type, recipient, template_name, metadata, error_code, error_message, created_at
		FROM delivery_events
		WHERE type = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, q, string(eventType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *storage) CountEventsSince(ctx context.Context, subjectID string, eventType domain.EventType, since time.Time) (int, error) {
	const q = `
		SELECT COUNT(*)
		FROM delivery_events
		WHERE subject_id = $1 AND type = $2 AND created_at >= $3
	`
	var count int
	if err := s.pool.QueryRow(ctx, q, subjectID, string(eventType), since).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *storage) PendingShipments(ctx context.Context) ([]domain.Shipment, error) {
	const q = `
		SELECT id, reference, status, missing_documents
		FROM shipments
		WHERE status = 'awaiting_documents' AND cardinality(missing_documents) > 0
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shipments := []domain.Shipment{}
	for rows.Next() {
		var shipment domain.Shipment
		var missing pgtype.TextArray
		if err := rows.Scan(&shipment.ID, &shipment.Reference, &shipment.Status, &missing); err != nil {
			return nil, err
		}
		if err := missing.AssignTo(&shipment.MissingDocuments); err != nil {
			return nil, err
		}
		shipments = append(shipments, shipment)
	}
	return shipments, rows.Err()
}

func (s *storage) ShipmentContacts(ctx context.Context, shipmentID string) ([]domain.Contact, error) {
	const q = `
		SELECT user_id, email, name
		FROM shipment_contacts
		WHERE shipment_id = $1
		ORDER BY email ASC
	`
	rows, err := s.pool.Query(ctx, q, shipmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []domain.Contact{}
	for rows.Next() {
		var contact domain.Contact
		if err := rows.Scan(&contact.UserID, &contact.Email, &contact.Name); err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}
	return contacts, rows.Err()
}

// GetPreferences treats a missing preference row as enabled.
func (s *storage) GetPreferences(ctx context.Context, userID, category string) (domain.Preferences, error) {
	const q = `
		SELECT enabled
		FROM notification_preferences
		WHERE user_id = $1 AND category = $2
	`
	var enabled bool
	err := s.pool.QueryRow(ctx, q, userID, category).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Preferences{Enabled: true}, nil
		}
		return domain.Preferences{}, err
	}
	return domain.Preferences{Enabled: enabled}, nil
}

func scanEvents(rows pgx.Rows) ([]domain.DeliveryEvent, error) {
	events := []domain.DeliveryEvent{}
	for rows.Next() {
		var event domain.DeliveryEvent
		var eventType string
		var metadata pgtype.JSONB
		var errCode, errMessage *string
		if err := rows.Scan(
			&event.ID,
			&event.SubjectID,
			&eventType,
			&event.Recipient,
			&event.TemplateName,
			&metadata,
			&errCode,
			&errMessage,
			&event.Timestamp,
		); err != nil {
			return nil, err
		}

		event.Type = domain.EventType(eventType)
		if metadata.Status == pgtype.Present && len(metadata.Bytes) > 0 {
			if err := json.Unmarshal(metadata.Bytes, &event.Metadata); err != nil {
				return nil, err
			}
		}
		if errCode != nil || errMessage != nil {
			event.Err = &domain.ErrorDetail{}
			if errCode != nil {
				event.Err.Code = *errCode
			}
			if errMessage != nil {
				event.Err.Message = *errMessage
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errval.ErrNotFound
		}
		return nil, err
	}
	return events, nil
}
