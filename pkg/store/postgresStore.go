package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
)

// PostgresStore persists events in a relational events table with a partial
// unique index on idempotency_key and a (status, created_at DESC) index for
// the status list path.
type PostgresStore struct {
	db *sql.DB // using database/sql
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, event_type, payload, metadata, status, idempotency_key, owner, created_at, delivered_at, delivery_attempts`

func (p *PostgresStore) Create(ctx context.Context, event *Event) (*Event, bool, error) {
	payload, metadata, err := marshalBodies(event)
	if err != nil {
		return nil, false, err
	}

	var stored *Event
	var isNew bool
	err = p.withTransaction(ctx, "Create", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (`+eventColumns+`)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
             ON CONFLICT DO NOTHING`,
			event.ID, event.Type, payload, metadata, event.Status,
			nullable(event.IdempotencyKey), event.Owner, event.CreatedAt, nil, event.DeliveryAttempts)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			stored = event.Clone()
			isNew = true
			return nil
		}

		// Lost the conditional insert: a non-deleted event already holds this
		// idempotency key.
		row := tx.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM events WHERE idempotency_key = $1`,
			event.IdempotencyKey)
		existing, err := scanEvent(row)
		if err != nil {
			return err
		}
		stored = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, isNew, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	var event *Event
	err := p.withTransaction(ctx, "Get", func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
		found, err := scanEvent(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		event = found
		return nil
	})
	return event, err
}

func (p *PostgresStore) Update(ctx context.Context, id string, upd Update, owner string) (*Event, error) {
	var updated *Event
	err := p.withTransaction(ctx, "Update", func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, id)
		event, err := scanEvent(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if event.Owner != owner {
			return ErrForbidden
		}

		if upd.Payload != nil {
			event.Payload = upd.Payload
		}
		if upd.Metadata != nil {
			event.Metadata = upd.Metadata
		}
		if upd.IdempotencyKey != nil {
			event.IdempotencyKey = *upd.IdempotencyKey
		}
		if event.Status == StatusDelivered || event.Status == StatusReplayed {
			event.Status = StatusPending
			event.DeliveredAt = nil
		}

		payload, metadata, err := marshalBodies(event)
		if err != nil {
			return err
		}
		var deliveredAt any
		if event.DeliveredAt != nil {
			deliveredAt = *event.DeliveredAt
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE events SET payload=$1, metadata=$2, idempotency_key=$3, status=$4, delivered_at=$5 WHERE id=$6`,
			payload, metadata, nullable(event.IdempotencyKey), event.Status, deliveredAt, id)
		if err != nil {
			return err
		}
		updated = event
		return nil
	})
	return updated, err
}

func (p *PostgresStore) Delete(ctx context.Context, id string, owner string) error {
	return p.withTransaction(ctx, "Delete", func(ctx context.Context, tx *sql.Tx) error {
		var storedOwner string
		err := tx.QueryRowContext(ctx,
			`SELECT owner FROM events WHERE id = $1 FOR UPDATE`, id).Scan(&storedOwner)
		if err == sql.ErrNoRows {
			return nil // idempotent
		}
		if err != nil {
			return err
		}
		if storedOwner != owner {
			return ErrForbidden
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
		return err
	})
}

func (p *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Event, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var cursor pageCursor
	hasCursor := false
	if opts.Cursor != "" {
		var ok bool
		cursor, ok = decodeCursor(opts.Cursor)
		if !ok {
			return nil, "", nil
		}
		hasCursor = true
	}

	direction, comparison := "DESC", "<"
	if opts.OldestFirst {
		direction, comparison = "ASC", ">"
	}
	orderBy := ` ORDER BY created_at ` + direction + `, id ` + direction + ` LIMIT `

	var events []*Event
	err := p.withTransaction(ctx, "List", func(ctx context.Context, tx *sql.Tx) error {
		var rows *sql.Rows
		var err error
		switch {
		case opts.Status != "" && hasCursor:
			rows, err = tx.QueryContext(ctx,
				`SELECT `+eventColumns+` FROM events
                 WHERE status = $1 AND (created_at, id) `+comparison+` ($2, $3)`+orderBy+`$4`,
				opts.Status, cursor.CreatedAt, cursor.ID, limit+1)
		case opts.Status != "":
			rows, err = tx.QueryContext(ctx,
				`SELECT `+eventColumns+` FROM events WHERE status = $1`+orderBy+`$2`,
				opts.Status, limit+1)
		case hasCursor:
			rows, err = tx.QueryContext(ctx,
				`SELECT `+eventColumns+` FROM events
                 WHERE (created_at, id) `+comparison+` ($1, $2)`+orderBy+`$3`,
				cursor.CreatedAt, cursor.ID, limit+1)
		default:
			rows, err = tx.QueryContext(ctx,
				`SELECT `+eventColumns+` FROM events`+orderBy+`$1`,
				limit+1)
		}
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			event, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, event)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(events) > limit {
		events = events[:limit]
		last := events[len(events)-1]
		nextCursor = encodeCursor(pageCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return events, nextCursor, nil
}

func (p *PostgresStore) IncrementAttempts(ctx context.Context, id string) error {
	return p.withTransaction(ctx, "IncrementAttempts", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE events SET delivery_attempts = delivery_attempts + 1 WHERE id=$1`, id)
		return err
	})
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return p.setStatus(ctx, "MarkDelivered", id, StatusDelivered, &at)
}

func (p *PostgresStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	return p.setStatus(ctx, "MarkReplayed", id, StatusReplayed, &at)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string) error {
	return p.setStatus(ctx, "MarkFailed", id, StatusFailed, nil)
}

func (p *PostgresStore) setStatus(ctx context.Context, spanName, id string, status Status, deliveredAt *time.Time) error {
	return p.withTransaction(ctx, spanName, func(ctx context.Context, tx *sql.Tx) error {
		if deliveredAt != nil {
			_, err := tx.ExecContext(ctx,
				`UPDATE events SET status=$1, delivered_at=$2 WHERE id=$3`,
				status, deliveredAt.UTC(), id)
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE events SET status=$1 WHERE id=$2`, status, id)
		return err
	})
}

func (p *PostgresStore) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tracer := otel.Tracer("eventbus")
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	start := time.Now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		if err != ErrNotFound && err != ErrForbidden {
			span.RecordError(err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, 1, time.Since(start))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var event Event
	var payload, metadata []byte
	var idempotencyKey sql.NullString
	var deliveredAt sql.NullTime
	err := row.Scan(
		&event.ID, &event.Type, &payload, &metadata, &event.Status,
		&idempotencyKey, &event.Owner, &event.CreatedAt, &deliveredAt,
		&event.DeliveryAttempts)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return nil, err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return nil, err
		}
	}
	if idempotencyKey.Valid {
		event.IdempotencyKey = idempotencyKey.String
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		event.DeliveredAt = &t
	}
	return &event, nil
}

func marshalBodies(event *Event) ([]byte, []byte, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, nil, err
	}
	var metadata []byte
	if event.Metadata != nil {
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return nil, nil, err
		}
	}
	return payload, metadata, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
