package store

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
)

// SpannerStore persists events in a Spanner Events table. Idempotency-key
// dedup runs inside a read-write transaction so the check-then-insert is
// atomic.
type SpannerStore struct {
	client *spanner.Client
}

func NewSpannerStore(client *spanner.Client) *SpannerStore {
	return &SpannerStore{client: client}
}

const spannerEventColumns = `Id, EventType, Payload, Metadata, Status, IdempotencyKey, Owner, CreatedAt, DeliveredAt, DeliveryAttempts`

func (s *SpannerStore) Create(ctx context.Context, event *Event) (*Event, bool, error) {
	payload, metadata, err := marshalBodies(event)
	if err != nil {
		return nil, false, err
	}

	var stored *Event
	var isNew bool
	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stored, isNew = nil, false
		if event.IdempotencyKey != "" {
			stmt := spanner.Statement{
				SQL: `SELECT ` + spannerEventColumns + ` FROM Events WHERE IdempotencyKey = @key`,
				Params: map[string]interface{}{
					"key": event.IdempotencyKey,
				},
			}
			iter := txn.Query(ctx, stmt)
			defer iter.Stop()

			row, err := iter.Next()
			if err == nil {
				existing, err := decodeSpannerRow(row)
				if err != nil {
					return err
				}
				stored = existing
				return nil
			}
			if err != iterator.Done {
				return err
			}
		}

		stmt := spanner.Statement{
			SQL: `INSERT INTO Events (` + spannerEventColumns + `)
                  VALUES (@id, @eventType, @payload, @metadata, @status, @key, @owner, @createdAt, NULL, @attempts)`,
			Params: map[string]interface{}{
				"id":        event.ID,
				"eventType": event.Type,
				"payload":   string(payload),
				"metadata":  spannerNullString(metadata),
				"status":    string(event.Status),
				"key":       spanner.NullString{StringVal: event.IdempotencyKey, Valid: event.IdempotencyKey != ""},
				"owner":     event.Owner,
				"createdAt": event.CreatedAt,
				"attempts":  int64(event.DeliveryAttempts),
			},
		}
		if _, err := txn.Update(ctx, stmt); err != nil {
			return err
		}
		stored = event.Clone()
		isNew = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, isNew, nil
}

func (s *SpannerStore) Get(ctx context.Context, id string) (*Event, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT ` + spannerEventColumns + ` FROM Events WHERE Id = @id`,
		Params: map[string]interface{}{"id": id},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSpannerRow(row)
}

func (s *SpannerStore) Update(ctx context.Context, id string, upd Update, owner string) (*Event, error) {
	var updated *Event
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL:    `SELECT ` + spannerEventColumns + ` FROM Events WHERE Id = @id`,
			Params: map[string]interface{}{"id": id},
		}
		iter := txn.Query(ctx, stmt)
		defer iter.Stop()

		row, err := iter.Next()
		if err == iterator.Done {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		event, err := decodeSpannerRow(row)
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
		update := spanner.Statement{
			SQL: `UPDATE Events SET Payload = @payload, Metadata = @metadata, IdempotencyKey = @key,
                  Status = @status, DeliveredAt = @deliveredAt WHERE Id = @id`,
			Params: map[string]interface{}{
				"payload":     string(payload),
				"metadata":    spannerNullString(metadata),
				"key":         spanner.NullString{StringVal: event.IdempotencyKey, Valid: event.IdempotencyKey != ""},
				"status":      string(event.Status),
				"deliveredAt": spannerNullTime(event.DeliveredAt),
				"id":          id,
			},
		}
		if _, err := txn.Update(ctx, update); err != nil {
			return err
		}
		updated = event
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SpannerStore) Delete(ctx context.Context, id string, owner string) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL:    `SELECT Owner FROM Events WHERE Id = @id`,
			Params: map[string]interface{}{"id": id},
		}
		iter := txn.Query(ctx, stmt)
		defer iter.Stop()

		row, err := iter.Next()
		if err == iterator.Done {
			return nil // idempotent
		}
		if err != nil {
			return err
		}
		var storedOwner string
		if err := row.Columns(&storedOwner); err != nil {
			return err
		}
		if storedOwner != owner {
			return ErrForbidden
		}

		del := spanner.Statement{
			SQL:    `DELETE FROM Events WHERE Id = @id`,
			Params: map[string]interface{}{"id": id},
		}
		_, err = txn.Update(ctx, del)
		return err
	})
	return err
}

func (s *SpannerStore) List(ctx context.Context, opts ListOptions) ([]*Event, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	direction, comparison := "DESC", "<"
	if opts.OldestFirst {
		direction, comparison = "ASC", ">"
	}

	sql := `SELECT ` + spannerEventColumns + ` FROM Events`
	params := map[string]interface{}{"limit": int64(limit + 1)}
	where := ""
	if opts.Status != "" {
		where = ` WHERE Status = @status`
		params["status"] = string(opts.Status)
	}
	if opts.Cursor != "" {
		cursor, ok := decodeCursor(opts.Cursor)
		if !ok {
			return nil, "", nil
		}
		if where == "" {
			where = ` WHERE `
		} else {
			where += ` AND `
		}
		where += `(CreatedAt ` + comparison + ` @cursorAt OR (CreatedAt = @cursorAt AND Id ` + comparison + ` @cursorID))`
		params["cursorAt"] = cursor.CreatedAt
		params["cursorID"] = cursor.ID
	}
	stmt := spanner.Statement{
		SQL:    sql + where + ` ORDER BY CreatedAt ` + direction + `, Id ` + direction + ` LIMIT @limit`,
		Params: params,
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var events []*Event
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, "", err
		}
		event, err := decodeSpannerRow(row)
		if err != nil {
			return nil, "", err
		}
		events = append(events, event)
	}

	nextCursor := ""
	if len(events) > limit {
		events = events[:limit]
		last := events[len(events)-1]
		nextCursor = encodeCursor(pageCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return events, nextCursor, nil
}

func (s *SpannerStore) IncrementAttempts(ctx context.Context, id string) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL:    `UPDATE Events SET DeliveryAttempts = DeliveryAttempts + 1 WHERE Id = @id`,
			Params: map[string]interface{}{"id": id},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return s.setStatus(ctx, id, StatusDelivered, &at)
}

func (s *SpannerStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	return s.setStatus(ctx, id, StatusReplayed, &at)
}

func (s *SpannerStore) MarkFailed(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusFailed, nil)
}

func (s *SpannerStore) setStatus(ctx context.Context, id string, status Status, deliveredAt *time.Time) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE Events SET Status = @status, DeliveredAt = @deliveredAt WHERE Id = @id`,
			Params: map[string]interface{}{
				"status":      string(status),
				"deliveredAt": spannerNullTime(deliveredAt),
				"id":          id,
			},
		}
		if deliveredAt == nil {
			stmt = spanner.Statement{
				SQL: `UPDATE Events SET Status = @status WHERE Id = @id`,
				Params: map[string]interface{}{
					"status": string(status),
					"id":     id,
				},
			}
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func decodeSpannerRow(row *spanner.Row) (*Event, error) {
	var event Event
	var payload string
	var metadata, idempotencyKey spanner.NullString
	var deliveredAt spanner.NullTime
	var attempts int64
	var status string
	err := row.Columns(
		&event.ID, &event.Type, &payload, &metadata, &status,
		&idempotencyKey, &event.Owner, &event.CreatedAt, &deliveredAt, &attempts)
	if err != nil {
		return nil, err
	}
	event.Status = Status(status)
	event.DeliveryAttempts = int(attempts)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
			return nil, err
		}
	}
	if metadata.Valid && metadata.StringVal != "" {
		if err := json.Unmarshal([]byte(metadata.StringVal), &event.Metadata); err != nil {
			return nil, err
		}
	}
	if idempotencyKey.Valid {
		event.IdempotencyKey = idempotencyKey.StringVal
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		event.DeliveredAt = &t
	}
	return &event, nil
}

func spannerNullString(b []byte) spanner.NullString {
	if b == nil {
		return spanner.NullString{}
	}
	return spanner.NullString{StringVal: string(b), Valid: true}
}

func spannerNullTime(t *time.Time) spanner.NullTime {
	if t == nil {
		return spanner.NullTime{}
	}
	return spanner.NullTime{Time: t.UTC(), Valid: true}
}
