package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

// MongoStore persists events in a MongoDB collection. A sparse unique index
// on idempotency_key makes the create-time dedup check atomic.
type MongoStore struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoStore(ctx context.Context, client *mongo.Client, database, collection string) (*MongoStore, error) {
	m := &MongoStore{
		client:     client,
		database:   database,
		collection: collection,
	}

	indexes := m.events().Indexes()
	_, err := indexes.CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MongoStore) events() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoStore) Create(ctx context.Context, event *Event) (*Event, bool, error) {
	tracer := otel.Tracer("eventbus")
	ctx, span := tracer.Start(ctx, "Create")
	defer span.End()

	startTime := time.Now()

	_, err := m.events().InsertOne(ctx, event)
	if mongo.IsDuplicateKeyError(err) && event.IdempotencyKey != "" {
		var existing Event
		findErr := m.events().FindOne(ctx, bson.M{"idempotency_key": event.IdempotencyKey}).Decode(&existing)
		if findErr != nil {
			span.RecordError(findErr)
			return nil, false, findErr
		}
		return &existing, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	addDBStatsToSpan(span, "mongodb", "Create", 1, time.Since(startTime))
	return event.Clone(), true, nil
}

func (m *MongoStore) Get(ctx context.Context, id string) (*Event, error) {
	var event Event
	err := m.events().FindOne(ctx, bson.M{"id": id}).Decode(&event)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (m *MongoStore) Update(ctx context.Context, id string, upd Update, owner string) (*Event, error) {
	tracer := otel.Tracer("eventbus")
	ctx, span := tracer.Start(ctx, "Update")
	defer span.End()

	event, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.Owner != owner {
		return nil, ErrForbidden
	}

	set := bson.M{}
	unset := bson.M{}
	if upd.Payload != nil {
		event.Payload = upd.Payload
		set["payload"] = upd.Payload
	}
	if upd.Metadata != nil {
		event.Metadata = upd.Metadata
		set["metadata"] = upd.Metadata
	}
	if upd.IdempotencyKey != nil {
		event.IdempotencyKey = *upd.IdempotencyKey
		if event.IdempotencyKey == "" {
			unset["idempotency_key"] = ""
		} else {
			set["idempotency_key"] = event.IdempotencyKey
		}
	}
	if event.Status == StatusDelivered || event.Status == StatusReplayed {
		event.Status = StatusPending
		event.DeliveredAt = nil
		set["status"] = StatusPending
		unset["delivered_at"] = ""
	}

	update := updateDocument(set, unset)
	if update == nil {
		return event, nil
	}
	if _, err := m.events().UpdateOne(ctx, bson.M{"id": id}, update); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return event, nil
}

// updateDocument assembles the update operators, omitting empty ones.
// MongoDB rejects an update document with an empty $set, which happens when
// the only change is clearing the idempotency key. Returns nil when there is
// nothing to apply.
func updateDocument(set, unset bson.M) bson.M {
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	if len(update) == 0 {
		return nil
	}
	return update
}

func (m *MongoStore) Delete(ctx context.Context, id string, owner string) error {
	event, err := m.Get(ctx, id)
	if err == ErrNotFound {
		return nil // idempotent
	}
	if err != nil {
		return err
	}
	if event.Owner != owner {
		return ErrForbidden
	}
	_, err = m.events().DeleteOne(ctx, bson.M{"id": id})
	return err
}

func (m *MongoStore) List(ctx context.Context, opts ListOptions) ([]*Event, string, error) {
	tracer := otel.Tracer("eventbus")
	ctx, span := tracer.Start(ctx, "List")
	defer span.End()

	startTime := time.Now()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	sortOrder := -1
	comparison := "$lt"
	if opts.OldestFirst {
		sortOrder = 1
		comparison = "$gt"
	}

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = opts.Status
	}
	if opts.Cursor != "" {
		cursor, ok := decodeCursor(opts.Cursor)
		if !ok {
			return nil, "", nil
		}
		filter["$or"] = []bson.M{
			{"created_at": bson.M{comparison: cursor.CreatedAt}},
			{"created_at": cursor.CreatedAt, "id": bson.M{comparison: cursor.ID}},
		}
	}

	findOpts := options.Find().
		SetLimit(int64(limit + 1)).
		SetSort(bson.D{{Key: "created_at", Value: sortOrder}, {Key: "id", Value: sortOrder}})
	cur, err := m.events().Find(ctx, filter, findOpts)
	if err != nil {
		span.RecordError(err)
		return nil, "", err
	}
	defer cur.Close(ctx)

	var events []*Event
	for cur.Next(ctx) {
		var event Event
		if err := cur.Decode(&event); err != nil {
			span.RecordError(err)
			return nil, "", err
		}
		events = append(events, &event)
	}
	if err := cur.Err(); err != nil {
		span.RecordError(err)
		return nil, "", err
	}

	nextCursor := ""
	if len(events) > limit {
		events = events[:limit]
		last := events[len(events)-1]
		nextCursor = encodeCursor(pageCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	addDBStatsToSpan(span, "mongodb", "List", len(events), time.Since(startTime))
	return events, nextCursor, nil
}

func (m *MongoStore) IncrementAttempts(ctx context.Context, id string) error {
	_, err := m.events().UpdateOne(ctx, bson.M{"id": id}, bson.M{
		"$inc": bson.M{"delivery_attempts": 1},
	})
	return err
}

func (m *MongoStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return m.setStatus(ctx, id, StatusDelivered, &at)
}

func (m *MongoStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	return m.setStatus(ctx, id, StatusReplayed, &at)
}

func (m *MongoStore) MarkFailed(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, StatusFailed, nil)
}

func (m *MongoStore) setStatus(ctx context.Context, id string, status Status, deliveredAt *time.Time) error {
	set := bson.M{"status": status}
	if deliveredAt != nil {
		set["delivered_at"] = deliveredAt.UTC()
	}
	_, err := m.events().UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": set})
	return err
}
