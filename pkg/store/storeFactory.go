package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/triggerline/eventbus/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var NewSpannerStoreFactory = func(client *spanner.Client) EventStore {
	return NewSpannerStore(client)
}

var NewMongoStoreFactory = func(ctx context.Context, client *mongo.Client, database, collection string) (EventStore, error) {
	return NewMongoStore(ctx, client, database, collection)
}

// NewStore builds an EventStore for the configured backend type.
func NewStore(ctx context.Context, cfg config.StoreSettings) (EventStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(db), nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		return NewMongoStoreFactory(ctx, client, cfg.Database, cfg.Collection)
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerStoreFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
