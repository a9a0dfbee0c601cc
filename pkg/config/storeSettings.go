package config

// StoreSettings holds configuration for connecting to the event store backend.
type StoreSettings struct {
	Type       string `mapstructure:"type" validate:"required"`
	DSN        string `mapstructure:"dsn"`        // postgres
	URI        string `mapstructure:"uri"`        // mongo connection string or spanner database path
	Database   string `mapstructure:"database"`   // mongo database name
	Collection string `mapstructure:"collection"` // mongo collection name
}
