package config

// StoreSettings selects and configures the key-value backend of the pending queue.
type StoreSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=memory file postgres sqlite mongo spanner"`
	DSN        string `mapstructure:"dsn" validate:"required_if=Type postgres,required_if=Type sqlite"`
	URI        string `mapstructure:"uri" validate:"required_if=Type mongo,required_if=Type spanner"`
	URL        string `mapstructure:"url" validate:"required_if=Type file"` // afs base URL, e.g. file:///var/lib/offline-sync
	Database   string `mapstructure:"database"`                              // Mongo database name
	Collection string `mapstructure:"collection"`                            // Mongo collection name
}
