package store

// Config aggregates per backend configuration
type Config struct {
	AppName string

	PG    PGConfig
	Blobs BlobsConfig
}

// PGConfig configures postgres connectivity and tracing
type PGConfig struct {
	Enabled     bool
	URL         string
	MaxConns    int32
	LogSQL      bool
	SlowQueryMs int
}

// BlobsConfig configures the badger raw page store
type BlobsConfig struct {
	Enabled bool
	Dir     string
	// InMemory runs badger without a directory; used by tests
	InMemory bool
}
