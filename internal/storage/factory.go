package storage

import (
	"fmt"

	"botfleet/internal/models"
)

// Factory provides a centralized way to create storage instances based on configuration.
type Factory struct{}

// NewFactory creates a new storage factory
func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates a storage provider based on the provided configuration.
// Supported providers:
//   - json: JSON file-based storage
//   - memory: In-memory storage (for testing/development, state is lost on restart)
//   - postgres: PostgreSQL database storage
//   - sqlite: SQLite database storage
func (f *Factory) Create(config models.StorageConfig) (Storage, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	storageConfig := Config{
		Type:             config.Type,
		Path:             config.Path,
		ConnectionString: config.Database.DSN,
		MaxOpenConns:     config.Database.MaxOpenConns,
		Options:          convertOptions(config.Options),
	}

	var (
		s   Storage
		err error
	)
	// Each constructor returns a concrete pointer; assign only on success so a
	// failed open never yields a non-nil interface holding a nil pointer.
	switch config.Type {
	case models.StorageTypeJSON:
		var js *JSONStorage
		if js, err = NewJSONStorage(storageConfig); err == nil {
			s = js
		}
	case models.StorageTypeMemory:
		var ms *MemoryStorage
		if ms, err = NewMemoryStorage(storageConfig); err == nil {
			s = ms
		}
	case models.StorageTypePostgres:
		var ps *PostgresStorage
		if ps, err = NewPostgresStorage(storageConfig); err == nil {
			s = ps
		}
	case models.StorageTypeSQLite:
		var ss *SQLiteStorage
		if ss, err = NewSQLiteStorage(storageConfig); err == nil {
			s = ss
		}
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetSupportedProviders returns a list of all supported storage provider types
func (f *Factory) GetSupportedProviders() []string {
	return []string{models.StorageTypeJSON, models.StorageTypeMemory, models.StorageTypePostgres, models.StorageTypeSQLite}
}

// ValidateConfig validates that a storage configuration is valid for its type
func (f *Factory) ValidateConfig(config models.StorageConfig) error {
	switch config.Type {
	case models.StorageTypeJSON:
		if config.Path == "" {
			return fmt.Errorf("path is required for JSON storage")
		}
	case models.StorageTypeMemory:
		// Memory storage requires no additional configuration
	case models.StorageTypePostgres, models.StorageTypeSQLite:
		if config.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s storage", config.Type)
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", config.Type)
	}
	return nil
}

func convertOptions(options map[string]string) map[string]interface{} {
	converted := make(map[string]interface{})
	for k, v := range options {
		converted[k] = v
	}
	return converted
}
