package storage

import (
	"fmt"
)

// DatabaseType names a primary backend
type DatabaseType string

const (
	MySQL      DatabaseType = "mysql"
	PostgreSQL DatabaseType = "postgresql"
	// Memory keeps everything in process; used for local runs and tests
	Memory DatabaseType = "memory"
)

// DatabaseStorage is a primary backend that owns its schema
type DatabaseStorage interface {
	Backend
	InitDatabase() error
}

// NewDatabaseStorage creates the primary backend for dbType
func NewDatabaseStorage(dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(dsn)
	case PostgreSQL:
		return NewPostgreSQLStorage(dsn)
	case Memory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}
