package backend

import (
	"context"

	"controlgastos/internal/amqp"
	"controlgastos/internal/auth"
	"controlgastos/internal/expenses"
)

// Backend is everything the application needs from persistence.
type Backend interface {
	expenses.Repository
	auth.UserStore
}

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CleanupFunc releases backend resources.
type CleanupFunc func() error

// BackendResult holds the backend, the optional change bus and their cleanup.
type BackendResult struct {
	Backend Backend
	// Bus is nil when no AMQP URL is configured or the broker is unreachable.
	Bus     *amqp.Client
	Cleanup CleanupFunc
}

// Factory creates backends based on configuration.
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation.
type Config struct {
	Type BackendType

	SQLiteDBPath string
	DatabaseURL  string

	AMQPURL      string
	AMQPExchange string
}

type BackendType string

const (
	MemoryBackend   BackendType = "memory"
	SQLiteBackend   BackendType = "sqlite"
	PostgresBackend BackendType = "postgres"
)

func (bt BackendType) String() string {
	return string(bt)
}

func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, SQLiteBackend, PostgresBackend:
		return true
	default:
		return false
	}
}
