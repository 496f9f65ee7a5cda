package backend

import (
	"context"
	"errors"
	"fmt"

	"controlgastos/internal/amqp"
	"controlgastos/internal/log"
	"controlgastos/internal/storage"
	"controlgastos/internal/storage/memory"
)

// DefaultFactory implements Factory.
type DefaultFactory struct {
	logger *log.Logger
}

func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Discard()
	}
	return &DefaultFactory{logger: logger.WithComponent(log.ComponentBackend)}
}

func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		repo *storage.SQLRepository
		err  error
	)
	switch config.Type {
	case MemoryBackend:
		f.logger.InfoContext(ctx, "Initialized memory backend", log.FieldBackend, config.Type.String())
		return &BackendResult{Backend: memory.New(), Cleanup: func() error { return nil }}, nil
	case SQLiteBackend:
		repo, err = storage.NewSQLiteRepository(config.SQLiteDBPath, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		f.logger.InfoContext(ctx, "Initialized SQLite backend", "db_path", config.SQLiteDBPath)
	case PostgresBackend:
		repo, err = storage.NewPostgresRepository(config.DatabaseURL, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL repository: %w", err)
		}
		f.logger.InfoContext(ctx, "Initialized PostgreSQL backend")
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}

	bus := f.connectBus(ctx, config)

	return &BackendResult{
		Backend: repo,
		Bus:     bus,
		Cleanup: func() error {
			var errs []error
			if bus != nil {
				errs = append(errs, bus.Close())
			}
			errs = append(errs, repo.Close())
			return errors.Join(errs...)
		},
	}, nil
}

// connectBus dials the broker when configured. A broker that cannot be
// reached only disables cross-process notifications.
func (f *DefaultFactory) connectBus(ctx context.Context, config Config) *amqp.Client {
	if config.AMQPURL == "" {
		return nil
	}
	client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, f.logger)
	if err != nil {
		f.logger.WarnContext(ctx, "Failed to initialize AMQP client, continuing without change bus", log.FieldError, err)
		return nil
	}
	f.logger.InfoContext(ctx, "Initialized AMQP change bus", "exchange", config.AMQPExchange)
	return client
}
