package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"controlgastos/internal/config"
	"controlgastos/internal/core"
)

func TestFromAppConfig(t *testing.T) {
	_, err := FromAppConfig(nil)
	assert.Error(t, err)

	_, err = FromAppConfig(&config.Config{DataBackend: "sheets"})
	assert.Error(t, err)

	cfg, err := FromAppConfig(&config.Config{
		DataBackend:  "postgres",
		DatabaseURL:  "postgres://localhost/db",
		AMQPURL:      "amqp://localhost/",
		AMQPExchange: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, PostgresBackend, cfg.Type)
	assert.Equal(t, "postgres://localhost/db", cfg.DatabaseURL)
	assert.Equal(t, "x", cfg.AMQPExchange)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"memory", Config{Type: MemoryBackend}, false},
		{"memory with bus", Config{Type: MemoryBackend, AMQPURL: "amqp://x/"}, true},
		{"sqlite without path", Config{Type: SQLiteBackend}, true},
		{"postgres without dsn", Config{Type: PostgresBackend}, true},
		{"unknown", Config{Type: "sheets"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "Validate() = %v", err)
		})
	}
	assert.Equal(t, []string{"memory", "sqlite", "postgres"}, GetBackendTypeStrings())
}

func TestCreateMemoryBackend(t *testing.T) {
	res, err := NewFactory(nil).CreateBackend(context.Background(), Config{Type: MemoryBackend})
	require.NoError(t, err)
	assert.Nil(t, res.Bus)
	require.NotNil(t, res.Backend)
	assert.NoError(t, res.Cleanup())
}

func TestCreateSQLiteBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	res, err := NewFactory(nil).CreateBackend(context.Background(), Config{Type: SQLiteBackend, SQLiteDBPath: path})
	require.NoError(t, err)
	defer func() { assert.NoError(t, res.Cleanup()) }()

	ctx := context.Background()
	require.NoError(t, res.Backend.Insert(ctx, core.Expense{ID: "e1", UserID: "alice", Name: "Coffee", Date: time.Now()}))
	got, err := res.Backend.ListByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	pinger, ok := res.Backend.(Pinger)
	require.True(t, ok)
	assert.NoError(t, pinger.Ping(ctx))
}
