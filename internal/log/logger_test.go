package log

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerStampsComponentOnce(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: slog.LevelDebug, Component: ComponentExpenses, Output: &buf})

	l.Info("created", FieldExpenseID, "e1")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "component=expenses"), out)
	assert.Contains(t, out, "expense_id=e1")
	assert.Equal(t, ComponentExpenses, l.Component())
}

func TestWithComponentSwitchesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf}).WithComponent(ComponentAMQP)
	l.Warn("reconnecting")

	assert.Contains(t, buf.String(), "component=amqp")
	assert.Equal(t, ComponentAMQP, l.Component())
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestMiddlewareAttachesRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Output: &buf, Component: ComponentHTTP})

	h := Middleware(base, func(context.Context) string { return "req_1" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context()).Info("handled")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Contains(t, buf.String(), "request_id=req_1")
}

func TestFromContextFallback(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	assert.Equal(t, "unknown", l.Component())
}
