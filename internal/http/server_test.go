package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"controlgastos/internal/auth"
	"controlgastos/internal/expenses"
	"controlgastos/internal/session"
	"controlgastos/internal/storage/memory"
	"controlgastos/internal/viewmodel"
)

var fixedNow = time.Date(2024, time.May, 20, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	srv      *Server
	sessions *session.Manager
	vm       *viewmodel.ViewModel
	auth     *auth.Service
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	repo := memory.New()
	sessions := session.NewManager(nil)
	store := expenses.NewStore(repo, sessions)
	agg := expenses.NewAggregator(repo, sessions, expenses.WithLocation(time.UTC))
	vm := viewmodel.New(store, agg, sessions, viewmodel.WithClock(func() time.Time { return fixedNow }))
	authSvc := auth.NewService(repo, sessions, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = vm.Run(ctx)
	}()

	deps := Deps{
		ViewModel:          vm,
		Expenses:           store,
		Overviews:          agg,
		Auth:               authSvc,
		Sessions:           sessions,
		RateLimitPerMinute: 1000,
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv := NewServer(":0", deps)
	srv.now = func() time.Time { return fixedNow }

	t.Cleanup(func() {
		cancel()
		<-done
		srv.limiter.Stop()
	})
	return &testEnv{srv: srv, sessions: sessions, vm: vm, auth: authSvc}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) signIn(t *testing.T, user string) {
	t.Helper()
	_, err := e.auth.Register(context.Background(), user, "secret1")
	require.NoError(t, err)
	rr := e.do(t, http.MethodPost, "/api/session", `{"username":"`+user+`","password":"secret1"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Eventually(t, func() bool { return e.vm.State().UserID != "" }, 2*time.Second, 2*time.Millisecond)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		rr := env.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}

	env = newTestEnv(t, func(d *Deps) {
		d.Ready = func(context.Context) error { return errors.New("db down") }
	})
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/readyz", "").Code)
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/api/categories", "")
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	cats := decode[[]string](t, rr)
	assert.Len(t, cats, 9)
	assert.Equal(t, "Food", cats[0])
}

func TestRegisterAndSignIn(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/users", `{"username":"Alice","password":"secret1"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	u := decode[userDTO](t, rr)
	assert.Equal(t, "alice", u.Username)

	rr = env.do(t, http.MethodPost, "/api/users", `{"username":"alice","password":"secret1"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/users", `{"username":"bob","password":"123"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/users", `{"username":"bob","password":"`+strings.Repeat("x", 73)+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "password must be at most 72 bytes", decode[errorBody](t, rr).Error)

	rr = env.do(t, http.MethodPost, "/api/session", `{"username":"alice","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, decode[errorBody](t, rr).RequestID)

	rr = env.do(t, http.MethodPost, "/api/session", `{"username":"alice","password":"secret1"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Eventually(t, func() bool { return env.vm.State().UserID == u.ID }, 2*time.Second, 2*time.Millisecond)

	st := decode[stateDTO](t, env.do(t, http.MethodGet, "/api/state", ""))
	assert.Equal(t, u.ID, st.UserID)
	assert.Empty(t, st.Expenses)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/session", "").Code)
	_, signedIn := env.sessions.Current()
	assert.False(t, signedIn)
}

func TestMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/session", `{"username":`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/session", `{"user":"x"}`).Code)
}

func TestCreateExpenseRequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/api/expenses", `{"name":"Coffee","amount":3.5,"category":"Food","date":"2024-05-20"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "user not authenticated", decode[errorBody](t, rr).Error)
	assert.Equal(t, viewmodel.OpFailed, env.vm.State().Op.Status)
}

func TestExpenseLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "alice")

	rr := env.do(t, http.MethodPost, "/api/expenses", `{"name":"Coffee","amount":3.5,"category":"alimentación","date":"2024-05-20","description":"flat white"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	id := decode[map[string]string](t, rr)["id"]
	require.NotEmpty(t, id)
	assert.Equal(t, "/api/expenses/"+id, rr.Header().Get("Location"))

	got := decode[expenseDTO](t, env.do(t, http.MethodGet, "/api/expenses/"+id, ""))
	assert.Equal(t, "Coffee", got.Name)
	assert.Equal(t, 3.5, got.Amount)
	assert.Equal(t, "Food", got.Category)
	assert.Equal(t, env.vm.State().UserID, got.UserID)

	st := decode[stateDTO](t, env.do(t, http.MethodGet, "/api/state", ""))
	assert.Equal(t, 3.5, st.Total)
	assert.Equal(t, "succeeded", st.Operation.Status)
	assert.Equal(t, "create", st.Operation.Action)

	rr = env.do(t, http.MethodPut, "/api/expenses/"+id, `{"name":"Coffee","amount":13.5,"category":"Food","date":"2024-05-21T08:00:00Z"}`)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	assert.Equal(t, 13.5, decode[stateDTO](t, env.do(t, http.MethodGet, "/api/state", "")).Total)

	require.Eventually(t, func() bool {
		s := env.vm.State()
		return len(s.Expenses) == 1 && s.Expenses[0].Amount.Cents == 1350
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/api/operation/reset", "").Code)
	assert.Equal(t, viewmodel.OpIdle, env.vm.State().Op.Status)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/expenses/"+id, "").Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/expenses/"+id, "").Code, "delete is idempotent")
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/expenses/"+id, "").Code)
	assert.Equal(t, 0.0, decode[stateDTO](t, env.do(t, http.MethodGet, "/api/state", "")).Total)
}

func TestUpdateMissingExpense(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "alice")

	rr := env.do(t, http.MethodPut, "/api/expenses/ghost", `{"name":"Ghost","amount":1,"category":"Other","date":"2024-05-01"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "expense not found", decode[errorBody](t, rr).Error)
}

func TestExpenseValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "alice")

	tests := []struct {
		name string
		body string
		want string
	}{
		{"short name", `{"name":"ab","amount":1,"category":"Food"}`, "name too short"},
		{"missing amount", `{"name":"Coffee","category":"Food"}`, "invalid amount"},
		{"zero amount", `{"name":"Coffee","amount":0,"category":"Food"}`, "invalid amount"},
		{"amount beyond range", `{"name":"Coffee","amount":1e20,"category":"Food"}`, "invalid amount"},
		{"date beyond range", `{"name":"Coffee","amount":1,"category":"Food","date":"2300-01-15"}`, "invalid date"},
		{"unknown category", `{"name":"Coffee","amount":1,"category":"Toys"}`, "invalid category"},
		{"bad date", `{"name":"Coffee","amount":1,"category":"Food","date":"yesterday"}`, "invalid date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/expenses", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
			assert.Equal(t, tt.want, decode[errorBody](t, rr).Error)
		})
	}
}

func TestTotals(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/totals", "").Code)

	env.signIn(t, "alice")
	for _, body := range []string{
		`{"name":"Coffee","amount":3.5,"category":"Food","date":"2024-05-01"}`,
		`{"name":"Train","amount":10,"category":"Transport","date":"2024-05-31T23:59:59Z"}`,
		`{"name":"Rent","amount":500,"category":"Housing","date":"2024-06-01"}`,
	} {
		require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/expenses", body).Code)
	}

	ov := decode[overviewDTO](t, env.do(t, http.MethodGet, "/api/totals", ""))
	assert.Equal(t, 2024, ov.Year)
	assert.Equal(t, 5, ov.Month)
	assert.Equal(t, 13.5, ov.Total)
	assert.Equal(t, 2, ov.Count)
	require.Len(t, ov.ByCategory, 2)
	assert.Equal(t, "Transport", ov.ByCategory[0].Category)

	ov = decode[overviewDTO](t, env.do(t, http.MethodGet, "/api/totals?year=2024&month=6", ""))
	assert.Equal(t, 500.0, ov.Total)

	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, http.MethodGet, "/api/totals?month=13", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/totals?month=may", "").Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.RateLimitPerMinute = 2 })
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)

	rr := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestSuspiciousRequestRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/.git/config", "").Code)
}

func TestMetricsCountRejectedRequests(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.RateLimitPerMinute = 2 })

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/.git/config", "").Code)
	for range 3 {
		env.do(t, http.MethodGet, "/healthz", "")
	}

	m := env.srv.Metrics()
	assert.Equal(t, int64(4), m.Requests)
	assert.Equal(t, int64(1), m.RateLimited)
	assert.Equal(t, int64(1), m.SuspiciousRequests)
	assert.Equal(t, int64(1), m.ActiveClients)

	require.NoError(t, env.srv.Shutdown(context.Background()))
}

func TestTrustedProxiesSeparateClients(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.RateLimitPerMinute = 1
		d.TrustedProxies = []string{"203.0.113.0/24", "not-a-cidr"}
	})

	fromProxy := func(client string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "203.0.113.5:40000"
		req.Header.Set("X-Forwarded-For", client)
		rr := httptest.NewRecorder()
		env.srv.Handler.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, fromProxy("198.51.100.7"))
	assert.Equal(t, http.StatusOK, fromProxy("198.51.100.8"))
	assert.Equal(t, http.StatusTooManyRequests, fromProxy("198.51.100.7"))
	assert.Equal(t, int64(2), env.srv.Metrics().ActiveClients)
}

func TestStateStream(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.srv.Handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/state/stream", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan stateDTO, 16)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			data, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			var st stateDTO
			if json.Unmarshal([]byte(data), &st) == nil {
				events <- st
			}
		}
	}()

	first := <-events
	assert.Empty(t, first.UserID)

	env.sessions.SignIn("alice")
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st, ok := <-events:
			require.True(t, ok, "stream closed early")
			if st.UserID == "alice" {
				return
			}
		case <-deadline:
			t.Fatal("never streamed alice's state")
		}
	}
}
