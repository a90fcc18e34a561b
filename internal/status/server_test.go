package status_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CZERTAINLY/supervisor/internal/service"
	"github.com/CZERTAINLY/supervisor/internal/status"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticSource []service.ChildState

func (s staticSource) Snapshot() []service.ChildState {
	return s
}

func intp(i int) *int {
	return &i
}

func TestHealth(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    staticSource
		code     int
		status   string
		running  int
	}{
		{"not started", nil, http.StatusOK, "healthy", 0},
		{
			"running",
			staticSource{
				{Name: "web", PID: 10, Running: true},
				{Name: "bot", PID: 11, ExitCode: intp(1)},
			},
			http.StatusOK, "healthy", 1,
		},
		{
			"all exited",
			staticSource{
				{Name: "web", PID: 10, ExitCode: intp(0)},
				{Name: "bot", PID: 11, ExitCode: intp(1)},
			},
			http.StatusServiceUnavailable, "degraded", 0,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			srv := status.New("run-1", tt.given)
			rec := httptest.NewRecorder()
			req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/health", nil)
			srv.Handler().ServeHTTP(rec, req)

			require.Equal(t, tt.code, rec.Code)
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var resp status.HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			require.Equal(t, tt.status, resp.Status)
			require.Equal(t, "supervisor", resp.Service)
			require.Equal(t, "run-1", resp.RunID)
			require.Equal(t, len(tt.given), resp.Children)
			require.Equal(t, tt.running, resp.Running)
			require.GreaterOrEqual(t, resp.UptimeSeconds, 0.0)
		})
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	src := staticSource{
		{Name: "web", Command: []string{"python", "main.py"}, PID: 10, Running: true, Started: started},
	}
	srv := status.New("run-2", src)

	rec := httptest.NewRecorder()
	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/status", nil)
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp status.StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "run-2", resp.RunID)
	require.Len(t, resp.Children, 1)
	require.Equal(t, "web", resp.Children[0].Name)
	require.Equal(t, []string{"python", "main.py"}, resp.Children[0].Command)
	require.True(t, resp.Children[0].Running)
	require.Nil(t, resp.Children[0].ExitCode)
	require.True(t, started.Equal(resp.Children[0].Started))

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequestWithContext(t.Context(), http.MethodPost, "/status", nil)
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestServe(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	srv := status.New("run-3", service.NewSet())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	client := &http.Client{Timeout: 2 * time.Second}
	url := "http://" + ln.Addr().String() + "/health"
	var resp *http.Response
	require.Eventually(t, func() bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err = client.Do(req)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	client.CloseIdleConnections()

	cancel()
	require.NoError(t, <-errCh)
}
