package status

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/lantorrent/client"
	"github.com/InsulaLabs/lantorrent/internal/tkv"
	"github.com/InsulaLabs/lantorrent/internal/tracker"
	"github.com/InsulaLabs/lantorrent/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "status-test-token"

// gateSender succeeds for every target once gate is closed.
type gateSender struct {
	gate chan struct{}
}

func (g *gateSender) Send(ctx context.Context, req client.Request) (models.Report, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return models.Report{}, ctx.Err()
		}
	}
	var report models.Report
	for _, t := range req.Targets {
		report.Records = append(report.Records, models.CompletionRecord{ID: t.ID, Host: t.Host, Port: t.Port, Path: t.Path, Bytes: 1})
	}
	return report, nil
}

type fixture struct {
	server  *httptest.Server
	tracker *tracker.Tracker
}

func newFixture(t *testing.T, sender tracker.Sender, rateLimit float64) *fixture {
	t.Helper()
	return newModeFixture(t, sender, rateLimit, tracker.ModeAsync)
}

func newModeFixture(t *testing.T, sender tracker.Sender, rateLimit float64, mode tracker.Mode) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := tkv.New(tkv.Config{Logger: logger, InMemory: true})
	require.NoError(t, err)

	tr, err := tracker.New(tracker.Config{
		Logger:       logger,
		Store:        store,
		Sender:       sender,
		Mode:         mode,
		RetryDelay:   10 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := New(Config{
		Logger:      logger,
		Tracker:     tr,
		AppCtx:      ctx,
		Token:       testToken,
		MaxAttempts: 3,
		RateLimit:   rateLimit,
		RateBurst:   1,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
		srv.Close()
		tr.Close()
		store.Close()
	})
	return &fixture{server: ts, tracker: tr}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func submitBody(id string) models.SubmitRequest {
	return models.SubmitRequest{
		RequestID:  id,
		SourcePath: "/src/file.img",
		Targets:    []models.Target{{Host: "10.0.0.2", Port: 7000, Path: "/data/file.img"}},
	}
}

func TestUnauthorized(t *testing.T) {
	f := newFixture(t, &gateSender{}, 0)
	resp, err := http.Get(f.server.URL + "/v1/requests")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitPollLifecycle(t *testing.T) {
	f := newFixture(t, &gateSender{}, 0)

	resp, body := f.do(t, http.MethodPost, "/v1/requests", submitBody("life"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var submitted models.SubmitResponse
	require.NoError(t, json.Unmarshal(body, &submitted))
	assert.Equal(t, "life", submitted.RequestID)

	var outcome models.RequestOutcome
	require.Eventually(t, func() bool {
		resp, body := f.do(t, http.MethodPost, "/v1/requests/life/poll", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.Unmarshal(body, &outcome) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, outcome.Success)
	assert.Equal(t, models.StateSucceeded, outcome.State)

	resp, _ = f.do(t, http.MethodPost, "/v1/requests/life/poll", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/requests/life", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPendingPollAndPeek(t *testing.T) {
	sender := &gateSender{gate: make(chan struct{})}
	defer close(sender.gate)
	f := newFixture(t, sender, 0)

	resp, _ := f.do(t, http.MethodPost, "/v1/requests", submitBody("slow"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/v1/requests/slow/poll?max_attempts=5", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var outcome models.RequestOutcome
	require.NoError(t, json.Unmarshal(body, &outcome))
	assert.Equal(t, models.StatePending, outcome.State)

	resp, body = f.do(t, http.MethodGet, "/v1/requests/slow", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec models.TrackedRequest
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "slow", rec.RequestID)
	assert.Equal(t, "slow/0", rec.Targets[0].ID)

	resp, body = f.do(t, http.MethodGet, "/v1/requests", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.TrackedRequest
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, _ = f.do(t, http.MethodPost, "/v1/requests/slow/poll?max_attempts=lots", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, &gateSender{}, 0)

	resp, _ := f.do(t, http.MethodPost, "/v1/requests", models.SubmitRequest{Targets: []models.Target{{Path: "/x"}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad := submitBody("nopath")
	bad.Targets[0].Path = ""
	resp, _ = f.do(t, http.MethodPost, "/v1/requests", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/requests", submitBody("dup"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, body := f.do(t, http.MethodPost, "/v1/requests", submitBody("dup"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var errResp models.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "duplicate_request", errResp.ErrorType)
}

func TestSubmitRejectsSharedTargetIDs(t *testing.T) {
	f := newFixture(t, &gateSender{}, 0)

	tests := []struct {
		name    string
		targets []models.Target
	}{
		{"explicit ids", []models.Target{
			{ID: "x", Host: "10.0.0.2", Port: 7000, Path: "/data/a"},
			{ID: "x", Host: "10.0.0.3", Port: 7000, Path: "/data/a"},
		}},
		{"explicit id equals a generated one", []models.Target{
			{ID: "shared/1", Host: "10.0.0.2", Port: 7000, Path: "/data/a"},
			{Host: "10.0.0.3", Port: 7000, Path: "/data/a"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := models.SubmitRequest{RequestID: "shared", SourcePath: "/src/file.img", Targets: tt.targets}
			resp, data := f.do(t, http.MethodPost, "/v1/requests", body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
			assert.Contains(t, string(data), "invalid_targets")

			resp, _ = f.do(t, http.MethodGet, "/v1/requests/shared", nil)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		})
	}
}

func TestSubmitDoesNotWaitForSyncTracker(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newModeFixture(t, &gateSender{gate: gate}, 0, tracker.ModeSync)

	payload, err := json.Marshal(submitBody("sync-http"))
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/v1/requests", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", testToken)

	done := make(chan int, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	select {
	case code := <-done:
		assert.Equal(t, http.StatusAccepted, code)
	case <-time.After(2 * time.Second):
		t.Fatal("submit waited for the broadcast")
	}

	resp, body := f.do(t, http.MethodGet, "/v1/requests/sync-http", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec models.TrackedRequest
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, models.StatePending, rec.State)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, &gateSender{}, 0.001)

	resp, _ := f.do(t, http.MethodGet, "/v1/requests", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/requests", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Limits are per route.
	resp, _ = f.do(t, http.MethodPost, "/v1/requests/none/poll", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, &gateSender{}, 0)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/events"
	header := http.Header{}
	header.Set("Authorization", testToken)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	// The subscription is registered after the upgrade; give it a moment.
	time.Sleep(50 * time.Millisecond)

	r, _ := f.do(t, http.MethodPost, "/v1/requests", submitBody("watched"))
	require.Equal(t, http.StatusAccepted, r.StatusCode)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, message, err := conn.ReadMessage()
		require.NoError(t, err)
		var event models.EventPayload
		require.NoError(t, json.Unmarshal(message, &event))
		assert.Equal(t, models.TopicFor(event.Data.State), event.Topic)
		assert.False(t, event.EmittedAt.IsZero())
		if event.Data.RequestID == "watched" && event.Topic == models.TopicRequestSucceeded {
			break
		}
	}
}
