package api

import (
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

	"github.com/BTreeMap/MemoryPipe/internal/embedding"
	"github.com/BTreeMap/MemoryPipe/internal/metrics"
	"github.com/BTreeMap/MemoryPipe/internal/models"
	"github.com/BTreeMap/MemoryPipe/internal/publisher"
)

type fakeEmbedding struct {
	available bool
	reason    string
	stats     []embedding.ProviderStat
}

func (f fakeEmbedding) Stats() []embedding.ProviderStat { return f.stats }
func (f fakeEmbedding) IsAvailable() bool               { return f.available }
func (f fakeEmbedding) UnavailableReason() string       { return f.reason }

type fakePublisher struct{ stats publisher.Stats }

func (f fakePublisher) Stats() publisher.Stats { return f.stats }

type response struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func get(t *testing.T, h http.Handler, path string) (int, response) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var resp response
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	}
	return rr.Code, resp
}

func TestHealthz(t *testing.T) {
	s := NewServer(
		WithHealthCheck("redis", func(context.Context) error { return nil }),
		WithEmbeddingStats(fakeEmbedding{available: true}),
	)
	code, resp := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(models.APIStatusOK), resp.Status)
	assert.Contains(t, string(resp.Result), `"redis":"ok"`)
}

func TestHealthzFailingCheck(t *testing.T) {
	s := NewServer(
		WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
		WithHealthCheck("store", func(context.Context) error { return nil }),
	)
	code, resp := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, string(models.APIStatusError), resp.Status)
	assert.Contains(t, string(resp.Result), "connection refused")
	assert.Contains(t, string(resp.Result), `"store":"ok"`)
}

func TestHealthzDegradedEmbeddings(t *testing.T) {
	s := NewServer(WithEmbeddingStats(fakeEmbedding{reason: "openai: missing credential"}))
	code, resp := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(models.APIStatusDegraded), resp.Status)
	assert.Contains(t, resp.Message, "missing credential")
}

func TestProviderStats(t *testing.T) {
	stats := []embedding.ProviderStat{{Provider: "openai", RequestCount: 3, SuccessCount: 2, FailureCount: 1}}
	s := NewServer(WithEmbeddingStats(fakeEmbedding{available: true, stats: stats}))

	code, resp := get(t, s.Handler(), "/stats/providers")
	require.Equal(t, http.StatusOK, code)
	var got []embedding.ProviderStat
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	assert.Equal(t, stats, got)

	code, resp = get(t, NewServer().Handler(), "/stats/providers")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(models.APIStatusDegraded), resp.Status)
}

func TestPublisherStats(t *testing.T) {
	s := NewServer(WithPublisherStats(fakePublisher{stats: publisher.Stats{QueueDepth: 4, QueueMaxSize: 1000, Connected: false}}))
	code, resp := get(t, s.Handler(), "/stats/publisher")
	require.Equal(t, http.StatusOK, code)
	var got publisher.Stats
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	assert.Equal(t, 4, got.QueueDepth)
	assert.False(t, got.Connected)

	code, _ = get(t, NewServer().Handler(), "/stats/publisher")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.SetQueueDepth(7)
	s := NewServer(WithMetrics(m))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "memorypipe_publisher_queue_depth 7")
}

func TestMount(t *testing.T) {
	s := NewServer()
	s.Mount("/twilio/whatsapp", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/twilio/whatsapp", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	rr := httptest.NewRecorder()
	NewServer().Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := NewServer(WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNotFoundIsJSON(t *testing.T) {
	code, resp := get(t, NewServer().Handler(), "/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(models.APIStatusError), resp.Status)
	assert.Contains(t, resp.Message, "/nope")
}
