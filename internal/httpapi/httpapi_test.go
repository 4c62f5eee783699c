package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryaker/zora/internal/event"
	"github.com/ryaker/zora/internal/eventbus"
	"github.com/ryaker/zora/internal/pipeline"
	"github.com/ryaker/zora/internal/provider"
	"github.com/ryaker/zora/internal/session"
	"github.com/ryaker/zora/internal/steering"
)

type fakeProvider struct {
	name     string
	costTier string
	auth     provider.AuthStatus
	quota    provider.QuotaStatus
	usage    provider.Usage
}

func (p *fakeProvider) Name() string                 { return p.name }
func (p *fakeProvider) Capabilities() []string        { return nil }
func (p *fakeProvider) CostTier() string              { return p.costTier }
func (p *fakeProvider) Rank() int                     { return 0 }
func (p *fakeProvider) IsAvailable(context.Context) bool { return true }
func (p *fakeProvider) CheckAuth(context.Context) (provider.AuthStatus, error) {
	return p.auth, nil
}
func (p *fakeProvider) GetQuotaStatus(context.Context) provider.QuotaStatus { return p.quota }
func (p *fakeProvider) GetUsage() provider.Usage                           { return p.usage }
func (p *fakeProvider) Execute(context.Context, provider.TaskContext) (<-chan event.Event, error) {
	return nil, nil
}
func (p *fakeProvider) Abort(string) {}

type fakeCore struct {
	submittedPrompt string
	jobID           string
	providers       []provider.Provider
	bus             eventbus.Bus
	sessions        *session.FileStore
	steer           *steering.Inbox
	steerable       bool
}

func (c *fakeCore) SubmitTask(_ context.Context, prompt string, _ pipeline.Options) string {
	c.submittedPrompt = prompt
	return c.jobID
}
func (c *fakeCore) Events() eventbus.Bus             { return c.bus }
func (c *fakeCore) Providers() []provider.Provider   { return c.providers }
func (c *fakeCore) Sessions() *session.FileStore     { return c.sessions }
func (c *fakeCore) Steering() *steering.Inbox        { return c.steer }
func (c *fakeCore) IsSteerable(jobID string) bool    { return c.steerable }

func newTestCore(t *testing.T) *fakeCore {
	t.Helper()
	sessions, err := session.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return &fakeCore{
		jobID:    "job-123",
		bus:      eventbus.New(),
		sessions: sessions,
		steer:    steering.NewInbox(t.TempDir()),
		providers: []provider.Provider{
			&fakeProvider{
				name: "anthropic", costTier: "premium",
				auth:  provider.AuthStatus{Valid: true},
				quota: provider.QuotaStatus{HealthScore: 1},
			},
		},
	}
}

func TestHandleHealth(t *testing.T) {
	core := newTestCore(t)
	srv := New(core, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, true, body["ok"])
	providers := body["providers"].([]any)
	require.Len(t, providers, 1)
}

func TestHandleQuota(t *testing.T) {
	core := newTestCore(t)
	srv := New(core, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/quota", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body, 1)
	require.Equal(t, "anthropic", body[0]["name"])
}

func TestHandleTaskSubmitsPrompt(t *testing.T) {
	core := newTestCore(t)
	srv := New(core, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/task", strings.NewReader(`{"prompt":"do the thing"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, true, body["ok"])
	require.Equal(t, "job-123", body["jobId"])
	require.Equal(t, "do the thing", core.submittedPrompt)
}

func TestHandleTaskRejectsEmptyPrompt(t *testing.T) {
	core := newTestCore(t)
	srv := New(core, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/task", strings.NewReader(`{"prompt":""}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSteerRejectsNonSteerableJob(t *testing.T) {
	core := newTestCore(t)
	core.steerable = false
	srv := New(core, nil, nil)

	body := `{"jobId":"job-123","message":"stop","author":"user","source":"dashboard"}`
	req := httptest.NewRequest(http.MethodPost, "/api/steer", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSteerAcceptsSteerableJob(t *testing.T) {
	core := newTestCore(t)
	core.steerable = true
	srv := New(core, nil, nil)

	body := `{"jobId":"job-123","message":"stop","author":"user","source":"dashboard"}`
	req := httptest.NewRequest(http.MethodPost, "/api/steer", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	msgs, err := core.steer.Drain("job-123")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "stop", msgs[0].Text)
}

func TestHandleJobsListsSessions(t *testing.T) {
	core := newTestCore(t)
	require.NoError(t, core.sessions.Append(context.Background(), "job-abc", event.Event{Kind: event.KindDone}))
	srv := New(core, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	jobs := body["jobs"].([]any)
	require.Contains(t, jobs, "job-abc")
}

func TestHandleSystemReportsUptimeAndMemory(t *testing.T) {
	core := newTestCore(t)
	srv := New(core, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/system", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Contains(t, body, "uptime")
	require.Contains(t, body, "memory")
}

func TestSPAFallbackServesUnknownPaths(t *testing.T) {
	core := newTestCore(t)
	spa := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>dashboard</html>"))
	})
	srv := New(core, nil, spa)

	req := httptest.NewRequest(http.MethodGet, "/some/client/route", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "dashboard")
}

func TestEventsStreamEmitsConnectedFrameThenEvents(t *testing.T) {
	core := newTestCore(t)
	srv := New(core, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.Handler().ServeHTTP(w, req)
		close(done)
	}()

	// Give the handler a moment to register its subscriber and flush the
	// connected frame, then publish one event through the shared bus.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, core.bus.Publish(context.Background(), event.Event{
		Kind: event.KindText, Source: "test", Timestamp: time.Now(),
	}))
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	scanner := bufio.NewScanner(strings.NewReader(w.Body.String()))
	var frames []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	require.GreaterOrEqual(t, len(frames), 2)
	require.JSONEq(t, `{"type":"connected"}`, frames[0])
	require.Contains(t, frames[1], `"type":"text"`)
}

func TestRateLimitReturns429AfterBurst(t *testing.T) {
	core := newTestCore(t)
	srv := New(core, nil, nil)
	handler := srv.Handler()

	var lastCode int
	for i := 0; i < 510; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/system", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		lastCode = w.Code
	}
	require.Equal(t, http.StatusTooManyRequests, lastCode)
}
