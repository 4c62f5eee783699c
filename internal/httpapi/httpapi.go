// Package httpapi serves the HTTP/SSE surface spec.md §6 describes as
// "consumed from the core by the dashboard server": health, quota, job
// listing, system stats, task submission, steering, and a live SSE event
// stream, plus an SPA fallback and per-IP rate limiting. There is no single
// teacher analogue for this exact route set; the mux-per-route/handleXxx
// naming and the goroutine-per-request SSE flush loop follow the
// net/http-plus-helper-functions style of example/cmd/assistant/main.go's
// handleHTTPServer, and the per-IP token bucket uses
// golang.org/x/time/rate, already in the teacher's dependency closure via
// internal/circuitbreaker's probe limiter.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ryaker/zora/internal/event"
	"github.com/ryaker/zora/internal/eventbus"
	"github.com/ryaker/zora/internal/pipeline"
	"github.com/ryaker/zora/internal/provider"
	"github.com/ryaker/zora/internal/session"
	"github.com/ryaker/zora/internal/steering"
	"github.com/ryaker/zora/internal/telemetry"
)

// Core is the subset of *orchestrator.Orchestrator this package depends on;
// declared here (rather than importing internal/orchestrator directly) so
// this package can be unit tested against a fake.
type Core interface {
	SubmitTask(ctx context.Context, prompt string, opts pipeline.Options) string
	Events() eventbus.Bus
	Providers() []provider.Provider
	Sessions() *session.FileStore
	Steering() *steering.Inbox
	IsSteerable(jobID string) bool
}

// Server wires Core onto an http.Handler implementing spec.md §6's routes.
type Server struct {
	core      Core
	logger    telemetry.Logger
	spaDir    http.Handler
	startedAt time.Time

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs a Server. spa serves the dashboard's static assets for any
// unrecognized non-/api/ path; pass http.NotFoundHandler() if none exists.
func New(core Core, logger telemetry.Logger, spa http.Handler) *Server {
	if spa == nil {
		spa = http.NotFoundHandler()
	}
	return &Server{core: core, logger: logger, spaDir: spa, startedAt: time.Now().UTC(), limiters: make(map[string]*rate.Limiter)}
}

// Handler returns the routed, rate-limited http.Handler to pass to
// http.Server.Handler / http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/quota", s.handleQuota)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/system", s.handleSystem)
	mux.HandleFunc("/api/task", s.handleTask)
	mux.HandleFunc("/api/steer", s.handleSteer)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.Handle("/", s.spaFallback())
	return s.rateLimit(mux)
}

// rateLimit enforces a per-IP window of 500 requests / 15 minutes (spec.md
// §6 "Rate limit"), returning 429 with the spec's literal error body.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	const windowReqs = 500
	const window = 15 * time.Minute
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiterFor(ip, windowReqs, window).Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "error": "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(ip string, n int, window time.Duration) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Every(window/time.Duration(n)), n)
		s.limiters[ip] = lim
	}
	return lim
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) spaFallback() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
			return
		}
		s.spaDir.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type providerHealth struct {
		Name           string     `json:"name"`
		Valid          bool       `json:"valid"`
		ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
		CanAutoRefresh bool       `json:"canAutoRefresh"`
	}
	var out []providerHealth
	for _, p := range s.core.Providers() {
		status, err := p.CheckAuth(r.Context())
		if err != nil {
			status = provider.AuthStatus{}
		}
		out = append(out, providerHealth{Name: p.Name(), Valid: status.Valid, ExpiresAt: status.ExpiresAt, CanAutoRefresh: status.CanAutoRefresh})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "providers": out})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	type providerQuota struct {
		Name     string              `json:"name"`
		Auth     provider.AuthStatus `json:"auth"`
		Quota    provider.QuotaStatus `json:"quota"`
		Usage    provider.Usage      `json:"usage"`
		CostTier string              `json:"costTier"`
	}
	var out []providerQuota
	for _, p := range s.core.Providers() {
		auth, _ := p.CheckAuth(r.Context())
		out = append(out, providerQuota{
			Name: p.Name(), Auth: auth, Quota: p.GetQuotaStatus(r.Context()),
			Usage: p.GetUsage(), CostTier: p.CostTier(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.core.Sessions().ListJobs(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobs": jobs})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime": time.Since(s.startedAt).Seconds(),
		"memory": map[string]any{"used": mem.Alloc, "total": mem.Sys},
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "method not allowed"})
		return
	}
	var body struct {
		Prompt          string `json:"prompt"`
		ModelPreference string `json:"modelPreference"`
		MaxCostTier     string `json:"maxCostTier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "prompt is required"})
		return
	}
	jobID := s.core.SubmitTask(context.Background(), body.Prompt, pipeline.Options{
		ModelPreference: body.ModelPreference, MaxCostTier: body.MaxCostTier,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobId": jobID})
}

func (s *Server) handleSteer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "method not allowed"})
		return
	}
	var body struct {
		JobID   string `json:"jobId"`
		Message string `json:"message"`
		Author  string `json:"author"`
		Source  string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil ||
		body.JobID == "" || body.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "jobId and message are required"})
		return
	}
	if !s.core.IsSteerable(body.JobID) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "jobId is not an active task"})
		return
	}
	if _, err := s.core.Steering().Submit(body.JobID, body.Author, body.Message, body.Source); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleEvents serves the SSE stream: a first `{"type":"connected"}` frame,
// then one JSON envelope per broadcast event (spec.md §6).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected"}`)
	flusher.Flush()

	frames := make(chan []byte, 64)
	sub, err := s.core.Events().Register(eventbus.SubscriberFunc(func(_ context.Context, e event.Event) error {
		b, err := json.Marshal(envelope{Type: string(e.Kind), Timestamp: e.Timestamp, Source: e.Source, Data: e})
		if err != nil {
			return nil
		}
		select {
		case frames <- b:
		default:
			// slow subscriber: drop rather than block the publisher.
		}
		return nil
	}))
	if err != nil {
		return
	}
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case b := <-frames:
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

type envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
}
