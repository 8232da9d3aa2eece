/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       Two metrics surfaces in one package: a live Prometheus
             registry (counters/histogram for login, rate-limit,
             quota, upstream and chat-request outcomes) for
             operational scraping, and a daily per-day JSON rollup
             file under metrics_dir/daily/YYYY-MM-DD.json for the
             token-accounting numbers the streaming passthrough
             reports once per request.
Context:     Upgrades the teacher's hand-rolled Prometheus text
             encoder (observability/metrics.go) to the real
             prometheus/client_golang registry, matching what the
             original Rust prototype itself uses (the real
             `prometheus` crate, not a hand-rolled exposition
             format) and what tbourn-chatbot/mihaimyh-goquota/
             suman724-llm-gateway use in the pack.
Suitability: L3 — an observability surface with one durability
             requirement (the daily JSON file must survive restarts
             within the same day).
──────────────────────────────────────────────────────────────
*/

package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lemonhall/chatgate/apperror"
	"github.com/lemonhall/chatgate/timeutil"
)

// Registry holds the live Prometheus collectors for one process.
type Registry struct {
	reg *prometheus.Registry

	LoginAttempts          *prometheus.CounterVec
	LoginBruteforceBlocked prometheus.Counter
	RateLimitRejections    prometheus.Counter
	QuotaStatus            *prometheus.CounterVec
	UpstreamLatency        prometheus.Histogram
	UpstreamErrors         *prometheus.CounterVec
	ChatRequests           *prometheus.CounterVec
}

// NewRegistry builds and registers every collector chatgate exposes.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		LoginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "login_attempts_total",
			Help: "Login attempts grouped by result",
		}, []string{"result"}),
		LoginBruteforceBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "login_bruteforce_blocked_total",
			Help: "Blocked brute force logins",
		}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by the global rate limiter",
		}),
		QuotaStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_checks_total",
			Help: "Quota check results",
		}, []string{"status"}),
		UpstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream chat-completion requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Upstream errors grouped by kind",
		}, []string{"kind"}),
		ChatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Chat requests grouped by outcome status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		r.LoginAttempts,
		r.LoginBruteforceBlocked,
		r.RateLimitRejections,
		r.QuotaStatus,
		r.UpstreamLatency,
		r.UpstreamErrors,
		r.ChatRequests,
	)

	return r
}

// Gatherer exposes the underlying prometheus.Registry for the /metrics
// HTTP handler to render via promhttp.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// UpstreamTimer times one upstream call and records it on completion.
type UpstreamTimer struct {
	start time.Time
	hist  prometheus.Histogram
}

func (r *Registry) StartUpstreamTimer() UpstreamTimer {
	return UpstreamTimer{start: time.Now(), hist: r.UpstreamLatency}
}

func (t UpstreamTimer) Observe() {
	t.hist.Observe(time.Since(t.start).Seconds())
}

// DailyTokens is the per-day token-accounting rollup, one file per
// calendar day (Beijing time) under metrics_dir/daily.
type DailyTokens struct {
	Date                  string `json:"date"`
	PromptTokens          int64  `json:"prompt_tokens"`
	CompletionTokens      int64  `json:"completion_tokens"`
	PromptCacheHitTokens  int64  `json:"prompt_cache_hit_tokens"`
	PromptCacheMissTokens int64  `json:"prompt_cache_miss_tokens"`
	EstimatedOutputTokens int64  `json:"estimated_output_tokens"`
	RequestCount          int64  `json:"request_count"`
}

// DailyRecorder accumulates DailyTokens in memory and rewrites the day's
// file (atomic rename) on every record call. The current day's file is
// loaded on first touch so a restart mid-day resumes from the last
// persisted totals instead of zeroing them.
type DailyRecorder struct {
	mu      sync.Mutex
	dir     string
	current DailyTokens
	loaded  bool
}

func NewDailyRecorder(dailyDir string) *DailyRecorder {
	return &DailyRecorder{dir: dailyDir}
}

func (d *DailyRecorder) pathFor(date string) string {
	return filepath.Join(d.dir, date+".json")
}

// ensureLoadedLocked loads today's file if the in-memory record is stale
// or uninitialized. Caller must hold d.mu.
func (d *DailyRecorder) ensureLoadedLocked(today string) {
	if d.loaded && d.current.Date == today {
		return
	}
	d.current = DailyTokens{Date: today}
	data, err := os.ReadFile(d.pathFor(today))
	if err == nil {
		_ = json.Unmarshal(data, &d.current)
		d.current.Date = today
	}
	d.loaded = true
}

// RecordUsageFrame records one parsed SSE usage frame's token counts, once
// per request.
func (d *DailyRecorder) RecordUsageFrame(prompt, completion, cacheHit, cacheMiss int64) error {
	today := timeutil.NowBeijing().Format("2006-01-02")

	d.mu.Lock()
	d.ensureLoadedLocked(today)
	d.current.PromptTokens += prompt
	d.current.CompletionTokens += completion
	d.current.PromptCacheHitTokens += cacheHit
	d.current.PromptCacheMissTokens += cacheMiss
	d.current.RequestCount++
	snapshot := d.current
	d.mu.Unlock()

	return d.writeFile(today, snapshot)
}

// RecordEstimatedOutput records the total_bytes/4 fallback estimate used
// when no usage frame was observed in the stream.
func (d *DailyRecorder) RecordEstimatedOutput(estimatedTokens int64) error {
	today := timeutil.NowBeijing().Format("2006-01-02")

	d.mu.Lock()
	d.ensureLoadedLocked(today)
	d.current.EstimatedOutputTokens += estimatedTokens
	d.current.RequestCount++
	snapshot := d.current
	d.mu.Unlock()

	return d.writeFile(today, snapshot)
}

func (d *DailyRecorder) writeFile(date string, st DailyTokens) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return apperror.Wrap(apperror.KindInternal, "create metrics daily dir", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "marshal daily tokens", err)
	}
	path := d.pathFor(date)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperror.Wrap(apperror.KindInternal, "write daily tokens", err)
	}
	return os.Rename(tmp, path)
}
