package admission

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lemonhall/chatgate/activitylog"
	"github.com/lemonhall/chatgate/apperror"
	"github.com/lemonhall/chatgate/bruteforce"
	"github.com/lemonhall/chatgate/metrics"
	"github.com/lemonhall/chatgate/quota"
	"github.com/lemonhall/chatgate/ratelimit"
	"github.com/lemonhall/chatgate/tokenmanager"
	"github.com/lemonhall/chatgate/upstream"
	"github.com/lemonhall/chatgate/userstore"
	"github.com/lemonhall/chatgate/webhook"
)

type tierLimiter struct{}

func (tierLimiter) LimitFor(tier string) int {
	if tier == "pro" {
		return 1000
	}
	return 500
}

type userTiers struct{ store *userstore.Store }

func (u userTiers) TierOf(username string) (string, bool) {
	rec, ok := u.store.Get(username)
	if !ok {
		return "", false
	}
	return rec.QuotaTier, true
}

func newTestPipeline(t *testing.T, upstreamURL string) (*Pipeline, *userstore.Store) {
	t.Helper()

	users, err := userstore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("userstore.Open: %v", err)
	}
	if _, err := users.Create("alice", "pw", "basic"); err != nil {
		t.Fatalf("Create user: %v", err)
	}

	q := quota.New(t.TempDir(), 100, userTiers{store: users}, tierLimiter{})
	tm := tokenmanager.New("secret", time.Minute)
	bf := bruteforce.New(time.Minute, 3)

	var up *upstream.Client
	if upstreamURL != "" {
		up = upstream.New(upstream.ClientConfig{APIKey: "k", BaseURL: upstreamURL, Timeout: 5 * time.Second})
	}

	p := &Pipeline{
		Limiter:     ratelimit.New(100),
		Quota:       q,
		Tokens:      tm,
		Users:       users,
		BruteForce:  bf,
		Upstream:    up,
		Activity:    activitylog.New(activitylog.NewFileSink(t.TempDir()), zerolog.Nop()),
		Metrics:     metrics.NewRegistry(),
		DailyTokens: metrics.NewDailyRecorder(t.TempDir()),
		Webhook:     webhook.New("", zerolog.Nop()),
		Logger:      zerolog.Nop(),
		Threshold:   3,
	}
	t.Cleanup(p.Activity.Stop)

	return p, users
}

func TestLoginSucceedsAndIssuesToken(t *testing.T) {
	p, _ := newTestPipeline(t, "")

	result, err := p.Login(nil, "alice", "pw", "1.2.3.4")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.Token == "" {
		t.Fatal("expected a non-empty token")
	}
}

func TestLoginFailsWithWrongPassword(t *testing.T) {
	p, _ := newTestPipeline(t, "")

	_, err := p.Login(nil, "alice", "wrong", "1.2.3.4")
	if err == nil {
		t.Fatal("expected error for wrong password")
	}
	ae, ok := apperror.As(err)
	if !ok || ae.Kind != apperror.KindUnauthorized {
		t.Fatalf("expected KindUnauthorized, got %v", err)
	}
}

func TestLoginBlocksAfterThresholdFailures(t *testing.T) {
	p, _ := newTestPipeline(t, "")

	for i := 0; i < 3; i++ {
		p.Login(nil, "alice", "wrong", "9.9.9.9")
	}

	_, err := p.Login(nil, "alice", "pw", "9.9.9.9")
	if err == nil {
		t.Fatal("expected block even with correct password once threshold crossed")
	}
	ae, ok := apperror.As(err)
	if !ok || ae.Kind != apperror.KindTooManyRequests {
		t.Fatalf("expected KindTooManyRequests, got %v", err)
	}
}

func TestChatRejectsWhenQuotaExceeded(t *testing.T) {
	p, users := newTestPipeline(t, "")
	_ = users

	// Drain the user's quota down to the limit by incrementing directly.
	for i := 0; i < 500; i++ {
		if _, err := p.Quota.IncrementQuota("alice"); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/chat/completions", nil)
	rec := httptest.NewRecorder()

	err := p.Chat(rec, req, "alice", map[string]any{"model": "chat"})
	if err == nil {
		t.Fatal("expected quota_exceeded error")
	}
	ae, ok := apperror.As(err)
	if !ok || ae.Kind != apperror.KindQuotaExceeded {
		t.Fatalf("expected KindQuotaExceeded, got %v", err)
	}
}

func TestChatStreamsSuccessfullyAndIncrementsQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":5}}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	p, _ := newTestPipeline(t, srv.URL)

	req := httptest.NewRequest(http.MethodPost, "/chat/completions", nil)
	rec := httptest.NewRecorder()

	if err := p.Chat(rec, req, "alice", map[string]any{"model": "chat"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	st, err := p.Quota.CheckQuota("alice")
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if st.UsedCount != 1 {
		t.Fatalf("expected quota incremented to 1, got %d", st.UsedCount)
	}
}

func TestChatUpstreamFailureDoesNotIncrementQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := newTestPipeline(t, srv.URL)

	req := httptest.NewRequest(http.MethodPost, "/chat/completions", nil)
	rec := httptest.NewRecorder()

	err := p.Chat(rec, req, "alice", map[string]any{"model": "chat"})
	if err == nil {
		t.Fatal("expected upstream error")
	}

	st, err := p.Quota.CheckQuota("alice")
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if st.UsedCount != 0 {
		t.Fatalf("expected quota unchanged after upstream failure, got %d", st.UsedCount)
	}
}
