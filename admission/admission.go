/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       Glues the rate limiter, quota engine, token/permit
             manager, user store, brute-force guard and upstream
             client into the two request pipelines: login
             (brute-force guard → credential check → token
             issuance) and chat
             admission (global limit → quota check → permit
             acquire → upstream call → quota increment only after
             upstream accepts).
Context:     This is new glue code with no single teacher file
             equivalent — router/router.go wires middleware chains
             the same declarative way, and handler/proxy.go shows
             the admission-order-then-writeError idiom this package
             follows, but neither file has a quota/permit/brute-
             force pipeline to adapt directly.
Suitability: L4 — the strict ordering here (limiter, then quota,
             then permit, then upstream, then increment) is the
             entire billing and abuse-prevention contract.
──────────────────────────────────────────────────────────────
*/

package admission

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lemonhall/chatgate/activitylog"
	"github.com/lemonhall/chatgate/apperror"
	"github.com/lemonhall/chatgate/bruteforce"
	"github.com/lemonhall/chatgate/metrics"
	"github.com/lemonhall/chatgate/quota"
	"github.com/lemonhall/chatgate/ratelimit"
	"github.com/lemonhall/chatgate/stream"
	"github.com/lemonhall/chatgate/tokenmanager"
	"github.com/lemonhall/chatgate/upstream"
	"github.com/lemonhall/chatgate/userstore"
	"github.com/lemonhall/chatgate/webhook"
)

// Pipeline wires every subsystem a request needs to cross the admission
// boundary.
type Pipeline struct {
	Limiter     *ratelimit.Bucket
	Quota       *quota.Engine
	Tokens      *tokenmanager.Manager
	Users       *userstore.Store
	BruteForce  *bruteforce.Guard
	Upstream    *upstream.Client
	Activity    *activitylog.Logger
	Metrics     *metrics.Registry
	DailyTokens *metrics.DailyRecorder
	Webhook     *webhook.Notifier
	Logger      zerolog.Logger
	Threshold   int
	UpgradeURL  string
}

// LoginResult is returned on a successful login.
type LoginResult struct {
	Token     string
	ExpiresIn time.Duration
}

// Login runs the full login pipeline: global limit, brute-force check,
// credential verification, and — on success — token issuance.
func (p *Pipeline) Login(ctx context.Context, username, password, ip string) (LoginResult, error) {
	if ok, wait := p.Limiter.Acquire(); !ok {
		p.Metrics.RateLimitRejections.Inc()
		return LoginResult{}, apperror.New(apperror.KindTooManyRequests, "rate limited").
			WithDetails(map[string]any{"wait_hint_seconds": wait.Seconds()})
	}

	if p.BruteForce.ShouldBlock(username, ip) {
		p.emitBruteForceBlocked(ctx, username, ip)
		return LoginResult{}, apperror.New(apperror.KindTooManyRequests, "too many failed login attempts")
	}

	rec, ok := p.Users.Find(username, password)
	if !ok || !rec.IsActive {
		count := p.BruteForce.RecordFailure(username, ip)
		p.Metrics.LoginAttempts.WithLabelValues("failure").Inc()
		p.Activity.Log(username, activitylog.ActionError, map[string]any{"reason": "login_failed", "ip": ip})

		if count >= p.Threshold {
			p.emitBruteForceBlocked(ctx, username, ip)
		}

		if ok && !rec.IsActive {
			return LoginResult{}, apperror.New(apperror.KindAccountDisabled, "account disabled")
		}
		return LoginResult{}, apperror.New(apperror.KindUnauthorized, "invalid credentials")
	}

	if p.BruteForce.ShouldBlock(username, ip) {
		p.emitBruteForceBlocked(ctx, username, ip)
		return LoginResult{}, apperror.New(apperror.KindTooManyRequests, "too many failed login attempts")
	}

	p.BruteForce.ResetOnSuccess(username, ip)
	p.Metrics.LoginAttempts.WithLabelValues("success").Inc()

	token, expiresIn, err := p.Tokens.GetOrIssue(username, func() (string, error) {
		return p.Tokens.MintHS256(username)
	})
	if err != nil {
		return LoginResult{}, err
	}

	p.Activity.Log(username, activitylog.ActionLogin, map[string]any{"ip": ip})

	return LoginResult{Token: token, ExpiresIn: expiresIn}, nil
}

func (p *Pipeline) emitBruteForceBlocked(ctx context.Context, username, ip string) {
	p.Metrics.LoginBruteforceBlocked.Inc()
	p.Activity.Log(username, activitylog.ActionError, map[string]any{"reason": "login_bruteforce_blocked", "ip": ip})
	p.Webhook.NotifyAsync("login_bruteforce_blocked", map[string]any{"username": username, "ip": ip})
}

// Chat runs the full admission pipeline for one chat-completion request
// and streams the upstream response directly to w. The permit acquired
// here is released inside the streaming passthrough regardless of how the
// stream ends.
func (p *Pipeline) Chat(w http.ResponseWriter, r *http.Request, username string, body map[string]any) error {
	if ok, wait := p.Limiter.Acquire(); !ok {
		p.Metrics.RateLimitRejections.Inc()
		return apperror.New(apperror.KindTooManyRequests, "rate limited").
			WithDetails(map[string]any{"wait_hint_seconds": wait.Seconds()})
	}

	qst, err := p.Quota.CheckQuota(username)
	if err != nil {
		return err
	}
	if qst.UsedCount >= int64(qst.MonthlyLimit) {
		p.Metrics.QuotaStatus.WithLabelValues("exceeded").Inc()
		p.Activity.Log(username, activitylog.ActionQuotaExceeded, nil)
		return apperror.New(apperror.KindQuotaExceeded, "monthly quota exceeded").
			WithDetails(map[string]any{"used": qst.UsedCount, "limit": qst.MonthlyLimit, "reset_at": qst.ResetAt}).
			WithUpgradeURL(p.UpgradeURL)
	}

	release, err := p.Tokens.AcquirePermit(username)
	if err != nil {
		if ae, ok := apperror.As(err); ok && ae.Kind == apperror.KindTooManyRequests {
			p.Activity.Log(username, activitylog.ActionRateLimited, nil)
		}
		return err
	}

	timer := p.Metrics.StartUpstreamTimer()
	resp, err := p.Upstream.ChatCompletionStream(r.Context(), body)
	timer.Observe()
	if err != nil {
		release()
		if ae, ok := apperror.As(err); ok {
			p.Metrics.UpstreamErrors.WithLabelValues(string(ae.Kind)).Inc()
		}
		return err
	}

	if _, err := p.Quota.IncrementQuota(username); err != nil {
		release()
		resp.Body.Close()
		return err
	}
	p.Metrics.QuotaStatus.WithLabelValues("ok").Inc()
	p.Activity.Log(username, activitylog.ActionChatRequest, nil)
	p.Metrics.ChatRequests.WithLabelValues("200").Inc()

	stream.Passthrough(r.Context(), w, resp.Body, release, p.DailyTokens, p.Logger)
	return nil
}
