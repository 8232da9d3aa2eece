/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       chatgate entry point: loads config, wires every
             subsystem (user store, brute-force guard, token
             manager, quota engine, global limiter, metrics,
             activity log, webhook, upstream client) into one
             admission.Pipeline, mounts the HTTP surface, and
             runs with graceful shutdown that flushes quota state
             before exit.
Context:     Keeps the teacher's own entry-point shape — config →
             logger → registry/pipeline → router → http.Server
             with OS signal handling — but the "registry" being
             wired is chatgate's admission pipeline, not a
             multi-provider registry, since there is exactly one
             upstream.
Suitability: L3 — wiring and graceful shutdown; the one invariant
             that matters here is that quota.SaveAll() always runs
             before the process exits.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lemonhall/chatgate/activitylog"
	"github.com/lemonhall/chatgate/admission"
	"github.com/lemonhall/chatgate/bruteforce"
	"github.com/lemonhall/chatgate/config"
	"github.com/lemonhall/chatgate/httpapi"
	"github.com/lemonhall/chatgate/logger"
	"github.com/lemonhall/chatgate/metrics"
	"github.com/lemonhall/chatgate/quota"
	"github.com/lemonhall/chatgate/ratelimit"
	"github.com/lemonhall/chatgate/redisclient"
	"github.com/lemonhall/chatgate/tokenmanager"
	"github.com/lemonhall/chatgate/upstream"
	"github.com/lemonhall/chatgate/userstore"
	"github.com/lemonhall/chatgate/webhook"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg)
	log.Info().Str("env", cfg.Env).Str("addr", cfg.Server.Addr()).Msg("chatgate starting")

	users, err := userstore.Open(cfg.Storage.UsersDir, bootstrapUsers(cfg.Auth.Users))
	if err != nil {
		log.Fatal().Err(err).Msg("user store init failed")
	}

	// Redis is an optional distributed backing store for the global rate
	// limiter and brute-force guard (spec.md's Non-goals exclude multi-node
	// coordination for the in-memory path, which remains the default and is
	// what the Testable Properties in spec.md §8 exercise). It is wired,
	// pinged, and logged exactly the way the teacher's own main.go treats
	// Redis: best-effort, never fatal to startup.
	var redisClient *redisclient.Client
	if cfg.Redis.URL != "" {
		rc, err := redisclient.New(cfg.Redis.URL)
		if err != nil {
			log.Warn().Err(err).Msg("redis init failed — continuing with in-memory limiter state")
		} else if err := rc.Ping(context.Background()); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — continuing with in-memory limiter state")
		} else {
			redisClient = rc
			log.Info().Msg("redis connected — rate limiter and brute-force guard use shared state")
		}
	}

	globalLimiter := ratelimit.New(cfg.RateLim.RequestsPerSecond)
	if redisClient != nil {
		globalLimiter.SetShared(redisclient.NewRateLimiterStore(redisClient.Raw(), "chatgate:ratelimit:global"))
	}

	bruteForceGuard := bruteforce.New(cfg.Security.Window(), cfg.Security.Threshold())
	if redisClient != nil {
		bruteForceGuard.SetShared(redisclient.NewBruteForceStore(redisClient.Raw(), "chatgate:bruteforce:"))
	}

	tokenMgr := tokenmanager.New(cfg.Auth.JWTSecret, cfg.Auth.EffectiveTTL())

	quotaEngine := quota.New(cfg.Storage.QuotaDir(), cfg.Quota.SaveInterval, users, cfg.Quota)

	metricsRegistry := metrics.NewRegistry()
	dailyTokens := metrics.NewDailyRecorder(cfg.Storage.MetricsDailyDir())

	// ClickHouse is an optional sink for the activity logger; the default
	// remains the per-user JSON-lines file sink. It is only selected when a
	// clickhouse.addr is configured, and a failure to connect falls back to
	// the file sink rather than blocking startup.
	var activitySink activitylog.Sink
	if cfg.ClickHouse.Addr != "" {
		chSink, err := activitylog.NewClickHouseSink(cfg.ClickHouse.Addr, cfg.ClickHouse.Database, cfg.ClickHouse.Username, cfg.ClickHouse.Password, log)
		if err != nil {
			log.Warn().Err(err).Msg("clickhouse sink init failed — falling back to file sink")
			activitySink = activitylog.NewFileSink(cfg.Storage.ActivityDir)
		} else {
			activitySink = chSink
			log.Info().Str("addr", cfg.ClickHouse.Addr).Msg("activity log writing to clickhouse")
		}
	} else {
		activitySink = activitylog.NewFileSink(cfg.Storage.ActivityDir)
	}
	activityLog := activitylog.New(activitySink, log)

	webhookNotifier := webhook.New(cfg.Security.WebhookURL, log)

	upstreamClient := upstream.New(upstream.ClientConfig{
		APIKey:              cfg.DeepSeek.APIKey,
		BaseURL:             cfg.DeepSeek.BaseURL,
		Timeout:             cfg.DeepSeek.Timeout(),
		PoolMaxIdlePerHost:  cfg.DeepSeek.HTTPClient.PoolMaxIdlePerHost,
		PoolIdleTimeoutSecs: cfg.DeepSeek.HTTPClient.PoolIdleTimeoutSecs,
		ConnectTimeoutSecs:  cfg.DeepSeek.HTTPClient.ConnectTimeoutSecs,
		TCPNoDelay:          cfg.DeepSeek.HTTPClient.TCPNoDelay,
		HTTP2AdaptiveWindow: cfg.DeepSeek.HTTPClient.HTTP2AdaptiveWindow,
	})

	pipeline := &admission.Pipeline{
		Limiter:     globalLimiter,
		Quota:       quotaEngine,
		Tokens:      tokenMgr,
		Users:       users,
		BruteForce:  bruteForceGuard,
		Upstream:    upstreamClient,
		Activity:    activityLog,
		Metrics:     metricsRegistry,
		DailyTokens: dailyTokens,
		Webhook:     webhookNotifier,
		Logger:      log,
		Threshold:   cfg.Security.Threshold(),
		UpgradeURL:  cfg.Quota.UpgradeURL,
	}

	api := &httpapi.API{Pipeline: pipeline, Users: users, Logger: log}
	router := httpapi.NewRouter(api)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DeepSeek.Timeout() + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr()).Msg("chatgate listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	activityLog.Stop()

	if err := quotaEngine.SaveAll(); err != nil {
		log.Error().Err(err).Msg("quota save_all failed during shutdown")
	} else {
		log.Info().Msg("quota state flushed")
	}

	log.Info().Msg("chatgate stopped gracefully")
}

func bootstrapUsers(in []config.BootstrapUser) []userstore.BootstrapUser {
	out := make([]userstore.BootstrapUser, 0, len(in))
	for _, u := range in {
		out = append(out, userstore.BootstrapUser{
			Username:  u.Username,
			Password:  u.Password,
			QuotaTier: u.QuotaTier,
		})
	}
	return out
}
