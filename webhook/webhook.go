/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       Best-effort fire-and-forget POST to a configured
             webhook URL. Disabled whenever the URL is empty; a
             delivery failure is logged and swallowed, never
             propagated to the caller.
Context:     Generalizes the gateway's PagerDuty Events API v2
             client into a plain configurable-URL notifier — there
             is exactly one event kind here (brute-force block),
             not a whole incident taxonomy, so the payload shape is
             a flat JSON object rather than PagerDuty's envelope.
Suitability: L2 — a standard outbound HTTP webhook call.
──────────────────────────────────────────────────────────────
*/

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Notifier posts best-effort JSON events to a configured URL.
type Notifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// New returns a Notifier. An empty url makes every Notify call a no-op.
func New(url string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger.With().Str("component", "webhook").Logger(),
	}
}

// Notify posts event as JSON with the given event kind and detail fields.
// It never blocks the caller for long and never returns an error the caller
// is expected to act on — delivery problems are logged only.
func (n *Notifier) Notify(ctx context.Context, event string, details map[string]any) {
	if n == nil || n.url == "" {
		return
	}

	payload := map[string]any{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"details":   details,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error().Err(err).Str("event", event).Msg("webhook: marshal failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error().Err(err).Str("event", event).Msg("webhook: build request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn().Err(err).Str("event", event).Msg("webhook: delivery failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		n.logger.Warn().Int("status", resp.StatusCode).Str("event", event).Msg("webhook: non-2xx response")
	}
}

// NotifyAsync is Notify run in its own goroutine with a bounded timeout, for
// call sites on the hot path that must never wait on network I/O.
func (n *Notifier) NotifyAsync(event string, details map[string]any) {
	if n == nil || n.url == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.Notify(ctx, event, details)
	}()
}
