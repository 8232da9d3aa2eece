package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestNotifyPostsJSONPayload(t *testing.T) {
	var mu sync.Mutex
	var received map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, zerolog.Nop())
	n.Notify(context.Background(), "login_bruteforce_blocked", map[string]any{"username": "alice"})

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("expected webhook body to be received")
	}
	if received["event"] != "login_bruteforce_blocked" {
		t.Fatalf("unexpected event field: %v", received["event"])
	}
}

func TestNotifyNoopWhenURLEmpty(t *testing.T) {
	n := New("", zerolog.Nop())
	n.Notify(context.Background(), "login_bruteforce_blocked", nil)
}
