/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       Thin chi router mounting /auth/login, /chat/completions
             and the loopback-only /admin/users routes over the
             admission pipeline and user store; maps *apperror.Error
             to HTTP status + JSON body exactly once, at the edge.
Context:     Middleware chain and request-logging shape grounded on
             router/router.go; the writeError envelope grounded on
             handler/proxy.go's writeError; the admin route shapes
             grounded on original_source/deepseek_proxy/src/admin/
             handler.rs's response structs, since the teacher itself
             has no admin surface to adapt.
Suitability: L3 — HTTP plumbing with one real invariant, the
             loopback check on admin routes, that must run before any
             admin handler body.
──────────────────────────────────────────────────────────────
*/

package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lemonhall/chatgate/admission"
	"github.com/lemonhall/chatgate/apperror"
	"github.com/lemonhall/chatgate/userstore"
)

// API wires the admission pipeline and user store to the HTTP surface.
type API struct {
	Pipeline *admission.Pipeline
	Users    *userstore.Store
	Logger   zerolog.Logger
}

// NewRouter returns a configured chi router with the full middleware chain
// and every route spec.md §6 names mounted.
func NewRouter(api *API) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(api.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"chatgate"}`))
	})

	r.Handle("/metrics", promhttp.HandlerFor(api.Pipeline.Metrics.Gatherer(), promhttp.HandlerOpts{}))

	r.Post("/auth/login", api.handleLogin)
	r.Post("/chat/completions", api.handleChat)

	r.Route("/admin", func(r chi.Router) {
		r.Use(loopbackOnly)
		r.Get("/users", api.handleListUsers)
		r.Post("/users", api.handleCreateUser)
		r.Get("/users/{username}", api.handleGetUser)
		r.Post("/users/{username}/active", api.handleSetActive)
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

// loopbackOnly rejects any peer whose remote address is not loopback,
// before the admin handler body ever runs.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"code":    "forbidden",
					"message": "admin routes are loopback-only",
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

// writeAppError writes the error envelope once and sets the status the
// kind maps to; callers must not write headers again afterward.
func writeAppError(w http.ResponseWriter, err error) {
	ae, ok := apperror.As(err)
	if !ok {
		ae = apperror.New(apperror.KindInternal, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Kind.Status())
	body := map[string]any{
		"error": map[string]any{
			"code":    string(ae.Kind),
			"message": ae.Message,
		},
	}
	if ae.Details != nil {
		body["details"] = ae.Details
	}
	if ae.UpgradeURL != "" {
		body["upgrade_url"] = ae.UpgradeURL
	}
	_ = json.NewEncoder(w).Encode(body)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

func (api *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperror.New(apperror.KindBadRequest, "invalid request body"))
		return
	}
	if req.Username == "" || req.Password == "" {
		writeAppError(w, apperror.New(apperror.KindBadRequest, "username and password are required"))
		return
	}

	result, err := api.Pipeline.Login(r.Context(), req.Username, req.Password, clientIP(r))
	if err != nil {
		writeAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(loginResponse{
		Token:     result.Token,
		ExpiresIn: int64(result.ExpiresIn.Seconds()),
	})
}

func (api *API) handleChat(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeAppError(w, apperror.New(apperror.KindUnauthorized, "missing bearer token"))
		return
	}

	username, err := api.Pipeline.Tokens.VerifyHS256(token)
	if err != nil {
		writeAppError(w, apperror.New(apperror.KindUnauthorized, "invalid or expired token"))
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperror.New(apperror.KindBadRequest, "invalid request body"))
		return
	}
	if _, ok := body["model"]; !ok {
		writeAppError(w, apperror.New(apperror.KindBadRequest, "model field is required"))
		return
	}
	if _, ok := body["messages"]; !ok {
		writeAppError(w, apperror.New(apperror.KindBadRequest, "messages field is required"))
		return
	}

	if err := api.Pipeline.Chat(w, r, username, body); err != nil {
		// Chat only returns an error before any bytes are written to w.
		writeAppError(w, err)
		return
	}
}

type userInfoResponse struct {
	Username  string `json:"username"`
	QuotaTier string `json:"quota_tier"`
	IsActive  bool   `json:"is_active"`
}

func (api *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	infos := api.Users.List()
	users := make([]userInfoResponse, 0, len(infos))
	for _, info := range infos {
		users = append(users, userInfoResponse{
			Username:  info.Username,
			QuotaTier: info.QuotaTier,
			IsActive:  info.IsActive,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"users": users})
}

type createUserRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	QuotaTier string `json:"quota_tier"`
}

func (api *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperror.New(apperror.KindBadRequest, "invalid request body"))
		return
	}
	if req.QuotaTier == "" {
		req.QuotaTier = "basic"
	}

	if err := userstore.ValidateUsername(req.Username); err != nil {
		writeAppError(w, apperror.New(apperror.KindBadRequest, err.Error()))
		return
	}

	if _, err := api.Users.Create(req.Username, req.Password, req.QuotaTier); err != nil {
		writeAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"username": req.Username,
		"message":  "user created",
	})
}

func (api *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	rec, ok := api.Users.Get(username)
	if !ok {
		writeAppError(w, apperror.New(apperror.KindNotFound, "user not found"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(userInfoResponse{
		Username:  rec.Username,
		QuotaTier: rec.QuotaTier,
		IsActive:  rec.IsActive,
	})
}

type setActiveRequest struct {
	IsActive bool `json:"is_active"`
}

func (api *API) handleSetActive(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperror.New(apperror.KindBadRequest, "invalid request body"))
		return
	}

	rec, err := api.Users.SetActive(username, req.IsActive)
	if err != nil {
		writeAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"username":  rec.Username,
		"is_active": rec.IsActive,
		"message":   "updated",
	})
}
