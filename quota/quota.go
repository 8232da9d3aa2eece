/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       Per-user monthly quota counters with atomic
             fetch-add increments, coalesced disk writes every N
             increments, and a lazy four-step load order: in-memory
             cache, then the user's quota JSON file, then the user
             store (to mint a fresh zero state), rejecting unknown
             users outright.
Context:     Mirrors the gateway's AtomicCounter discipline for the
             hot-path counter and its atomic-rename persistence
             style for the user store, combined into a single
             engine since quota state is both a counter and a
             durable record with a reset boundary.
Suitability: L4 — correctness here is the entire billing surface;
             every increment must be linearizable and every
             rejected request must leave used_count untouched.
──────────────────────────────────────────────────────────────
*/

package quota

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lemonhall/chatgate/apperror"
	"github.com/lemonhall/chatgate/timeutil"
)

// State is the durable, JSON-serialized shape of one user's quota record.
type State struct {
	Username        string    `json:"username"`
	Tier            string    `json:"tier"`
	MonthlyLimit    int       `json:"monthly_limit"`
	UsedCount       int64     `json:"used_count"`
	LastSavedCount  int64     `json:"last_saved_count"`
	ResetAt         time.Time `json:"reset_at"`
	LastSavedAt     time.Time `json:"last_saved_at"`
}

// record is the in-memory tracking wrapper: the atomic counter lives
// separately from the struct so increments never need the engine's lock.
type record struct {
	mu             sync.Mutex // guards everything below except usedCount
	usedCount      int64      // accessed only via atomic
	lastSavedCount int64
	tier           string
	monthlyLimit   int
	resetAt        time.Time
	lastSavedAt    time.Time
}

// UserLookup resolves a username against the user store: it returns the
// user's quota tier and whether the user exists at all. The quota engine
// never owns user identity, only quota state.
type UserLookup interface {
	TierOf(username string) (tier string, ok bool)
}

// TierLimiter maps a quota tier name to its monthly request limit.
type TierLimiter interface {
	LimitFor(tier string) int
}

// Engine is the quota subsystem for one process.
type Engine struct {
	mu           sync.Mutex
	records      map[string]*record
	dataDir      string
	saveInterval int64
	users        UserLookup
	tiers        TierLimiter
}

func New(dataDir string, saveInterval int, users UserLookup, tiers TierLimiter) *Engine {
	if saveInterval <= 0 {
		saveInterval = 100
	}
	return &Engine{
		records:      make(map[string]*record),
		dataDir:      dataDir,
		saveInterval: int64(saveInterval),
		users:        users,
		tiers:        tiers,
	}
}

func (e *Engine) filePath(username string) string {
	return filepath.Join(e.dataDir, username+".json")
}

// loadOrCreate implements the four-step lazy-load algorithm: in-memory,
// then on-disk JSON, then user-store-backed fresh zero state, rejecting
// usernames the user store does not know about. The returned record is
// already installed in e.records — any racing caller gets the same pointer.
func (e *Engine) loadOrCreate(username string) (*record, error) {
	e.mu.Lock()
	if r, ok := e.records[username]; ok {
		e.mu.Unlock()
		return r, nil
	}
	e.mu.Unlock()

	// Disk read happens outside the engine lock.
	if st, err := e.readFile(username); err == nil {
		r := stateToRecord(st)
		return e.insertIfAbsent(username, r), nil
	} else if !os.IsNotExist(err) {
		return nil, apperror.Wrap(apperror.KindInternal, "read quota file", err)
	}

	tier, ok := e.users.TierOf(username)
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "unknown user")
	}

	now := timeutil.NowBeijing()
	r := &record{
		tier:         tier,
		monthlyLimit: e.tiers.LimitFor(tier),
		resetAt:      timeutil.NextMonthBoundary(now),
	}
	return e.insertIfAbsent(username, r), nil
}

func (e *Engine) insertIfAbsent(username string, r *record) *record {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.records[username]; ok {
		return existing
	}
	e.records[username] = r
	return r
}

func stateToRecord(st State) *record {
	return &record{
		usedCount:      st.UsedCount,
		lastSavedCount: st.LastSavedCount,
		tier:           st.Tier,
		monthlyLimit:   st.MonthlyLimit,
		resetAt:        st.ResetAt,
		lastSavedAt:    st.LastSavedAt,
	}
}

func (e *Engine) readFile(username string) (State, error) {
	data, err := os.ReadFile(e.filePath(username))
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, apperror.Wrap(apperror.KindInternal, "parse quota file", err)
	}
	return st, nil
}

// writeFile performs the atomic-rename persist: marshal, write a sibling
// .tmp file, rename over the target. Caller must not hold any record lock.
func (e *Engine) writeFile(username string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "marshal quota state", err)
	}
	if err := os.MkdirAll(e.dataDir, 0o755); err != nil {
		return apperror.Wrap(apperror.KindInternal, "create quota dir", err)
	}
	path := e.filePath(username)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperror.Wrap(apperror.KindInternal, "write quota file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperror.Wrap(apperror.KindInternal, "rename quota file", err)
	}
	return nil
}

// snapshot reads record fields under its mutex and returns a State with the
// current atomic used_count.
func snapshot(username string, r *record) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		Username:       username,
		Tier:           r.tier,
		MonthlyLimit:   r.monthlyLimit,
		UsedCount:      atomic.LoadInt64(&r.usedCount),
		LastSavedCount: r.lastSavedCount,
		ResetAt:        r.resetAt,
		LastSavedAt:    r.lastSavedAt,
	}
}

// CheckQuota is a read-only check: it returns the current state without
// mutating anything, applying a reset-if-past-reset_at view without
// persisting it (a genuine reset only happens on the next increment).
func (e *Engine) CheckQuota(username string) (State, error) {
	r, err := e.loadOrCreate(username)
	if err != nil {
		return State{}, err
	}
	st := snapshot(username, r)
	if now := timeutil.NowBeijing(); !st.ResetAt.IsZero() && !now.Before(st.ResetAt) {
		st.UsedCount = 0
		st.LastSavedCount = 0
		st.ResetAt = timeutil.NextMonthBoundary(now)
	}
	return st, nil
}

// IncrementQuota performs the reset-if-past-reset_at-then-fetch-add step.
// It fails with KindQuotaExceeded if the user is already at their monthly
// limit. On success it coalesces a disk write every save_interval
// increments, with all I/O happening outside the record's lock.
func (e *Engine) IncrementQuota(username string) (State, error) {
	r, err := e.loadOrCreate(username)
	if err != nil {
		return State{}, err
	}

	now := timeutil.NowBeijing()

	r.mu.Lock()
	if !r.resetAt.IsZero() && !now.Before(r.resetAt) {
		atomic.StoreInt64(&r.usedCount, 0)
		r.lastSavedCount = 0
		r.resetAt = timeutil.NextMonthBoundary(now)
	}
	limit := int64(r.monthlyLimit)
	current := atomic.LoadInt64(&r.usedCount)
	if current >= limit {
		r.mu.Unlock()
		return State{}, apperror.New(apperror.KindQuotaExceeded, "monthly quota exceeded").
			WithDetails(map[string]any{"used": current, "limit": limit, "reset_at": r.resetAt})
	}
	r.mu.Unlock()

	newCount := atomic.AddInt64(&r.usedCount, 1)

	r.mu.Lock()
	due := newCount-r.lastSavedCount >= e.saveInterval
	var toWrite State
	if due {
		r.lastSavedCount = newCount
		r.lastSavedAt = now
		toWrite = State{
			Username:       username,
			Tier:           r.tier,
			MonthlyLimit:   r.monthlyLimit,
			UsedCount:      newCount,
			LastSavedCount: newCount,
			ResetAt:        r.resetAt,
			LastSavedAt:    now,
		}
	}
	r.mu.Unlock()

	if due {
		if err := e.writeFile(username, toWrite); err != nil {
			return State{}, err
		}
	}

	return snapshot(username, r), nil
}

// GetQuota is an alias for CheckQuota kept for readability at call sites
// that only want the current state, not an admission decision.
func (e *Engine) GetQuota(username string) (State, error) {
	return e.CheckQuota(username)
}

// SaveAll flushes every tracked user's current state to disk regardless of
// save_interval staleness. Call this during graceful shutdown.
func (e *Engine) SaveAll() error {
	e.mu.Lock()
	usernames := make([]string, 0, len(e.records))
	records := make([]*record, 0, len(e.records))
	for u, r := range e.records {
		usernames = append(usernames, u)
		records = append(records, r)
	}
	e.mu.Unlock()

	var firstErr error
	for i, username := range usernames {
		r := records[i]
		st := snapshot(username, r)
		r.mu.Lock()
		r.lastSavedCount = st.UsedCount
		r.lastSavedAt = timeutil.NowBeijing()
		st.LastSavedCount = r.lastSavedCount
		st.LastSavedAt = r.lastSavedAt
		r.mu.Unlock()

		if err := e.writeFile(username, st); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("quota: save %s: %w", username, err)
		}
	}
	return firstErr
}
