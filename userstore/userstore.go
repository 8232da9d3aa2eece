/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       File-per-user TOML record store with an in-memory
             cache: one .toml file per username under users_dir,
             loaded wholesale at startup, mutated only through
             create/set_active, never physically deleted.
Context:     Keyed access uses the same single-lock-short-critical-
             section discipline as middleware/concurrency.go's
             KeyedMutex — one RWMutex guards the map, all file I/O
             happens outside it.
Suitability: L3 — filesystem CRUD with a uniqueness invariant and a
             path-traversal-sensitive validation rule.
──────────────────────────────────────────────────────────────
*/

package userstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/lemonhall/chatgate/apperror"
	"github.com/lemonhall/chatgate/timeutil"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,31}$`)

// ValidateUsername enforces spec.md §3: 3-32 chars, the fixed character
// class, and no path-traversal-relevant substrings even though the regex
// above already excludes '.', '/', '\\' and NUL by construction — the
// explicit check documents the invariant for anyone loosening the regex
// later.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return apperror.New(apperror.KindBadRequest, "username must be 3-32 chars matching [A-Za-z0-9][A-Za-z0-9_-]{2,31}")
	}
	for _, bad := range []string{".", "..", "/", "\\", "\x00"} {
		if containsSubstring(username, bad) {
			return apperror.New(apperror.KindBadRequest, "username contains a disallowed character: "+bad)
		}
	}
	return nil
}

func containsSubstring(s, sub string) bool {
	return len(sub) > 0 && (len(s) >= len(sub)) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// Record is one durable user record.
type Record struct {
	Username  string    `toml:"username"`
	Password  string    `toml:"password"`
	QuotaTier string    `toml:"quota_tier"`
	IsActive  bool      `toml:"is_active"`
	CreatedAt time.Time `toml:"created_at"`
	UpdatedAt time.Time `toml:"updated_at"`
}

// Info is the record shape returned by list/get admin surfaces: everything
// except the password.
type Info struct {
	Username  string `json:"username"`
	QuotaTier string `json:"quota_tier"`
	IsActive  bool   `json:"is_active"`
}

func (r Record) Info() Info {
	return Info{Username: r.Username, QuotaTier: r.QuotaTier, IsActive: r.IsActive}
}

// Store is the in-memory-cached, file-per-user backing store.
type Store struct {
	mu      sync.RWMutex
	byName  map[string]Record
	usersDir string
}

// BootstrapUser is the shape config-declared users arrive in; used only
// when the user directory is empty at startup.
type BootstrapUser struct {
	Username  string
	Password  string
	QuotaTier string
}

// Open ensures usersDir exists, loads every *.toml file in it into memory,
// and — only if the directory was empty — imports bootstrapUsers. Config-
// declared users are ignored on every subsequent start (spec.md §9).
func Open(usersDir string, bootstrapUsers []BootstrapUser) (*Store, error) {
	if err := os.MkdirAll(usersDir, 0o755); err != nil {
		return nil, fmt.Errorf("userstore: create dir: %w", err)
	}

	s := &Store{byName: make(map[string]Record), usersDir: usersDir}

	entries, err := os.ReadDir(usersDir)
	if err != nil {
		return nil, fmt.Errorf("userstore: read dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		path := filepath.Join(usersDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec Record
		if err := toml.Unmarshal(data, &rec); err != nil {
			continue
		}
		s.byName[rec.Username] = rec
	}

	if len(s.byName) == 0 {
		for _, bu := range bootstrapUsers {
			if err := ValidateUsername(bu.Username); err != nil {
				continue
			}
			now := timeutil.NowBeijing()
			tier := bu.QuotaTier
			if tier == "" {
				tier = "basic"
			}
			rec := Record{
				Username:  bu.Username,
				Password:  bu.Password,
				QuotaTier: tier,
				IsActive:  true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.writeFile(rec); err != nil {
				return nil, err
			}
			s.byName[rec.Username] = rec
		}
	}

	return s, nil
}

func (s *Store) recordPath(username string) string {
	return filepath.Join(s.usersDir, username+".toml")
}

// writeFile performs the atomic-rename write: serialize to a sibling .tmp
// file, then rename over the target. Callers do not hold s.mu while it
// runs, so all file I/O stays outside the lock.
func (s *Store) writeFile(rec Record) error {
	data, err := toml.Marshal(rec)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "marshal user record", err)
	}
	path := s.recordPath(rec.Username)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperror.Wrap(apperror.KindInternal, "write user record", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperror.Wrap(apperror.KindInternal, "rename user record", err)
	}
	return nil
}

// Find returns the record if username exists and password matches.
func (s *Store) Find(username, password string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byName[username]
	if !ok || rec.Password != password {
		return Record{}, false
	}
	return rec, true
}

// Get returns the record for username, if any.
func (s *Store) Get(username string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byName[username]
	return rec, ok
}

// TierOf satisfies quota.UserLookup: the quota engine needs to know a
// user's tier and whether the user exists at all when it materializes a
// fresh quota record, but never needs the rest of the record.
func (s *Store) TierOf(username string) (tier string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byName[username]
	if !ok {
		return "", false
	}
	return rec.QuotaTier, true
}

// List returns every record's Info, password stripped.
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.byName))
	for _, rec := range s.byName {
		out = append(out, rec.Info())
	}
	return out
}

// Create validates username, fails if it exists, and writes the new
// record. File I/O happens outside the lock; the map update happens once
// the write has succeeded.
func (s *Store) Create(username, password, tier string) (Record, error) {
	if err := ValidateUsername(username); err != nil {
		return Record{}, err
	}
	if tier == "" {
		tier = "basic"
	}

	s.mu.Lock()
	if _, exists := s.byName[username]; exists {
		s.mu.Unlock()
		return Record{}, apperror.New(apperror.KindBadRequest, "user already exists")
	}
	s.mu.Unlock()

	now := timeutil.NowBeijing()
	rec := Record{
		Username:  username,
		Password:  password,
		QuotaTier: tier,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.writeFile(rec); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	s.byName[username] = rec
	s.mu.Unlock()

	return rec, nil
}

// SetActive flips the active flag and bumps updated_at. Calling it twice
// with the same value is a no-op in effect (only updated_at advances).
func (s *Store) SetActive(username string, isActive bool) (Record, error) {
	s.mu.RLock()
	rec, ok := s.byName[username]
	s.mu.RUnlock()
	if !ok {
		return Record{}, apperror.New(apperror.KindNotFound, "user not found")
	}

	rec.IsActive = isActive
	rec.UpdatedAt = timeutil.NowBeijing()

	if err := s.writeFile(rec); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	s.byName[username] = rec
	s.mu.Unlock()

	return rec, nil
}
