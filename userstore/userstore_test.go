package userstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenBootstrapsOnlyWhenEmpty(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, []BootstrapUser{
		{Username: "alice", Password: "pw1", QuotaTier: "pro"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.Get("alice"); !ok {
		t.Fatal("expected alice to be bootstrapped")
	}

	// Reopen with a different bootstrap list; the directory is no longer
	// empty so the new list must be ignored entirely.
	s2, err := Open(dir, []BootstrapUser{
		{Username: "bob", Password: "pw2", QuotaTier: "basic"},
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := s2.Get("bob"); ok {
		t.Fatal("bob should not have been bootstrapped on a non-empty directory")
	}
	if _, ok := s2.Get("alice"); !ok {
		t.Fatal("alice should have been loaded from disk")
	}
}

func TestCreateRejectsDuplicateAndInvalidUsername(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := s.Create("carol", "pw", "basic"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create("carol", "other", "basic"); err == nil {
		t.Fatal("expected error creating duplicate user")
	}
	if _, err := s.Create("..", "pw", "basic"); err == nil {
		t.Fatal("expected error creating user with disallowed username")
	}
	if _, err := s.Create("ab", "pw", "basic"); err == nil {
		t.Fatal("expected error creating username shorter than 3 chars")
	}
}

func TestFindMatchesPassword(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Create("dave", "secret", "basic"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, ok := s.Find("dave", "wrong"); ok {
		t.Fatal("expected Find to fail on wrong password")
	}
	if _, ok := s.Find("dave", "secret"); !ok {
		t.Fatal("expected Find to succeed on correct password")
	}
}

func TestSetActivePersistsAndIsIdempotentInEffect(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Create("erin", "pw", "basic"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := s.SetActive("erin", false)
	if err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if rec.IsActive {
		t.Fatal("expected is_active false")
	}

	rec2, err := s.SetActive("erin", false)
	if err != nil {
		t.Fatalf("SetActive again: %v", err)
	}
	if rec2.IsActive {
		t.Fatal("expected is_active to remain false")
	}

	// Reopen to confirm the on-disk record reflects the change.
	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reloaded, ok := s2.Get("erin")
	if !ok {
		t.Fatal("expected erin to survive reload")
	}
	if reloaded.IsActive {
		t.Fatal("expected reloaded record to be inactive")
	}
}

func TestListOmitsPassword(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Create("frank", "topsecret", "premium"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	list := s.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 user, got %d", len(list))
	}
	if list[0].Username != "frank" || list[0].QuotaTier != "premium" {
		t.Fatalf("unexpected info: %+v", list[0])
	}
}

func TestWritesUseAtomicRename(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Create("gina", "pw", "basic"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "gina.toml")); err != nil {
		t.Fatalf("expected gina.toml to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "gina.toml.tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected no leftover .tmp file, stat err: %v", err)
	}
}
