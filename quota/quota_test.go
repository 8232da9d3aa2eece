package quota

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lemonhall/chatgate/apperror"
)

type fakeUsers struct {
	tiers map[string]string
}

func (f fakeUsers) TierOf(username string) (string, bool) {
	t, ok := f.tiers[username]
	return t, ok
}

type fakeTiers struct{}

func (fakeTiers) LimitFor(tier string) int {
	switch tier {
	case "pro":
		return 1000
	case "premium":
		return 1500
	default:
		return 500
	}
}

func TestIncrementQuotaRejectsUnknownUser(t *testing.T) {
	e := New(t.TempDir(), 100, fakeUsers{tiers: map[string]string{}}, fakeTiers{})
	if _, err := e.IncrementQuota("ghost"); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestIncrementQuotaMonotonicAndBoundary(t *testing.T) {
	users := fakeUsers{tiers: map[string]string{"alice": "basic"}}
	e := New(t.TempDir(), 100, users, fakeTiers{})

	for i := 0; i < 499; i++ {
		if _, err := e.IncrementQuota("alice"); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}

	st, err := e.IncrementQuota("alice")
	if err != nil {
		t.Fatalf("final admitted increment: %v", err)
	}
	if st.UsedCount != 500 {
		t.Fatalf("expected used_count 500 at limit, got %d", st.UsedCount)
	}

	if _, err := e.IncrementQuota("alice"); err == nil {
		t.Fatal("expected quota_exceeded once at limit")
	} else if ae, ok := apperror.As(err); !ok || ae.Kind != apperror.KindQuotaExceeded {
		t.Fatalf("expected KindQuotaExceeded, got %v", err)
	}

	// A rejected request must leave used_count unchanged.
	st2, err := e.CheckQuota("alice")
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if st2.UsedCount != 500 {
		t.Fatalf("expected used_count to remain 500 after rejection, got %d", st2.UsedCount)
	}
}

func TestIncrementQuotaCoalescesWrites(t *testing.T) {
	dir := t.TempDir()
	users := fakeUsers{tiers: map[string]string{"bob": "pro"}}
	e := New(dir, 10, users, fakeTiers{})

	for i := 0; i < 9; i++ {
		if _, err := e.IncrementQuota("bob"); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "bob.json")); !os.IsNotExist(err) {
		t.Fatalf("expected no file before save_interval reached, stat err: %v", err)
	}

	if _, err := e.IncrementQuota("bob"); err != nil {
		t.Fatalf("10th increment: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "bob.json"))
	if err != nil {
		t.Fatalf("expected file after save_interval reached: %v", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal persisted state: %v", err)
	}
	if st.UsedCount != 10 {
		t.Fatalf("expected persisted used_count 10, got %d", st.UsedCount)
	}
}

func TestLazyLoadMaterializesFromUserStoreWhenFileMissing(t *testing.T) {
	users := fakeUsers{tiers: map[string]string{"carol": "premium"}}
	e := New(t.TempDir(), 100, users, fakeTiers{})

	st, err := e.CheckQuota("carol")
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if st.UsedCount != 0 || st.MonthlyLimit != 1500 {
		t.Fatalf("expected fresh zero state with premium limit, got %+v", st)
	}
}

func TestLazyLoadPrefersExistingFileOverUserStore(t *testing.T) {
	dir := t.TempDir()
	pre := State{Username: "dave", Tier: "basic", MonthlyLimit: 500, UsedCount: 42}
	data, _ := json.Marshal(pre)
	if err := os.WriteFile(filepath.Join(dir, "dave.json"), data, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	users := fakeUsers{tiers: map[string]string{"dave": "pro"}}
	e := New(dir, 100, users, fakeTiers{})

	st, err := e.CheckQuota("dave")
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if st.UsedCount != 42 {
		t.Fatalf("expected used_count loaded from disk (42), got %d", st.UsedCount)
	}
}

func TestIncrementQuotaResetsAtMonthBoundary(t *testing.T) {
	users := fakeUsers{tiers: map[string]string{"frank": "basic"}}
	e := New(t.TempDir(), 100, users, fakeTiers{})

	if _, err := e.IncrementQuota("frank"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	r, err := e.loadOrCreate("frank")
	if err != nil {
		t.Fatalf("loadOrCreate: %v", err)
	}
	r.mu.Lock()
	r.resetAt = time.Now().Add(-time.Second)
	r.mu.Unlock()

	st, err := e.IncrementQuota("frank")
	if err != nil {
		t.Fatalf("increment past reset boundary: %v", err)
	}
	if st.UsedCount != 1 {
		t.Fatalf("expected used_count to reset to 0 then increment to 1, got %d", st.UsedCount)
	}
}

func TestSaveAllFlushesRegardlessOfInterval(t *testing.T) {
	dir := t.TempDir()
	users := fakeUsers{tiers: map[string]string{"erin": "basic"}}
	e := New(dir, 100, users, fakeTiers{})

	for i := 0; i < 37; i++ {
		if _, err := e.IncrementQuota("erin"); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "erin.json")); !os.IsNotExist(err) {
		t.Fatalf("expected no file before save_all, stat err: %v", err)
	}

	if err := e.SaveAll(); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "erin.json"))
	if err != nil {
		t.Fatalf("expected file after SaveAll: %v", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.UsedCount != 37 {
		t.Fatalf("expected used_count 37, got %d", st.UsedCount)
	}
}
