package activitylog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func todayPath(dir, username string) string {
	return filepath.Join(dir, username+"-"+time.Now().In(timeBeijing).Format("2006-01-02")+".jsonl")
}

var timeBeijing = time.FixedZone("CST", 8*60*60)

func TestLoggerFlushesOnBatchThreshold(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)
	l := New(sink, zerolog.Nop())
	defer l.Stop()

	for i := 0; i < defaultBatchSize+5; i++ {
		l.Log("alice", ActionChatRequest, nil)
	}

	waitForFile(t, todayPath(dir, "alice"))
}

func TestLoggerFlushesOnTicker(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)
	l := New(sink, zerolog.Nop())
	defer l.Stop()

	l.Log("bob", ActionLogin, map[string]any{"ip": "1.2.3.4"})

	path := todayPath(dir, "bob")
	waitForFile(t, path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	var entry Entry
	if scanner.Scan() {
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("unmarshal entry: %v", err)
		}
	}
	if entry.Username != "bob" || entry.Action != ActionLogin {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestStopFlushesPendingEntries(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)
	l := New(sink, zerolog.Nop())

	l.Log("carol", ActionQuotaExceeded, nil)
	l.Stop()

	path := todayPath(dir, "carol")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected entry flushed on Stop: %v", err)
	}
}

func TestSanitizeUsernameFoldsUnsafeCharacters(t *testing.T) {
	if got := sanitizeUsername("../../etc/passwd"); got != "_unsafe" {
		t.Fatalf("expected unsafe username to be folded, got %q", got)
	}
	if got := sanitizeUsername("valid_user-1"); got != "valid_user-1" {
		t.Fatalf("expected safe username to pass through unchanged, got %q", got)
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
}
