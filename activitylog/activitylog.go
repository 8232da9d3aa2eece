/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       Async, batched per-user activity logger: actions are
             pushed onto a buffered channel, a worker goroutine
             flushes on a ticker or once a batch threshold is
             reached, and entries land in one JSON-lines file per
             (username, date) that rotates once it crosses a size
             threshold, keeping only the most recent archived
             files.
Context:     Keeps the gateway's ingestion.go shape (buffered
             channel → worker → ticker-driven batch flush; a
             failed flush is logged and its batch dropped) but
             replaces its LLM-gateway event taxonomy
             (RequestEvent/CostEvent/WalletEvent) with the
             per-user activity actions the login/admission
             pipelines actually emit, and adds the original Rust
             prototype's file-rotation and retention behavior,
             which the gateway's ingestion pipeline does not need
             since it writes to a sink, not per-user files.
Suitability: L3 — best-effort audit logging; losing an entry under
             extreme load is acceptable, corrupting or blocking the
             request path is not.
──────────────────────────────────────────────────────────────
*/

package activitylog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"

	"github.com/lemonhall/chatgate/timeutil"
)

// Action names mirror the original prototype's UserAction enum.
const (
	ActionLogin           = "login"
	ActionLogout          = "logout"
	ActionChatRequest     = "chat_request"
	ActionQuotaCheck      = "quota_check"
	ActionQuotaExceeded   = "quota_exceeded"
	ActionRateLimited     = "rate_limited"
	ActionAccountDisabled = "account_disabled"
	ActionError           = "error"
)

// Entry is one logged activity event.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Username  string         `json:"username"`
	Action    string         `json:"action"`
	Detail    map[string]any `json:"detail,omitempty"`
}

const (
	defaultBufferSize   = 4096
	defaultBatchSize    = 1024
	defaultFlushPeriod  = 500 * time.Millisecond
	rotateSizeBytes     = 5 * 1024 * 1024
	retainedFilesPerDay = 10
)

// Sink receives flushed batches. FileSink and ClickHouseSink both
// implement it.
type Sink interface {
	WriteEntries(entries []Entry) error
	Close() error
}

// Logger is the async batched per-user activity logger.
type Logger struct {
	entries chan Entry
	sink    Sink
	logger  zerolog.Logger

	batchSize int

	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the background worker that flushes to sink.
func New(sink Sink, logger zerolog.Logger) *Logger {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Logger{
		entries:   make(chan Entry, defaultBufferSize),
		sink:      sink,
		logger:    logger.With().Str("component", "activitylog").Logger(),
		batchSize: defaultBatchSize,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go l.run(ctx)
	return l
}

// Log enqueues an activity entry without blocking the caller. A full
// buffer drops the entry rather than applying backpressure to the
// request path.
func (l *Logger) Log(username, action string, detail map[string]any) {
	entry := Entry{
		Timestamp: timeutil.NowBeijing(),
		Username:  username,
		Action:    action,
		Detail:    detail,
	}
	select {
	case l.entries <- entry:
	default:
		l.logger.Warn().Str("username", username).Str("action", action).Msg("activity log buffer full, dropping entry")
	}
}

func (l *Logger) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(defaultFlushPeriod)
	defer ticker.Stop()

	batch := make([]Entry, 0, l.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.WriteEntries(batch); err != nil {
			l.logger.Error().Err(err).Int("count", len(batch)).Msg("activity log flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			drain := true
			for drain {
				select {
				case e := <-l.entries:
					batch = append(batch, e)
					if len(batch) >= l.batchSize {
						flush()
					}
				default:
					drain = false
				}
			}
			flush()
			_ = l.sink.Close()
			return
		case e := <-l.entries:
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Stop flushes any pending entries and closes the sink. It blocks until the
// worker goroutine exits.
func (l *Logger) Stop() {
	l.cancel()
	<-l.done
}

var safeUsername = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// sanitizeUsername defends the per-user file path against traversal: any
// username containing characters outside the safe set is folded to a
// single fixed bucket file instead of being used verbatim in a path.
func sanitizeUsername(username string) string {
	if safeUsername.MatchString(username) {
		return username
	}
	return "_unsafe"
}

// FileSink writes newline-delimited JSON to one file per (username, date)
// under baseDir, rotating the active file once it exceeds rotateSizeBytes
// and retaining only the most recent retainedFilesPerDay archives.
type FileSink struct {
	mu      sync.Mutex
	baseDir string
}

func NewFileSink(baseDir string) *FileSink {
	return &FileSink{baseDir: baseDir}
}

func (f *FileSink) pathFor(username, date string) string {
	return filepath.Join(f.baseDir, fmt.Sprintf("%s-%s.jsonl", sanitizeUsername(username), date))
}

func (f *FileSink) WriteEntries(entries []Entry) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("activitylog: create dir: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	byFile := make(map[string][]Entry)
	for _, e := range entries {
		date := e.Timestamp.In(timeutil.Beijing).Format("2006-01-02")
		key := f.pathFor(e.Username, date)
		byFile[key] = append(byFile[key], e)
	}

	for path, group := range byFile {
		if err := f.appendAndRotate(path, group); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileSink) appendAndRotate(path string, entries []Entry) error {
	if err := f.rotateIfOversized(path); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("activitylog: open %s: %w", path, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	return w.Flush()
}

func (f *FileSink) rotateIfOversized(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file doesn't exist yet, nothing to rotate
	}
	if info.Size() < rotateSizeBytes {
		return nil
	}

	archived := fmt.Sprintf("%s.%d", path, time.Now().UnixNano())
	if err := os.Rename(path, archived); err != nil {
		return fmt.Errorf("activitylog: rotate %s: %w", path, err)
	}
	return f.pruneArchives(path)
}

// pruneArchives keeps only the most recent retainedFilesPerDay archived
// files for the given active-file path's prefix.
func (f *FileSink) pruneArchives(path string) error {
	dir := filepath.Dir(path)
	prefix := filepath.Base(path) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var archives []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			archives = append(archives, e.Name())
		}
	}
	sort.Strings(archives)

	if len(archives) <= retainedFilesPerDay {
		return nil
	}
	for _, name := range archives[:len(archives)-retainedFilesPerDay] {
		_ = os.Remove(filepath.Join(dir, name))
	}
	return nil
}

func (f *FileSink) Close() error { return nil }

// ClickHouseSink ships activity entries to ClickHouse via the native
// protocol, batching each flush into a single INSERT.
type ClickHouseSink struct {
	conn   driver.Conn
	logger zerolog.Logger
}

// NewClickHouseSink opens a native-protocol connection to addr (host:port)
// and ensures the target table exists. The caller is expected to run
// ClickHouse with a database/table matching activity_log(timestamp,
// username, action, detail) — chatgate creates it if absent so a fresh
// deployment does not need a separate migration step.
func NewClickHouseSink(addr, database, username, password string, logger zerolog.Logger) (*ClickHouseSink, error) {
	if addr == "" {
		return nil, fmt.Errorf("activitylog: clickhouse addr must not be empty")
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("activitylog: open clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS activity_log (
			timestamp DateTime64(3),
			username String,
			action String,
			detail String
		) ENGINE = MergeTree()
		ORDER BY (username, timestamp)
	`); err != nil {
		return nil, fmt.Errorf("activitylog: ensure table: %w", err)
	}

	return &ClickHouseSink{conn: conn, logger: logger.With().Str("component", "activitylog_clickhouse").Logger()}, nil
}

func (c *ClickHouseSink) WriteEntries(entries []Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO activity_log")
	if err != nil {
		return fmt.Errorf("activitylog: prepare batch: %w", err)
	}

	for _, e := range entries {
		detail, _ := json.Marshal(e.Detail)
		if err := batch.Append(e.Timestamp, e.Username, e.Action, string(detail)); err != nil {
			return fmt.Errorf("activitylog: append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		c.logger.Error().Err(err).Int("count", len(entries)).Msg("clickhouse batch send failed")
		return err
	}
	return nil
}

func (c *ClickHouseSink) Close() error { return c.conn.Close() }
