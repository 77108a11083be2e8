package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

type stringer string

func (s stringer) String() string { return string(s) }

func TestLogger(t *testing.T) {
	out := &syncBuffer{}
	logger := NewLogger(Config{Level: INFO, NodeID: "node-1", BufferSize: 8})
	logger.AddWriter(out)

	ctx := WithCorrelationID(context.Background(), "corr-1")
	logger.Debug(ctx, ComponentEviction, ActionEvict, "dropped by level")
	logger.Info(ctx, ComponentEviction, ActionEvict, "page evicted", Fields{"page": stringer("s/01"), "bytes": 10})
	logger.Error(ctx, ComponentUsageIndex, ActionPersist, "write failed", errors.New("disk full"))
	logger.Close()

	lines := out.lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry.Level != "INFO" || entry.CorrelationID != "corr-1" || entry.NodeID != "node-1" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Page != "s/01" {
		t.Errorf("expected page field to be lifted, got %q", entry.Page)
	}
	if entry.File == "" || !strings.HasSuffix(entry.File, "logger_test.go") {
		t.Errorf("expected caller to be the test file, got %q", entry.File)
	}

	if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry.Error != "disk full" {
		t.Errorf("expected error to be recorded, got %q", entry.Error)
	}
}

func TestLevelFromString(t *testing.T) {
	cases := map[string]Level{"debug": DEBUG, "WARNING": WARN, "error": ERROR, "bogus": INFO}
	for in, want := range cases {
		if got := LevelFromString(in); got != want {
			t.Errorf("LevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestHTTPMiddleware(t *testing.T) {
	out := &syncBuffer{}
	logger := NewLogger(Config{Level: INFO, NodeID: "node-1", BufferSize: 8})
	logger.AddWriter(out)
	SetGlobalLogger(logger)
	defer SetGlobalLogger(nil)

	var seen string
	r := mux.NewRouter()
	r.Use(HTTPMiddleware)
	r.HandleFunc("/pages/{scope}/{id}", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/pages/ledger/0a", nil)
	req.Header.Set(CorrelationHeader, "corr-http")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	logger.Close()

	if seen != "corr-http" || rec.Header().Get(CorrelationHeader) != "corr-http" {
		t.Errorf("correlation id not propagated: handler %q, header %q", seen, rec.Header().Get(CorrelationHeader))
	}

	var entry Entry
	if err := json.Unmarshal([]byte(out.lines()[0]), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry.Level != "WARN" || entry.Fields["path"] != "/pages/{scope}/{id}" || entry.Fields["scope"] != "ledger" {
		t.Errorf("unexpected access log entry: %+v", entry)
	}
}

func TestStartTimer(t *testing.T) {
	// No global logger: the returned func is a no-op.
	StartTimer(context.Background(), ComponentMain, ActionStop, "ignored")()

	out := &syncBuffer{}
	logger := NewLogger(Config{Level: INFO, NodeID: "node-1", BufferSize: 8})
	logger.AddWriter(out)
	SetGlobalLogger(logger)
	defer SetGlobalLogger(nil)

	ctx := WithCorrelationID(context.Background(), "corr-timer")
	stop := StartTimer(ctx, ComponentMain, ActionStop, "Shutdown finished")
	time.Sleep(5 * time.Millisecond)
	stop()
	logger.Close()

	var entry Entry
	if err := json.Unmarshal([]byte(out.lines()[0]), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry.Message != "Shutdown finished" || entry.CorrelationID != "corr-timer" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Duration == nil || *entry.Duration < 5 {
		t.Errorf("expected elapsed time of at least 5ms, got %v", entry.Duration)
	}
}
