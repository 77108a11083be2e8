package resp

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pagekeeper/internal/eviction"
	"pagekeeper/internal/page"
	"pagekeeper/internal/persistence"
	"pagekeeper/internal/storage"
)

type testNode struct {
	server  *Server
	pages   *storage.DiskStorage
	manager *eviction.Manager
}

func newTestServer(t *testing.T, config ServerConfig) *testNode {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	budget := storage.NewDiskBudget("resp-test", 1<<20)
	budget.SetPressureHandlers(nil, nil, nil)
	pages, err := storage.NewDiskStorage(storage.DiskStorageConfig{Root: filepath.Join(root, "pages")}, budget)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	if err := pages.Open(ctx); err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}

	index := persistence.NewUsageStore(persistence.UsageStoreConfig{
		Dir:                 filepath.Join(root, "usage"),
		NodeID:              "resp-test",
		SyncPolicy:          "no",
		SnapshotCompression: "none",
		RetainSnapshots:     1,
	})
	m := eviction.NewManager(index, eviction.DefaultManagerConfig())
	m.SetDelegate(pages)
	pages.SetOpenChecker(m.IsOpen)
	cleanup := eviction.NewDiskCleanupManager(m, nil)
	if err := cleanup.Init(ctx); err != nil {
		t.Fatalf("Failed to init eviction: %v", err)
	}

	server := NewServer("127.0.0.1:0", cleanup, pages, config)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		server.Stop()
		cleanup.Close()
	})
	return &testNode{server: server, pages: pages, manager: m}
}

func testConfig() ServerConfig {
	config := DefaultServerConfig()
	config.MaxConnections = 4
	config.CommandTimeout = 5 * time.Second
	return config
}

type client struct {
	t      *testing.T
	conn   net.Conn
	parser *Parser
}

func dial(t *testing.T, n *testNode) *client {
	t.Helper()
	conn, err := net.Dial("tcp", n.server.Addr())
	if err != nil {
		t.Fatalf("Failed to connect to server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, parser: NewParser(conn)}
}

// do sends args as a command and returns the reply.
func (c *client) do(args ...string) Value {
	c.t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.ArrayHeader(len(args))
	for _, a := range args {
		w.Bulk([]byte(a))
	}
	w.Flush()
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		c.t.Fatalf("Failed to send command: %v", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	v, err := c.parser.Parse()
	if err != nil {
		c.t.Fatalf("Failed to read response: %v", err)
	}
	return v
}

func expectInt(t *testing.T, v Value, want int64) {
	t.Helper()
	if v.Type != TypeInteger || v.Int != want {
		t.Errorf("Expected :%d, got %s %+v", want, string(v.Type), v)
	}
}

func expectOK(t *testing.T, v Value) {
	t.Helper()
	if v.Type != TypeSimpleString || v.Str != "OK" {
		t.Errorf("Expected +OK, got %s %+v", string(v.Type), v)
	}
}

func expectError(t *testing.T, v Value, code string) {
	t.Helper()
	if v.Type != TypeError || !strings.HasPrefix(v.Str, code+" ") {
		t.Errorf("Expected -%s, got %s %+v", code, string(v.Type), v)
	}
}

func TestServer_Ping(t *testing.T) {
	n := newTestServer(t, testConfig())
	c := dial(t, n)

	if v := c.do("PING"); v.Str != "PONG" {
		t.Errorf("Expected PONG, got %+v", v)
	}
	if v := c.do("ping", "hello"); string(v.Bulk) != "hello" {
		t.Errorf("Expected hello, got %+v", v)
	}
	expectError(t, c.do("FLUSHALL"), "ERR")
}

func TestServer_PageSession(t *testing.T) {
	n := newTestServer(t, testConfig())
	c := dial(t, n)
	key := page.NewKey("ledger", []byte{0x0a, 0x0b})

	expectInt(t, c.do("OPEN", "ledger", "0a0b"), 1)
	expectInt(t, c.do("OPEN", "ledger", "0a0b"), 0)
	expectInt(t, c.do("HELD"), 2)
	if !n.manager.Tracker().IsExternallyOpen(key) {
		t.Fatalf("Page should be externally open")
	}

	expectOK(t, c.do("WRITE", "ledger", "0a0b", "commit-1", "payload"))
	if v := c.do("READ", "ledger", "0a0b", "commit-1"); string(v.Bulk) != "payload" {
		t.Errorf("Expected payload, got %+v", v)
	}
	if v := c.do("READ", "ledger", "0a0b", "missing"); !v.Null {
		t.Errorf("Expected null for missing content, got %+v", v)
	}

	// Held pages are never evicted.
	expectOK(t, c.do("SYNCED", "ledger", "0a0b"))
	expectInt(t, c.do("EVICT", "ledger", "0a0b", "IF_POSSIBLE"), 0)

	expectOK(t, c.do("CLOSE", "ledger", "0a0b"))
	expectOK(t, c.do("CLOSE", "ledger", "0a0b"))
	expectError(t, c.do("CLOSE", "ledger", "0a0b"), "ERR")
	waitIdle(t, n)

	expectInt(t, c.do("EVICT", "ledger", "0a0b"), 1)
	expectError(t, c.do("EVICT", "ledger", "0a0b"), "PAGE_NOT_FOUND")
}

func TestServer_DisconnectReleasesPages(t *testing.T) {
	n := newTestServer(t, testConfig())
	key := page.NewKey("scratch", []byte{0x01})

	c := dial(t, n)
	expectInt(t, c.do("OPEN", "scratch", "01"), 1)
	c.conn.Close()

	// The empty page is evicted once its only client is gone.
	waitFor(t, func() bool {
		found, err := n.pages.Lookup(context.Background(), key)
		return err == nil && !found && !n.manager.IsOpen(key)
	})
	if s := n.server.GetStats(); s.HeldReferences != 0 {
		t.Errorf("Expected no held references, got %d", s.HeldReferences)
	}
}

func TestServer_Cleanup(t *testing.T) {
	n := newTestServer(t, testConfig())
	c := dial(t, n)

	expectInt(t, c.do("OPEN", "ledger", "01"), 1)
	expectOK(t, c.do("WRITE", "ledger", "01", "c", "data"))
	expectOK(t, c.do("SYNCED", "ledger", "01"))
	expectOK(t, c.do("CLOSE", "ledger", "01"))
	waitIdle(t, n)

	v := c.do("CLEANUP")
	if v.Type != TypeArray || len(v.Array) != 3 {
		t.Fatalf("Expected 3 element array, got %+v", v)
	}
	if v.Array[0].Int != 1 || v.Array[1].Int != 1 {
		t.Errorf("Expected 1 candidate evicted, got %+v", v.Array)
	}
}

func TestServer_Errors(t *testing.T) {
	n := newTestServer(t, testConfig())
	c := dial(t, n)

	expectError(t, c.do("OPEN", "ledger"), "ERR")
	expectError(t, c.do("OPEN", "ledger", "xyz"), "ERR")
	expectError(t, c.do("WRITE", "ledger", "01", "c", "x"), "PAGE_NOT_FOUND")
	expectError(t, c.do("EVICT", "ledger", "01", "sometimes"), "ERR")

	info := c.do("INFO")
	if !strings.Contains(string(info.Bulk), "policy:lru") {
		t.Errorf("INFO missing policy: %q", info.Bulk)
	}

	if _, err := c.conn.Write([]byte("?bogus\r\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	v, err := c.parser.Parse()
	if err != nil || v.Type != TypeError {
		t.Errorf("Expected protocol error reply, got %+v, %v", v, err)
	}
}

func TestServer_MaxConnections(t *testing.T) {
	config := testConfig()
	config.MaxConnections = 1
	n := newTestServer(t, config)

	first := dial(t, n)
	first.do("PING")

	second := dial(t, n)
	second.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	v, err := second.parser.Parse()
	if err != nil || v.Type != TypeError {
		t.Errorf("Expected rejection, got %+v, %v", v, err)
	}
	if s := n.server.GetStats(); s.RejectedClients != 1 {
		t.Errorf("Expected 1 rejected client, got %d", s.RejectedClients)
	}
}

func TestServer_StopReleasesPages(t *testing.T) {
	n := newTestServer(t, testConfig())
	c := dial(t, n)
	key := page.NewKey("ledger", []byte{0x02})

	expectInt(t, c.do("OPEN", "ledger", "02"), 1)
	expectOK(t, c.do("WRITE", "ledger", "02", "c", "keep"))

	if err := n.server.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if n.manager.IsOpen(key) {
		t.Errorf("Stop should release every client reference")
	}
	if err := n.server.Stop(); err == nil {
		t.Errorf("Second stop should fail")
	}
}

func waitIdle(t *testing.T, n *testNode) {
	t.Helper()
	waitFor(t, n.manager.IsDiscardable)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
