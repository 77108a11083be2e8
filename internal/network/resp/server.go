package resp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pagekeeper/internal/eviction"
	"pagekeeper/internal/logging"
	"pagekeeper/internal/page"
	"pagekeeper/internal/storage"
)

// PageStore is the page storage the protocol drives.
type PageStore interface {
	EnsurePage(ctx context.Context, key page.Key) (bool, error)
	WriteContent(ctx context.Context, key page.Key, name string, data []byte) error
	ReadContent(ctx context.Context, key page.Key, name string) ([]byte, error)
	MarkSynced(ctx context.Context, key page.Key) error
}

// ServerConfig holds server configuration
type ServerConfig struct {
	MaxConnections  int
	IdleTimeout     time.Duration
	CommandTimeout  time.Duration
	BufferSize      int
	KeepAlivePeriod time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections:  1000,
		IdleTimeout:     5 * time.Minute,
		CommandTimeout:  30 * time.Second,
		BufferSize:      4096,
		KeepAlivePeriod: time.Minute,
	}
}

// ServerStats holds server statistics
type ServerStats struct {
	TotalConnections  uint64
	ActiveConnections int
	CommandsProcessed uint64
	ErrorsEncountered uint64
	RejectedClients   uint64
	HeldReferences    int
}

// Server accepts page-session clients.
type Server struct {
	address  string
	config   ServerConfig
	cleanup  *eviction.DiskCleanupManager
	manager  *eviction.Manager
	pages    PageStore
	listener net.Listener

	connMutex   sync.Mutex
	connections map[uint64]*clientConn
	connIDSeq   uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	totalConnections  atomic.Uint64
	commandsProcessed atomic.Uint64
	errorsEncountered atomic.Uint64
	rejectedClients   atomic.Uint64
}

type clientConn struct {
	id       uint64
	conn     net.Conn
	parser   *Parser
	writer   *Writer
	lastUsed atomic.Int64 // unix nanos

	// Pages this client holds open, with their reference counts.
	held map[page.Key]int
}

// NewServer creates a server listening on address once started.
func NewServer(address string, cleanup *eviction.DiskCleanupManager, pages PageStore, config ServerConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address:     address,
		config:      config,
		cleanup:     cleanup,
		manager:     cleanup.Manager(),
		pages:       pages,
		connections: make(map[uint64]*clientConn),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start binds the listener and begins accepting clients.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server is already running")
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = listener
	s.running.Store(true)

	s.wg.Add(2)
	go s.acceptConnections()
	go s.connectionCleaner()

	logging.Info(s.ctx, logging.ComponentAPI, logging.ActionStart, "Page session server started", logging.Fields{
		"addr": listener.Addr().String(),
	})
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop disconnects every client, releasing the pages they hold.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return fmt.Errorf("server is not running")
	}
	s.cancel()
	s.listener.Close()

	s.connMutex.Lock()
	for _, c := range s.connections {
		c.conn.Close()
	}
	s.connMutex.Unlock()

	s.wg.Wait()
	logging.Info(context.Background(), logging.ComponentAPI, logging.ActionStop, "Page session server stopped")
	return nil
}

// GetStats returns server statistics
func (s *Server) GetStats() ServerStats {
	s.connMutex.Lock()
	active := len(s.connections)
	held := 0
	for _, c := range s.connections {
		held += c.heldCount()
	}
	s.connMutex.Unlock()

	return ServerStats{
		TotalConnections:  s.totalConnections.Load(),
		ActiveConnections: active,
		CommandsProcessed: s.commandsProcessed.Load(),
		ErrorsEncountered: s.errorsEncountered.Load(),
		RejectedClients:   s.rejectedClients.Load(),
		HeldReferences:    held,
	}
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			logging.Warn(s.ctx, logging.ComponentAPI, logging.ActionOpen, "Accept failed", logging.Fields{"error": err.Error()})
			continue
		}

		s.connMutex.Lock()
		if len(s.connections) >= s.config.MaxConnections {
			s.connMutex.Unlock()
			s.rejectedClients.Add(1)
			w := NewWriter(conn)
			w.Error("ERR", "max number of clients reached")
			w.Flush()
			conn.Close()
			continue
		}
		s.connIDSeq++
		c := &clientConn{
			id:     s.connIDSeq,
			conn:   conn,
			parser: NewParser(bufio.NewReaderSize(conn, s.config.BufferSize)),
			writer: NewWriter(conn),
			held:   make(map[page.Key]int),
		}
		c.touch()
		s.connections[c.id] = c
		s.connMutex.Unlock()

		if tcp, ok := conn.(*net.TCPConn); ok && s.config.KeepAlivePeriod > 0 {
			tcp.SetKeepAlive(true)
			tcp.SetKeepAlivePeriod(s.config.KeepAlivePeriod)
		}
		s.totalConnections.Add(1)

		s.wg.Add(1)
		go s.handleConnection(c)
	}
}

func (c *clientConn) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

func (c *clientConn) heldCount() int {
	n := 0
	for _, v := range c.held {
		n += v
	}
	return n
}

func (s *Server) handleConnection(c *clientConn) {
	defer s.wg.Done()
	ctx := logging.WithCorrelationID(s.ctx, logging.NewCorrelationID())
	defer s.disconnect(ctx, c)

	for {
		v, err := c.parser.Parse()
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				c.writer.Error("ERR", err.Error())
				c.writer.Flush()
			}
			return
		}
		c.touch()

		quit := s.serveCommand(ctx, c, v)
		s.commandsProcessed.Add(1)
		if err := c.writer.Flush(); err != nil || quit {
			return
		}
	}
}

// disconnect releases every page the client still holds.
func (s *Server) disconnect(ctx context.Context, c *clientConn) {
	c.conn.Close()

	s.connMutex.Lock()
	delete(s.connections, c.id)
	held := c.held
	c.held = map[page.Key]int{}
	s.connMutex.Unlock()

	released := 0
	for key, n := range held {
		for i := 0; i < n; i++ {
			s.cleanup.OnExternallyUnused(key)
			released++
		}
	}
	if released > 0 {
		logging.Info(ctx, logging.ComponentAPI, logging.ActionClose, "Client disconnected, released its pages", logging.Fields{
			"client":     c.id,
			"references": released,
		})
	}
}

func (s *Server) serveCommand(ctx context.Context, c *clientConn, v Value) (quit bool) {
	cmd, err := ParseCommand(v)
	if err != nil {
		s.replyError(c, err)
		return false
	}

	if s.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CommandTimeout)
		defer cancel()
	}

	switch cmd.Name {
	case "PING":
		if len(cmd.Args) == 0 {
			c.writer.SimpleString("PONG")
		} else {
			c.writer.Bulk(cmd.Args[0])
		}
	case "QUIT":
		c.writer.SimpleString("OK")
		return true
	case "OPEN":
		s.handleOpen(ctx, c, cmd)
	case "CLOSE":
		s.handleClose(c, cmd)
	case "HELD":
		s.connMutex.Lock()
		n := c.heldCount()
		s.connMutex.Unlock()
		c.writer.Integer(int64(n))
	case "WRITE":
		s.handleWrite(ctx, c, cmd)
	case "READ":
		s.handleRead(ctx, c, cmd)
	case "SYNCED":
		s.handleSynced(ctx, c, cmd)
	case "EVICT":
		s.handleEvict(ctx, c, cmd)
	case "CLEANUP":
		s.handleCleanup(ctx, c)
	case "INFO":
		s.handleInfo(c)
	default:
		s.replyError(c, fmt.Errorf("unknown command '%s'", strings.ToLower(cmd.Name)))
	}
	return false
}

// replyError writes err with the eviction status as its code, or ERR.
func (s *Server) replyError(c *clientConn, err error) {
	s.errorsEncountered.Add(1)
	code := "ERR"
	switch st := eviction.StatusOf(err); {
	case errors.Is(err, storage.ErrBudgetExceeded):
		code = "NOSPACE"
	case errors.Is(err, fs.ErrNotExist):
		code = "NOTFOUND"
	case st == eviction.StatusPageNotFound, st == eviction.StatusIllegalState,
		st == eviction.StatusIOError, st == eviction.StatusInterrupted:
		code = st.String()
	}
	c.writer.Error(code, err.Error())
}

func argCountError(name string) error {
	return fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(name))
}

// keyArg parses the scope and hex page id at args[0:2].
func keyArg(cmd Command, want int) (page.Key, error) {
	if len(cmd.Args) != want {
		return page.Key{}, argCountError(cmd.Name)
	}
	return page.FromHex(cmd.Arg(0), cmd.Arg(1))
}

// handleOpen takes an external reference for the client, creating the page if needed.
// Replies 1 if the page was created, 0 if it existed.
func (s *Server) handleOpen(ctx context.Context, c *clientConn, cmd Command) {
	key, err := keyArg(cmd, 2)
	if err != nil {
		s.replyError(c, err)
		return
	}

	s.cleanup.OnExternallyUsed(key)
	created, err := s.pages.EnsurePage(ctx, key)
	if err != nil {
		s.cleanup.OnExternallyUnused(key)
		s.replyError(c, err)
		return
	}

	s.connMutex.Lock()
	c.held[key]++
	s.connMutex.Unlock()

	if created {
		c.writer.Integer(1)
	} else {
		c.writer.Integer(0)
	}
}

func (s *Server) handleClose(c *clientConn, cmd Command) {
	key, err := keyArg(cmd, 2)
	if err != nil {
		s.replyError(c, err)
		return
	}

	s.connMutex.Lock()
	held := c.held[key] > 0
	if held {
		if c.held[key]--; c.held[key] == 0 {
			delete(c.held, key)
		}
	}
	s.connMutex.Unlock()

	if !held {
		s.replyError(c, fmt.Errorf("page %s is not open on this connection", key))
		return
	}
	s.cleanup.OnExternallyUnused(key)
	c.writer.SimpleString("OK")
}

// WRITE scope id name data
func (s *Server) handleWrite(ctx context.Context, c *clientConn, cmd Command) {
	key, err := keyArg(cmd, 4)
	if err != nil {
		s.replyError(c, err)
		return
	}

	s.cleanup.OnInternallyUsed(key)
	err = s.pages.WriteContent(ctx, key, cmd.Arg(2), cmd.Args[3])
	s.cleanup.OnInternallyUnused(key)
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.writer.SimpleString("OK")
}

// READ scope id name
func (s *Server) handleRead(ctx context.Context, c *clientConn, cmd Command) {
	key, err := keyArg(cmd, 3)
	if err != nil {
		s.replyError(c, err)
		return
	}

	s.cleanup.OnInternallyUsed(key)
	data, err := s.pages.ReadContent(ctx, key, cmd.Arg(2))
	s.cleanup.OnInternallyUnused(key)
	if errors.Is(err, fs.ErrNotExist) {
		c.writer.Null()
		return
	}
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.writer.Bulk(data)
}

func (s *Server) handleSynced(ctx context.Context, c *clientConn, cmd Command) {
	key, err := keyArg(cmd, 2)
	if err != nil {
		s.replyError(c, err)
		return
	}
	if err := s.pages.MarkSynced(ctx, key); err != nil {
		s.replyError(c, err)
		return
	}
	c.writer.SimpleString("OK")
}

// EVICT scope id [condition]; replies 1 when the replica was deleted.
func (s *Server) handleEvict(ctx context.Context, c *clientConn, cmd Command) {
	if len(cmd.Args) != 2 && len(cmd.Args) != 3 {
		s.replyError(c, argCountError(cmd.Name))
		return
	}
	key, err := page.FromHex(cmd.Arg(0), cmd.Arg(1))
	if err != nil {
		s.replyError(c, err)
		return
	}
	condition := eviction.IfPossible
	if len(cmd.Args) == 3 {
		if condition, err = eviction.ParseCondition(strings.ToLower(cmd.Arg(2))); err != nil {
			s.replyError(c, err)
			return
		}
	}

	evicted, err := s.manager.TryEvictPage(ctx, key, condition)
	if err != nil {
		s.replyError(c, err)
		return
	}
	if evicted {
		c.writer.Integer(1)
	} else {
		c.writer.Integer(0)
	}
}

// CLEANUP replies [candidates, evicted, skipped].
func (s *Server) handleCleanup(ctx context.Context, c *clientConn) {
	result, err := s.cleanup.Sweep(ctx)
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.writer.ArrayHeader(3)
	c.writer.Integer(int64(result.Candidates))
	c.writer.Integer(int64(result.Evicted))
	c.writer.Integer(int64(result.Skipped))
}

func (s *Server) handleInfo(c *clientConn) {
	stats := s.GetStats()
	var b strings.Builder
	fmt.Fprintf(&b, "# Clients\r\nconnected_clients:%d\r\nmaxclients:%d\r\nheld_references:%d\r\n",
		stats.ActiveConnections, s.config.MaxConnections, stats.HeldReferences)
	fmt.Fprintf(&b, "# Stats\r\ntotal_connections_received:%d\r\ntotal_commands_processed:%d\r\nrejected_connections:%d\r\n",
		stats.TotalConnections, stats.CommandsProcessed, stats.RejectedClients)
	fmt.Fprintf(&b, "# Eviction\r\npolicy:%s\r\nopen_pages:%d\r\ndiscardable:%t\r\n",
		s.cleanup.Policy().Name(), s.manager.Tracker().OpenPages(), s.manager.IsDiscardable())
	c.writer.Bulk([]byte(b.String()))
}

// connectionCleaner disconnects clients idle longer than IdleTimeout.
func (s *Server) connectionCleaner() {
	defer s.wg.Done()
	if s.config.IdleTimeout <= 0 {
		<-s.ctx.Done()
		return
	}

	ticker := time.NewTicker(s.config.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupIdleConnections()
		}
	}
}

func (s *Server) cleanupIdleConnections() {
	cutoff := time.Now().Add(-s.config.IdleTimeout).UnixNano()

	s.connMutex.Lock()
	defer s.connMutex.Unlock()
	for _, c := range s.connections {
		if c.lastUsed.Load() < cutoff {
			// handleConnection sees the read fail and releases the client's pages.
			c.conn.Close()
		}
	}
}
