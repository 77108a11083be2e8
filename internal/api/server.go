// Package api serves the admin HTTP interface of a pagekeeper node: page usage,
// content writes, manual evictions and cleanup sweeps.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"pagekeeper/internal/cluster"
	"pagekeeper/internal/eviction"
	"pagekeeper/internal/logging"
	"pagekeeper/internal/metrics"
	"pagekeeper/internal/page"
	"pagekeeper/internal/storage"
)

const maxContentBytes = 64 << 20

// PageStore is the page storage the API drives.
type PageStore interface {
	EnsurePage(ctx context.Context, key page.Key) (bool, error)
	WriteContent(ctx context.Context, key page.Key, name string, data []byte) error
	ReadContent(ctx context.Context, key page.Key, name string) ([]byte, error)
	MarkSynced(ctx context.Context, key page.Key) error
	Meta(ctx context.Context, key page.Key) (storage.PageMeta, error)
	Stats() storage.StorageStats
}

// Membership is the read side of cluster membership.
type Membership interface {
	GetMembers() []cluster.ClusterMember
	Summary() cluster.MembershipSummary
	IsHealthy() bool
}

// NoticeSource exposes the eviction notices received from peers.
type NoticeSource interface {
	RecentNotices() []cluster.EvictionNotice
	Stats() cluster.BroadcastStats
}

// Config wires a Server. Membership and Notices are nil when clustering is off.
type Config struct {
	NodeID     string
	Cleanup    *eviction.DiskCleanupManager
	Pages      PageStore
	Index      eviction.CandidateSource
	Membership Membership
	Notices    NoticeSource
}

// Server is the admin API.
type Server struct {
	config  Config
	manager *eviction.Manager
	router  *mux.Router

	// External references taken through the API, so a close never releases a
	// reference some other client holds.
	mu    sync.Mutex
	holds map[page.Key]int
}

// NewServer builds the router.
func NewServer(config Config) *Server {
	s := &Server{
		config:  config,
		manager: config.Cleanup.Manager(),
		holds:   make(map[page.Key]int),
	}

	r := mux.NewRouter()
	r.Use(logging.HTTPMiddleware)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/pages", s.handleListPages).Methods(http.MethodGet)
	r.HandleFunc("/pages/{scope}/{id}", s.handleGetPage).Methods(http.MethodGet)
	r.HandleFunc("/pages/{scope}/{id}/open", s.handleOpen).Methods(http.MethodPost)
	r.HandleFunc("/pages/{scope}/{id}/close", s.handleClose).Methods(http.MethodPost)
	r.HandleFunc("/pages/{scope}/{id}/content/{name}", s.handlePutContent).Methods(http.MethodPut)
	r.HandleFunc("/pages/{scope}/{id}/content/{name}", s.handleGetContent).Methods(http.MethodGet)
	r.HandleFunc("/pages/{scope}/{id}/synced", s.handleSynced).Methods(http.MethodPost)
	r.HandleFunc("/pages/{scope}/{id}/evict", s.handleEvict).Methods(http.MethodPost)
	r.HandleFunc("/cleanup", s.handleCleanup).Methods(http.MethodPost)
	r.HandleFunc("/cluster/members", s.handleMembers).Methods(http.MethodGet)
	r.HandleFunc("/cluster/notices", s.handleNotices).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Info(ctx, logging.ComponentAPI, logging.ActionStart, "HTTP API server starting", logging.Fields{
		"addr":    addr,
		"node_id": s.config.NodeID,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server failed: %w", err)
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
		logging.Info(ctx, logging.ComponentAPI, logging.ActionStop, "HTTP API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// OpenHolds returns the number of external references held through the API.
func (s *Server) OpenHolds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.holds {
		n += c
	}
	return n
}

type response struct {
	Success       bool        `json:"success"`
	Data          interface{} `json:"data,omitempty"`
	Error         string      `json:"error,omitempty"`
	Status        string      `json:"status,omitempty"`
	Node          string      `json:"node"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response{
		Success:       true,
		Data:          data,
		Node:          s.config.NodeID,
		CorrelationID: logging.CorrelationID(r.Context()),
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	resp := response{
		Error:         err.Error(),
		Node:          s.config.NodeID,
		CorrelationID: logging.CorrelationID(r.Context()),
	}
	if st := eviction.StatusOf(err); st != eviction.StatusOK && st != eviction.StatusInternalError {
		resp.Status = st.String()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// errorCode maps an operation error to an HTTP status.
func errorCode(err error) int {
	switch {
	case errors.Is(err, storage.ErrInvalidScope), errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrBudgetExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	}
	switch eviction.StatusOf(err) {
	case eviction.StatusPageNotFound:
		return http.StatusNotFound
	case eviction.StatusIllegalState:
		return http.StatusConflict
	case eviction.StatusInterrupted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func pageKeyFrom(r *http.Request) (page.Key, error) {
	vars := mux.Vars(r)
	key, err := page.FromHex(vars["scope"], vars["id"])
	if err != nil {
		return page.Key{}, fmt.Errorf("invalid page id: %w", err)
	}
	return key, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"healthy":     true,
		"open_pages":  s.manager.Tracker().OpenPages(),
		"discardable": s.manager.IsDiscardable(),
		"policy":      s.config.Cleanup.Policy().Name(),
		"storage":     s.config.Pages.Stats(),
	}
	if s.config.Membership != nil {
		data["cluster_healthy"] = s.config.Membership.IsHealthy()
		data["cluster_size"] = len(s.config.Membership.GetMembers())
	}
	s.writeJSON(w, r, http.StatusOK, data)
}

type pageEntry struct {
	Scope          string    `json:"scope"`
	ID             string    `json:"id"`
	Open           bool      `json:"open"`
	ExternallyUsed bool      `json:"externally_used"`
	LastClosedAt   time.Time `json:"last_closed_at"`
}

func (s *Server) handleListPages(w http.ResponseWriter, r *http.Request) {
	seq, err := s.config.Index.ListCandidates(r.Context())
	if err != nil {
		s.writeError(w, r, errorCode(err), err)
		return
	}

	pages := []pageEntry{}
	for e := range seq {
		pages = append(pages, pageEntry{
			Scope:          e.Key.Scope,
			ID:             e.Key.HexID(),
			Open:           e.Open,
			ExternallyUsed: e.ExternallyUsed,
			LastClosedAt:   e.LastClosedAt,
		})
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"pages":       pages,
		"total_count": len(pages),
	})
}

func (s *Server) handleGetPage(w http.ResponseWriter, r *http.Request) {
	key, err := pageKeyFrom(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	meta, err := s.config.Pages.Meta(r.Context(), key)
	if err != nil {
		s.writeError(w, r, errorCode(err), err)
		return
	}

	state, _ := s.manager.Tracker().State(key)
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"meta":          meta,
		"open":          state.Open(),
		"external_refs": state.ExternalCount,
		"internal_refs": state.InternalCount,
		"ever_external": s.manager.Tracker().EverExternallyOpened(key),
	})
}

// handleOpen takes an external reference, creating the page if it does not exist yet.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	key, err := pageKeyFrom(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	s.config.Cleanup.OnExternallyUsed(key)
	created, err := s.config.Pages.EnsurePage(ctx, key)
	if err != nil {
		s.config.Cleanup.OnExternallyUnused(key)
		s.writeError(w, r, errorCode(err), err)
		return
	}

	s.mu.Lock()
	s.holds[key]++
	s.mu.Unlock()

	logging.Info(ctx, logging.ComponentAPI, logging.ActionOpen, "Page opened", logging.Fields{
		"page":    key,
		"created": created,
	})
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{"page": key.String(), "created": created})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	key, err := pageKeyFrom(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	held := s.holds[key] > 0
	if held {
		s.holds[key]--
		if s.holds[key] == 0 {
			delete(s.holds, key)
		}
	}
	s.mu.Unlock()
	if !held {
		s.writeError(w, r, http.StatusConflict, fmt.Errorf("page %s is not open", key))
		return
	}

	s.config.Cleanup.OnExternallyUnused(key)
	logging.Info(r.Context(), logging.ComponentAPI, logging.ActionClose, "Page closed", logging.Fields{"page": key})
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{"page": key.String()})
}

// withInternalReference keeps key open while fn runs.
func (s *Server) withInternalReference(key page.Key, fn func()) {
	s.config.Cleanup.OnInternallyUsed(key)
	defer s.config.Cleanup.OnInternallyUnused(key)
	fn()
}

func (s *Server) handlePutContent(w http.ResponseWriter, r *http.Request) {
	key, err := pageKeyFrom(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	name := mux.Vars(r)["name"]

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxContentBytes))
	if err != nil {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, err)
		return
	}

	s.withInternalReference(key, func() {
		err = s.config.Pages.WriteContent(r.Context(), key, name, data)
	})
	if err != nil {
		s.writeError(w, r, errorCode(err), err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"page":  key.String(),
		"name":  name,
		"bytes": len(data),
	})
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	key, err := pageKeyFrom(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	var data []byte
	s.withInternalReference(key, func() {
		data, err = s.config.Pages.ReadContent(r.Context(), key, mux.Vars(r)["name"])
	})
	if err != nil {
		s.writeError(w, r, errorCode(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handleSynced(w http.ResponseWriter, r *http.Request) {
	key, err := pageKeyFrom(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.config.Pages.MarkSynced(r.Context(), key); err != nil {
		s.writeError(w, r, errorCode(err), err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{"page": key.String()})
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	key, err := pageKeyFrom(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	condition, err := eviction.ParseCondition(r.URL.Query().Get("condition"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	evicted, err := s.manager.TryEvictPage(r.Context(), key, condition)
	if err != nil {
		s.writeError(w, r, errorCode(err), err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"page":      key.String(),
		"condition": condition.String(),
		"evicted":   evicted,
	})
}

// handleCleanup runs one sweep, with the configured policy unless ?policy= names
// another one.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	policy := s.config.Cleanup.Policy()
	if name := r.URL.Query().Get("policy"); name != "" {
		var opts eviction.PolicyOptions
		if v := r.URL.Query().Get("age_threshold"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid age_threshold: %w", err))
				return
			}
			opts.AgeThreshold = d
		}
		p, err := eviction.NewPolicy(name, opts)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		policy = p
	}

	result, err := s.manager.Sweep(r.Context(), policy)
	if err != nil {
		s.writeError(w, r, errorCode(err), err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	if s.config.Membership == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, errors.New("cluster membership not enabled"))
		return
	}
	members := s.config.Membership.GetMembers()
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"members":     members,
		"total_count": len(members),
		"summary":     s.config.Membership.Summary(),
	})
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	if s.config.Notices == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, errors.New("cluster membership not enabled"))
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"notices": s.config.Notices.RecentNotices(),
		"stats":   s.config.Notices.Stats(),
	})
}
