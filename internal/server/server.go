// Package server exposes the sync service over HTTP: the websocket upgrade
// endpoint and a small JSON API for documents and health.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"docsync/internal/crdt"
	"docsync/internal/session"
	"docsync/internal/store"
)

// Config controls the HTTP surface.
type Config struct {
	Addr string `mapstructure:"addr"`
	// AuthToken, when set, must accompany every websocket upgrade.
	AuthToken      string   `mapstructure:"auth_token"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// MaxMessageSize bounds inbound websocket messages.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// ShutdownTimeout bounds the graceful shutdown in Run.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns the standard listen address and limits.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		AllowedOrigins:  []string{"*"},
		MaxMessageSize:  8 << 20,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server wires the registry and store to HTTP handlers.
type Server struct {
	cfg      Config
	registry *session.Registry
	store    store.Store
	logger   *log.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
}

// New builds the router. A nil logger logs to stderr.
func New(cfg Config, reg *session.Registry, st store.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	s := &Server{
		cfg:      cfg,
		registry: reg,
		store:    st,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := mux.NewRouter()
	// Identities may contain escaped slashes.
	r.UseEncodedPath()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/ws/{identity:.+}", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/documents", s.handleListDocuments).Methods("GET")
	r.HandleFunc("/api/documents", s.handleCreateDocument).Methods("POST")
	r.HandleFunc("/api/documents/{id}/text", s.handleDocumentText).Methods("GET")
	r.HandleFunc("/api/documents/{id}/stats", s.handleDocumentStats).Methods("GET")
	r.Use(s.cors)
	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then stops accepting requests and
// drains every session.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Printf("listening on %s", ln.Addr())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = DefaultConfig().ShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s.logger.Printf("shutting down")
		httpErr := httpServer.Shutdown(shutdownCtx)
		if err := s.registry.Shutdown(shutdownCtx); err != nil {
			s.logger.Printf("sessions did not drain: %v", err)
		}
		return httpErr
	})
	return g.Wait()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// identity returns the document identity from the path or the location
// query parameter.
func identity(r *http.Request) string {
	if id := pathVar(r, "identity"); id != "" {
		return id
	}
	return r.URL.Query().Get("location")
}

func pathVar(r *http.Request, name string) string {
	raw := mux.Vars(r)[name]
	v, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return v
}

// authorize checks the shared token and returns the status to reject with,
// or 0.
func (s *Server) authorize(r *http.Request) int {
	if s.cfg.AuthToken == "" {
		return 0
	}
	token := r.URL.Query().Get("authorization")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return http.StatusUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
		return http.StatusForbidden
	}
	return 0
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if id == "" {
		http.Error(w, "Missing document identity", http.StatusBadRequest)
		return
	}
	if status := s.authorize(r); status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Println("WebSocket upgrade error:", err)
		return
	}

	cfg := s.registry.Config()
	c := session.NewConn(newWSTransport(conn, cfg.IOTimeout, s.cfg.MaxMessageSize), cfg)
	if err := c.Serve(r.Context(), s.registry, id); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Printf("connection %s to %s ended: %v", c.ID, id, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	storeErr := s.store.Ping(ctx)

	status := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
		"sessions":  s.registry.Len(),
		"services": map[string]interface{}{
			"store": storeErr == nil,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if storeErr != nil {
		status["status"] = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ListDocuments(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"documents": ids,
		"count":     len(ids),
	})
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		http.Error(w, "Missing document id", http.StatusBadRequest)
		return
	}

	err := s.store.CreateDocument(r.Context(), req.ID)
	if errors.Is(err, store.ErrDocumentExists) {
		http.Error(w, "Document already exists", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": req.ID})
}

// handleDocumentText serves the live text when the document is open, and
// the persisted text otherwise.
func (s *Server) handleDocumentText(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	var (
		snapshot []byte
		err      error
	)
	if sess, ok := s.registry.Lookup(id); ok {
		snapshot, err = sess.Snapshot(r.Context())
	}
	if snapshot == nil {
		snapshot, err = s.store.LoadDocument(r.Context(), id)
	}
	if errors.Is(err, store.ErrDocumentNotFound) {
		http.Error(w, "Document not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	doc := crdt.New(0)
	if _, err := doc.MergeDelta(snapshot, nil); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"text": doc.Text()})
}

func (s *Server) handleDocumentStats(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	sess, ok := s.registry.Lookup(id)
	if !ok {
		http.Error(w, "Document not open", http.StatusNotFound)
		return
	}
	stats, err := sess.Stats(r.Context())
	if errors.Is(err, session.ErrSessionClosed) {
		http.Error(w, "Document not open", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
