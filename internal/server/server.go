// Package server hosts the Lumascan HTTP API and its storage lifecycle.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/lumascan/lumascan/internal/platform/timeouts"
	grantsdomain "github.com/lumascan/lumascan/internal/services/grants/domain"
	grantssqlite "github.com/lumascan/lumascan/internal/services/grants/storage/sqlite"
	identitydomain "github.com/lumascan/lumascan/internal/services/identity/domain"
	identitysqlite "github.com/lumascan/lumascan/internal/services/identity/storage/sqlite"
	recordsdomain "github.com/lumascan/lumascan/internal/services/records/domain"
	recordssqlite "github.com/lumascan/lumascan/internal/services/records/storage/sqlite"
	reviewdomain "github.com/lumascan/lumascan/internal/services/review/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config holds API server configuration.
type Config struct {
	Port           int    `env:"LUMASCAN_API_PORT" envDefault:"8080"`
	IdentityDBPath string `env:"LUMASCAN_IDENTITY_DB_PATH"`
	GrantsDBPath   string `env:"LUMASCAN_GRANTS_DB_PATH"`
	RecordsDBPath  string `env:"LUMASCAN_RECORDS_DB_PATH"`
	SessionSecret  string `env:"LUMASCAN_SESSION_SECRET"`
	ReviewLimit    int    `env:"LUMASCAN_REVIEW_RECORD_LIMIT" envDefault:"50"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.IdentityDBPath) == "" {
		c.IdentityDBPath = filepath.Join("data", "identity.db")
	}
	if strings.TrimSpace(c.GrantsDBPath) == "" {
		c.GrantsDBPath = filepath.Join("data", "grants.db")
	}
	if strings.TrimSpace(c.RecordsDBPath) == "" {
		c.RecordsDBPath = filepath.Join("data", "records.db")
	}
	if c.ReviewLimit <= 0 {
		c.ReviewLimit = recordsdomain.DefaultListLimit
	}
	return c
}

// Server wires domain services behind the HTTP surface.
type Server struct {
	listener      net.Listener
	httpServer    *http.Server
	sessionSecret []byte

	identityStore *identitysqlite.Store
	grantsStore   *grantssqlite.Store
	recordsStore  *recordssqlite.Store

	identity *identitydomain.Service
	grants   *grantsdomain.Service
	records  *recordsdomain.Service
	review   *reviewdomain.Service
}

// New creates a configured API server listening on the configured port.
func New(cfg Config) (*Server, error) {
	return NewWithAddr(cfg, fmt.Sprintf(":%d", cfg.Port))
}

// NewWithAddr creates a configured API server bound to the provided address.
func NewWithAddr(cfg Config, addr string) (*Server, error) {
	cfg = cfg.withDefaults()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	identityStore, err := identitysqlite.Open(cfg.IdentityDBPath)
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	grantsStore, err := grantssqlite.Open(cfg.GrantsDBPath)
	if err != nil {
		_ = listener.Close()
		_ = identityStore.Close()
		return nil, fmt.Errorf("open grants store: %w", err)
	}
	recordsStore, err := recordssqlite.Open(cfg.RecordsDBPath)
	if err != nil {
		_ = listener.Close()
		_ = identityStore.Close()
		_ = grantsStore.Close()
		return nil, fmt.Errorf("open records store: %w", err)
	}

	secret := strings.TrimSpace(cfg.SessionSecret)
	if secret == "" {
		secret = randomSecret()
		log.Printf("LUMASCAN_SESSION_SECRET is empty; sessions will not survive a restart")
	}

	server := &Server{
		listener:      listener,
		sessionSecret: []byte(secret),
		identityStore: identityStore,
		grantsStore:   grantsStore,
		recordsStore:  recordsStore,
		identity:      identitydomain.NewService(identityStore, nil, nil),
		grants:        grantsdomain.NewService(grantsStore, grantsStore, nil, nil),
		records:       recordsdomain.NewService(recordsStore, nil, nil),
		review:        reviewdomain.NewService(grantsStore, recordsStore, cfg.ReviewLimit),
	}
	server.httpServer = &http.Server{
		Handler:           otelhttp.NewHandler(server.routes(), "lumascan-api"),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	return server, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an API server until context cancellation.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully and closes the stores.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("api server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases storage resources. Safe to call more than once.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.identityStore != nil {
		if err := s.identityStore.Close(); err != nil {
			log.Printf("close identity store: %v", err)
		}
		s.identityStore = nil
	}
	if s.grantsStore != nil {
		if err := s.grantsStore.Close(); err != nil {
			log.Printf("close grants store: %v", err)
		}
		s.grantsStore = nil
	}
	if s.recordsStore != nil {
		if err := s.recordsStore.Close(); err != nil {
			log.Printf("close records store: %v", err)
		}
		s.recordsStore = nil
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleSignIn)
	mux.HandleFunc("DELETE /v1/sessions", s.withSession(s.handleSignOut))
	mux.HandleFunc("GET /v1/role", s.withSession(s.handleResolveRole))
	mux.HandleFunc("PUT /v1/role", s.withSession(s.handleSetRole))
	mux.HandleFunc("POST /v1/requests", s.withSession(s.handleCreateRequest))
	mux.HandleFunc("GET /v1/requests", s.withSession(s.handleListRequests))
	mux.HandleFunc("GET /v1/requests/stream", s.withSession(s.handleRequestsStream))
	mux.HandleFunc("POST /v1/requests/{id}/response", s.withSession(s.handleRespond))
	mux.HandleFunc("POST /v1/requests/{id}/grant-retry", s.withSession(s.handleRetryGrant))
	mux.HandleFunc("POST /v1/records", s.withSession(s.handleCreateRecord))
	mux.HandleFunc("GET /v1/records", s.withSession(s.handleListRecords))
	mux.HandleFunc("GET /v1/review/stream", s.withSession(s.handleReviewStream))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func randomSecret() string {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("read random secret: %v", err))
	}
	return hex.EncodeToString(raw[:])
}
