package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paseohq/paseo/internal/agentmanager"
	"github.com/paseohq/paseo/internal/checkout"
	"github.com/paseohq/paseo/internal/config"
	"github.com/paseohq/paseo/internal/metrics"
	"github.com/paseohq/paseo/internal/session"
	"github.com/paseohq/paseo/internal/store"
	"github.com/paseohq/paseo/internal/terminal"
	"github.com/paseohq/paseo/internal/timeline"
)

// keepaliveInterval is the expected interval between client heartbeat
// frames; a session is considered stale after 2x this with none seen.
const keepaliveInterval = 15 * time.Second

// Server is the daemon's client-facing edge: it owns the direct
// listener, the optional outbound relay client, and every live
// session.Session, grounded on the teacher's hub.Server (hub/server.go).
type Server struct {
	cfg      *config.Config
	identity *Identity
	pairings *Pairings
	manager  *agentmanager.Manager
	engine   *timeline.Engine
	store    *store.Store
	checkout *checkout.Watcher
	terminal *terminal.Manager
	registry *Registry

	hostname     string
	version      string
	allowedHosts map[string]struct{}

	httpServer *http.Server
}

// NewServer wires the daemon's transport edge around already-constructed
// core components (C1-C5, C7). checkoutWatcher and terminals may be nil.
func NewServer(cfg *config.Config, identity *Identity, pairings *Pairings, manager *agentmanager.Manager, engine *timeline.Engine, st *store.Store, checkoutWatcher *checkout.Watcher, terminals *terminal.Manager, hostname, version string) *Server {
	s := &Server{
		cfg:          cfg,
		identity:     identity,
		pairings:     pairings,
		manager:      manager,
		engine:       engine,
		store:        st,
		checkout:     checkoutWatcher,
		terminal:     terminals,
		registry:     NewRegistry(),
		hostname:     hostname,
		version:      version,
		allowedHosts: parseAllowedHosts(cfg.AllowedHosts),
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", s.DirectHandler())
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Handler:           metrics.HTTPMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Registry exposes the live-session registry, e.g. so a notifier.Dispatcher
// can be constructed against it.
func (s *Server) Registry() *Registry { return s.registry }

// OfferURL returns this daemon's current pairing offer URL.
func (s *Server) OfferURL() string { return OfferURL(s.cfg.AppBaseURL, s.identity) }

func (s *Server) newSession(id string, send session.Sink) *session.Session {
	return session.New(id, s.manager, s.engine, s.store, s.checkout, s.terminal, send, keepaliveInterval)
}

// ListenAndServe starts the direct HTTP/WebSocket listener on
// cfg.Listen and blocks until ctx is cancelled, then shuts down
// gracefully, grounded on the teacher's Serve in hub/server.go.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.cfg.Listen, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		slog.Info("transport: shutting down direct listener")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func parseAllowedHosts(raw string) map[string]struct{} {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[string]struct{})
	for _, h := range strings.Split(raw, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			out[h] = struct{}{}
		}
	}
	return out
}
