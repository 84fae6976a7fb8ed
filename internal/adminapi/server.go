// Package adminapi is the relay's read-only observability surface: a
// gorilla/mux HTTP server exposing a stats snapshot, a liveness probe,
// and a gorilla/websocket feed that pushes the same snapshot every two
// seconds. There is no client-to-server command channel — every
// connected client only ever receives broadcasts.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/omnicloud/relay/internal/registry"
	"github.com/omnicloud/relay/internal/relaylog"
	"github.com/omnicloud/relay/internal/stats"
)

// Server is the admin HTTP API.
type Server struct {
	router   *mux.Router
	registry *registry.Registry
	stats    *stats.Stats
	hub      *Hub
	port     int
	server   *http.Server
}

// New builds the admin API server bound to port, reading snapshots from
// reg and st.
func New(port int, reg *registry.Registry, st *stats.Stats) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		registry: reg,
		stats:    st,
		hub:      newHub(),
		port:     port,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/stats/live", s.handleStatsLive)
}

func (s *Server) snapshot() stats.Snapshot {
	return stats.Snapshot{
		TotalConnections:   s.stats.TotalConnections(),
		TotalBytesRelayed:  s.stats.TotalBytesRelayed(),
		TotalIntroductions: s.stats.TotalIntroductions(),
		ActiveSessions:     s.registry.ActiveSessionCount(),
		ActivePeers:        s.registry.ActivePeerCount(),
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		relaylog.Warnf("adminapi: encoding /stats response: %v", err)
	}
}

func (s *Server) handleStatsLive(w http.ResponseWriter, r *http.Request) {
	s.hub.serveWS(w, r)
}

// RunBroadcaster pushes a fresh stats snapshot to every connected
// /stats/live client every two seconds. Runs until ctx is cancelled.
func (s *Server) RunBroadcaster(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(s.snapshot())
			if err != nil {
				continue
			}
			s.hub.broadcast(data)
		}
	}
}

// Start serves the admin API until Shutdown is called. Blocks; run it
// in its own goroutine.
func (s *Server) Start() error {
	relaylog.Infof("admin API listening on %s", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the admin API.
func (s *Server) Shutdown(ctx context.Context) error {
	relaylog.Infof("admin API shutting down")
	return s.server.Shutdown(ctx)
}
