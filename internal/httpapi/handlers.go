// Package httpapi exposes the WebSocket endpoint riders and drivers
// connect to, plus health and metrics routes. Each connection runs one
// session goroutine; all domain errors are converted to the error envelope
// at this boundary so no fault propagates to unrelated sessions.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/fare-auction/internal/auction"
	"github.com/example/fare-auction/internal/registry"
)

type Server struct {
	Reg    *registry.Registry
	Engine *auction.Engine
	Log    *slog.Logger

	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(reg *registry.Registry, engine *auction.Engine, log *slog.Logger) *Server {
	s := &Server{
		Reg:    reg,
		Engine: engine,
		Log:    log,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("websocket upgrade failed", "remote_addr", remoteIP(r), "error", err)
		return
	}
	go s.runSession(conn)
}
