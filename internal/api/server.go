// Package api is the thin control-plane Control Endpoint of spec.md §2: it
// parses and validates request values, invokes the rendezvous service, and
// serializes the result. It holds no domain state of its own.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/filebridge/relay/internal/registry"
	"github.com/filebridge/relay/internal/rendezvous"
)

// Server is the HTTP front end for the rendezvous service.
type Server struct {
	router *mux.Router
	server *http.Server

	reg        *registry.Registry
	rendezvous *rendezvous.Service
	validate   *validator.Validate

	port            int
	socketPort      int
	blockingTimeout time.Duration
	now             func() time.Time
}

// NewServer wires a control endpoint over reg/rv. port is the HTTP listen
// port; socketPort is reported to clients as where to dial the TCP relay.
func NewServer(reg *registry.Registry, rv *rendezvous.Service, port, socketPort int, blockingTimeout time.Duration) *Server {
	v := validator.New()
	v.RegisterTagNameFunc(jsonTagName)

	s := &Server{
		router:          mux.NewRouter(),
		reg:             reg,
		rendezvous:      rv,
		validate:        v,
		port:            port,
		socketPort:      socketPort,
		blockingTimeout: blockingTimeout,
		now:             time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.loggingMiddleware)

	api := s.router.PathPrefix("/api/relay").Subrouter()
	api.HandleFunc("/serve", s.handleServe).Methods("POST")
	api.HandleFunc("/listen", s.handleListen).Methods("POST")
	api.HandleFunc("/session/{sessionId}", s.handleCompleteSession).Methods("DELETE")

	s.router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Start begins serving HTTP. Blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Printf("[api] starting control endpoint on %s", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("[api] shutting down control endpoint")
	return s.server.Shutdown(ctx)
}
