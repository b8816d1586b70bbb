package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hiveward/hiveward/internal/bus"
	"github.com/hiveward/hiveward/internal/config"
	"github.com/hiveward/hiveward/internal/launcher"
	"github.com/hiveward/hiveward/internal/scheduler"
	"github.com/hiveward/hiveward/internal/store"
	"github.com/hiveward/hiveward/internal/vault"
)

// Server exposes the coordination state over HTTP: agent roster, task
// history, schedules and a websocket stream of bus events.
type Server struct {
	store     *store.Store
	client    *bus.Client
	launcher  *launcher.Launcher
	sched     *scheduler.Scheduler
	vault     *vault.Vault
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time

	// addr is populated once the listener is bound, for tests using port 0.
	addrCh chan string
}

func NewServer(s *store.Store, client *bus.Client, l *launcher.Launcher, sched *scheduler.Scheduler, v *vault.Vault, cfg config.WebConfig, version string) *Server {
	return &Server{
		store:     s,
		client:    client,
		launcher:  l,
		sched:     sched,
		vault:     v,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		addrCh:    make(chan string, 1),
	}
}

// Addr blocks until the listener is bound and returns its address.
func (s *Server) Addr() string {
	addr := <-s.addrCh
	s.addrCh <- addr
	return addr
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.subscribeEvents()

	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	handler := s.withMiddleware(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.addrCh <- ln.Addr().String()

	server := &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if _, pass, ok := r.BasicAuth(); !ok || pass != s.cfg.Auth {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// subscribeEvents forwards every bus event to connected websockets.
func (s *Server) subscribeEvents() {
	_, err := s.client.Subscribe(bus.TopicEventsAll, func(msg *nats.Msg) {
		if !json.Valid(msg.Data) {
			slog.Warn("invalid event payload", "subject", msg.Subject)
			return
		}
		s.hub.Broadcast(msg.Subject, msg.Data)
	})
	if err != nil {
		slog.Error("event subscription failed", "error", err)
	}
}
