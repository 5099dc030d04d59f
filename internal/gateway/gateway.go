// Package gateway exposes an optional HTTP+WebSocket surface for
// Numerus: it tails job.*/terminal.* bus events live to a remote
// client and proxies attach/send against a running task's PTY session
// for interactive use from an editor or browser.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/numerus-run/numerus/internal/bus"
	"github.com/numerus-run/numerus/internal/store"
	"github.com/numerus-run/numerus/internal/terminal"
)

// Config holds a Server's construction-time dependencies.
type Config struct {
	Bus     *bus.Bus
	Manager *terminal.Manager
	Store   *store.Store
	Logger  *slog.Logger

	// AllowedOrigins configures CORS for the HTTP surface; empty means
	// same-origin only.
	AllowedOrigins []string
}

// Server is the gateway's HTTP handler.
type Server struct {
	bus     *bus.Bus
	manager *terminal.Manager
	store   *store.Store
	logger  *slog.Logger

	handler http.Handler
}

// New builds a Server ready to be used as an http.Handler.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		bus:     cfg.Bus,
		manager: cfg.Manager,
		store:   cfg.Store,
		logger:  cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/jobs", s.handleListJobs)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.HandleFunc("/ws/attach/", s.handleAttachWS)

	s.handler = NewCORSMiddleware(cfg.AllowedOrigins)(mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "store not configured", http.StatusServiceUnavailable)
		return
	}
	rows, err := s.store.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// eventTopics are the bus topics forwarded over the live events socket.
var eventTopics = []string{
	"job.plan_created",
	"job.started",
	"job.roles_assigned",
	"job.claim_recorded",
	"job.claim_blocked",
	"job.claim_unblocked",
	"job.claim_approved",
	"job.locks_released",
	"job.task_completed",
	"job.task_failed",
	"job.succeeded",
	"job.failed",
	"terminal.started",
	"terminal.stdout",
	"terminal.timeout",
	"terminal.killed",
	"terminal.exit",
}

// wsEnvelope is what's written over the events socket for every
// forwarded bus emission.
type wsEnvelope struct {
	Topic   string       `json:"topic"`
	Payload bus.Payload  `json:"payload"`
	SentAt  float64      `json:"sent_at"`
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("gateway: ws accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	out := make(chan wsEnvelope, 64)

	var unsubs []bus.Unsubscribe
	for _, topic := range eventTopics {
		topic := topic
		unsubs = append(unsubs, s.bus.Subscribe(topic, func(t string, p bus.Payload) {
			select {
			case out <- wsEnvelope{Topic: t, Payload: p, SentAt: float64(time.Now().UnixNano()) / 1e9}:
			default:
				// Slow reader: drop rather than block the bus emit.
			}
		}))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case env := <-out:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, env)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
