package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mbrandolli/tandem/internal/config"
	"github.com/mbrandolli/tandem/internal/executor"
	"github.com/mbrandolli/tandem/internal/mapping"
	"github.com/mbrandolli/tandem/internal/observability"
	"github.com/mbrandolli/tandem/internal/protocol"
)

// Orchestrator runs one websocket connection's prompt/response loop.
type Orchestrator interface {
	RunConnection(ctx context.Context, channelID string, inbound <-chan any, outbound chan<- any) error
}

// ExistenceCheck verifies a channel still exists on its transport, keyed
// by transport name. Transports register theirs at build time.
type ExistenceCheck = mapping.ExistenceCheck

type Server struct {
	cfg       config.Config
	bridge    Orchestrator
	mapper    *mapping.Mapper
	exec      *executor.Executor
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
	storeMode string
	existence map[string]ExistenceCheck
}

func New(cfg config.Config, bridge Orchestrator, mapper *mapping.Mapper, exec *executor.Executor, metrics *observability.Metrics, storeMode string) *Server {
	return &Server{
		cfg:       cfg,
		bridge:    bridge,
		mapper:    mapper,
		exec:      exec,
		metrics:   metrics,
		storeMode: storeMode,
		existence: map[string]ExistenceCheck{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// RegisterExistenceCheck wires a transport's liveness probe into
// findLiveChannelForSession.
func (s *Server) RegisterExistenceCheck(transport string, check ExistenceCheck) {
	s.existence[transport] = check
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/ws", s.handleWS)

	r.Get("/v1/channels/{id}/mapping", s.handleGetChannelMapping)
	r.Post("/v1/channels/{id}/mapping", s.handleSaveChannelMapping)
	r.Get("/v1/sessions/{id}/channel", s.handleFindLiveChannel)
	r.Get("/v1/sessions/{id}/task", s.handleGetTask)
	r.Post("/v1/sessions/{id}/cancel", s.handleCancelSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"mapping_store_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"mapping_store_mode": s.storeMode,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "web bridge not configured")
		return
	}
	channelID := strings.TrimSpace(r.URL.Query().Get("channel_id"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.bridge.RunConnection(ctx, channelID, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok && s.metrics != nil {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.NewErrorEvent("", "invalid_client_message", err.Error(), false)
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop when the
				// outbound queue is saturated.
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok && s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientPrompt:
		return m.Type, true
	case protocol.ClientCancel:
		return m.Type, true
	case protocol.AgentEvent:
		return m.Type, true
	case protocol.LiveUpdate:
		return m.Type, true
	case protocol.LiveFinal:
		return m.Type, true
	case protocol.TaskState:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
