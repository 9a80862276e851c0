// Package httpapi provides the local REST/WebSocket API for inspecting
// channel states and adjusting per-channel off-delays.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trymwestin/hikd/internal/core/state"
)

// ChannelReader provides read access to channel states.
type ChannelReader interface {
	ChannelIDs() []int
	Channel(channelID int) (state.Snapshot, bool)
	Channels() []state.Snapshot
	Connected() bool
}

// DelayWriter persists operator-initiated off-delay changes.
type DelayWriter interface {
	SetOffDelay(channelID, seconds int) error
}

// Server is the local HTTP API server.
type Server struct {
	hub    ChannelReader
	delays DelayWriter
	bus    *state.Bus
	log    *slog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// Config holds HTTP API server configuration.
type Config struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_all"`
}

// NewServer creates the HTTP API server.
func NewServer(cfg Config, hub ChannelReader, delays DelayWriter, bus *state.Bus, log *slog.Logger) *Server {
	s := &Server{
		hub:    hub,
		delays: delays,
		bus:    bus,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local API, same trust domain as the daemon.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/channels", s.handleChannels)
	mux.HandleFunc("GET /api/channels/{id}", s.handleChannel)
	mux.HandleFunc("POST /api/channels/{id}/off_delay", s.handleSetOffDelay)
	mux.HandleFunc("GET /api/events/ws", s.handleEventsWS)

	var handler http.Handler = mux
	if cfg.CORSAll {
		handler = corsAll(handler)
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}
	return s
}

// Start begins serving HTTP requests. It returns once the listener fails
// or the server is shut down.
func (s *Server) Start() error {
	s.log.Info("HTTP API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpapi: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the request handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// --- handlers ---

type statusResponse struct {
	Connected    bool `json:"connected"`
	ChannelCount int  `json:"channel_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Connected:    s.hub.Connected(),
		ChannelCount: len(s.hub.ChannelIDs()),
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	channels := s.hub.Channels()
	if channels == nil {
		channels = []state.Snapshot{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || channelID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	snap, ok := s.hub.Channel(channelID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type setOffDelayRequest struct {
	Seconds int `json:"seconds"`
}

func (s *Server) handleSetOffDelay(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || channelID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}

	var req setOffDelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Seconds < state.MinOffDelaySeconds || req.Seconds > state.MaxOffDelaySeconds {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("seconds must be between %d and %d", state.MinOffDelaySeconds, state.MaxOffDelaySeconds))
		return
	}

	if err := s.delays.SetOffDelay(channelID, req.Seconds); err != nil {
		s.log.Error("failed to persist off_delay", "channel", channelID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save off delay")
		return
	}

	s.log.Info("off_delay updated via API", "channel", channelID, "seconds", req.Seconds)
	writeJSON(w, http.StatusOK, map[string]int{"channel_id": channelID, "seconds": req.Seconds})
}

// handleEventsWS upgrades the connection and streams bus events as JSON
// until the client disconnects.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	evtCh, unsub := s.bus.Subscribe(64)
	defer unsub()

	// Reader goroutine only to detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.Debug("websocket client connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-done:
			return
		case evt, ok := <-evtCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("websocket write failed, closing", "error", err)
				return
			}
		}
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func corsAll(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
