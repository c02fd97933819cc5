package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/l0p7/bixworker/internal/runtime"
	"github.com/l0p7/bixworker/internal/runtime/messaging"
)

//go:embed assets/register.js
var registerScript []byte

const (
	channelWriteTimeout = 5 * time.Second
	channelReadLimit    = 512
)

// A page that answers no ping within channelPongWait is dropped. Pings go
// out often enough that a live page always answers in time.
var (
	channelPongWait   = 60 * time.Second
	channelPingPeriod = (channelPongWait * 9) / 10
)

// WorkerHTTP is the surface the routing facade needs from the worker.
type WorkerHTTP interface {
	http.Handler
	Status(ctx context.Context) (runtime.Status, error)
	Connect(id string) *messaging.Client
	Dispatch(clientID string, cmd messaging.Command)
	Disconnect(c *messaging.Client)
}

// NewWorkerHandler mounts the worker control endpoints and hands every other
// request to the worker:
//
//	/healthz         liveness
//	/sw/status       registration and generations as JSON
//	/sw/channel      page message channel (WebSocket)
//	/sw/register.js  page side of the update handshake
func NewWorkerHandler(w WorkerHTTP, logger *slog.Logger) http.Handler {
	if w == nil {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			http.Error(rw, "worker unavailable", http.StatusServiceUnavailable)
		})
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "http"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /sw/status", func(rw http.ResponseWriter, r *http.Request) {
		status, err := w.Status(r.Context())
		if err != nil {
			logger.Error("status unavailable", slog.Any("error", err))
			writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, status)
	})
	mux.HandleFunc("GET /sw/register.js", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		rw.Header().Set("Cache-Control", "no-cache")
		rw.Header().Set("Service-Worker-Allowed", "/")
		_, _ = rw.Write(registerScript)
	})
	mux.Handle("GET /sw/channel", &channelHandler{
		worker:     w,
		logger:     logger,
		pongWait:   channelPongWait,
		pingPeriod: channelPingPeriod,
	})
	mux.Handle("/", w)
	return mux
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

type channelHandler struct {
	worker     WorkerHTTP
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	pongWait   time.Duration
	pingPeriod time.Duration
}

// ServeHTTP upgrades the request and relays signals out and commands in
// until either side goes away. The client query parameter keeps a page's id
// stable across reconnects.
func (h *channelHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		h.logger.Debug("channel upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	client := h.worker.Connect(r.URL.Query().Get("client"))
	defer h.worker.Disconnect(client)
	logger := h.logger.With(slog.String("client", client.ID()))

	conn.SetReadLimit(channelReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("channel read ended", slog.Any("error", err))
				}
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			cmd, err := messaging.ParseCommand(string(data))
			if err != nil {
				logger.Debug("page command ignored", slog.Any("error", err))
				continue
			}
			h.worker.Dispatch(client.ID(), cmd)
		}
	}()

	ping := time.NewTicker(h.pingPeriod)
	defer ping.Stop()
	for {
		select {
		case sig, ok := <-client.Signals():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "replaced"),
					time.Now().Add(channelWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
			if err := conn.WriteJSON(sig); err != nil {
				logger.Debug("channel write failed", slog.Any("error", err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(channelWriteTimeout)); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
