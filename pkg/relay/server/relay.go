package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/call-relay/pkg/relay/config"
	"github.com/vango-go/call-relay/pkg/relay/lifecycle"
	"github.com/vango-go/call-relay/pkg/relay/router"
)

// RelayHandler serves /v1/relay: one WebSocket per phone call.
type RelayHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Router    *router.Router
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if h.Lifecycle.IsDraining() {
		writeJSONError(w, http.StatusServiceUnavailable, "draining", "relay is draining")
		return
	}
	if !h.originAllowed(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "origin is not allowed")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := "conn_" + uuid.NewString()
	logger := h.Logger.With("conn_id", connID)
	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}
	if h.Config.WSReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.Config.WSReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(h.Config.WSReadTimeout))
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newConnSink(h.Config.OutboundQueue)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer close(sink.done)
		wr := outboundWriter{
			ws:           conn,
			ctx:          ctx,
			pingInterval: h.Config.WSPingInterval,
			writeTimeout: h.Config.WSWriteTimeout,
			queue:        sink.queue,
		}
		if err := wr.Run(); err != nil {
			logger.Debug("relay writer stopped", "error", err)
		}
	}()

	rc := h.Router.Accept(sink, connID)
	logger.Info("relay connection opened", "remote_addr", r.RemoteAddr)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			logger.Warn("ignoring non-text relay frame", "message_type", messageType)
			continue
		}
		if err := rc.HandleMessage(ctx, data); err != nil {
			break
		}
	}

	rc.Close("connection_closed")
	// Give the session a moment to flush its end frame.
	wait := h.Config.WSWriteTimeout
	if wait <= 0 || wait > time.Second {
		wait = time.Second
	}
	select {
	case <-writerDone:
	case <-time.After(wait):
	}
	cancel()
	<-writerDone
	logger.Info("relay connection closed", "call_id", rc.CallID())
}

func (h RelayHandler) originAllowed(r *http.Request) bool {
	if len(h.Config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, ok := h.Config.AllowedOrigins[origin]
	return ok
}
