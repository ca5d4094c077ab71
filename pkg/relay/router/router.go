// Package router decodes relay frames and dispatches them to call sessions.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/vango-go/call-relay/pkg/relay/protocol"
	"github.com/vango-go/call-relay/pkg/relay/session"
	"github.com/vango-go/call-relay/pkg/relay/sessions"
)

// Factory builds the session for a setup frame. The returned session must
// not have received the setup frame yet.
type Factory func(setup protocol.Setup, sink session.Sink) (*session.Session, error)

type Stats struct {
	Frames         int64 `json:"frames"`
	ProtocolErrors int64 `json:"protocol_errors"`
	Dropped        int64 `json:"dropped"`
}

type Router struct {
	registry *sessions.Registry[*session.Session]
	factory  Factory
	logger   *slog.Logger

	frames         atomic.Int64
	protocolErrors atomic.Int64
	dropped        atomic.Int64
}

func New(registry *sessions.Registry[*session.Session], factory Factory, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, factory: factory, logger: logger}
}

func (r *Router) Stats() Stats {
	return Stats{
		Frames:         r.frames.Load(),
		ProtocolErrors: r.protocolErrors.Load(),
		Dropped:        r.dropped.Load(),
	}
}

// Conn is the router's view of one relay connection. A connection carries at
// most one call, bound by its first accepted setup frame. Conn methods must
// be called from the connection's single read loop.
type Conn struct {
	router  *Router
	sink    session.Sink
	logger  *slog.Logger
	callID  string
	session *session.Session
}

// Accept starts routing for a new connection whose outbound frames go to sink.
func (r *Router) Accept(sink session.Sink, connID string) *Conn {
	return &Conn{
		router: r,
		sink:   sink,
		logger: r.logger.With("conn_id", connID),
	}
}

// CallID returns the bound call id, or "" before setup.
func (c *Conn) CallID() string { return c.callID }

// HandleMessage decodes and dispatches one raw frame. Malformed frames are
// logged and skipped; the returned error is non-nil only if ctx ended while
// waiting for the session to accept the frame.
func (c *Conn) HandleMessage(ctx context.Context, data []byte) error {
	frame, err := protocol.Decode(data)
	if err != nil {
		c.router.protocolErrors.Add(1)
		var perr *protocol.Error
		if errors.As(err, &perr) {
			c.logger.Warn("protocol error, frame skipped", "call_id", c.callID, "code", perr.Code, "param", perr.Param, "error", perr.Message)
		} else {
			c.logger.Warn("protocol error, frame skipped", "call_id", c.callID, "error", err)
		}
		return nil
	}
	return c.Dispatch(ctx, frame)
}

// Dispatch routes a decoded frame.
func (c *Conn) Dispatch(ctx context.Context, frame protocol.Inbound) error {
	c.router.frames.Add(1)
	switch f := frame.(type) {
	case protocol.Setup:
		return c.setup(ctx, f)
	case protocol.Prompt, protocol.DTMF, protocol.Interrupt, protocol.RelayError, protocol.Media, protocol.LanguageSwitch:
		return c.deliver(ctx, frame)
	default:
		c.router.protocolErrors.Add(1)
		c.logger.Warn("unsupported frame kind", "frame_type", string(frame.Kind()))
		return nil
	}
}

func (c *Conn) setup(ctx context.Context, f protocol.Setup) error {
	if c.callID != "" {
		c.drop("connection already bound to a call", f, "setup_call_id", f.CallID)
		return nil
	}
	s, err := c.router.registry.Create(f.CallID, func() (*session.Session, error) {
		return c.router.factory(f, c.sink)
	})
	if errors.Is(err, sessions.ErrDuplicateSession) {
		c.drop("setup rejected, call already has a session", f, "setup_call_id", f.CallID)
		return nil
	}
	if err != nil {
		c.router.dropped.Add(1)
		c.logger.Error("create session failed", "call_id", f.CallID, "error", err)
		return nil
	}
	c.callID = f.CallID
	c.session = s
	c.logger = c.logger.With("call_id", f.CallID)
	c.logger.Info("call bound", "workflow_id", f.WorkflowID, "tracking_id", f.TrackingID)
	return c.send(ctx, s, f)
}

func (c *Conn) deliver(ctx context.Context, frame protocol.Inbound) error {
	if c.callID == "" {
		c.drop("frame before setup", frame)
		return nil
	}
	s, err := c.router.registry.Get(c.callID)
	if err != nil {
		c.drop("no session for call", frame, "error", err)
		return nil
	}
	return c.send(ctx, s, frame)
}

func (c *Conn) send(ctx context.Context, s *session.Session, frame protocol.Inbound) error {
	err := s.Deliver(ctx, frame)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrClosed):
		c.drop("session already closed", frame)
		return nil
	default:
		return err
	}
}

func (c *Conn) drop(msg string, frame protocol.Inbound, attrs ...any) {
	c.router.dropped.Add(1)
	args := append([]any{"frame_type", string(frame.Kind())}, attrs...)
	c.logger.Warn(msg, args...)
}

// Close ends the bound call, if any. The registry entry is released once the
// session has finished.
func (c *Conn) Close(reason string) {
	if c.session == nil {
		return
	}
	c.session.Close(reason)
}
