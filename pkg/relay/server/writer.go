package server

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/call-relay/pkg/relay/protocol"
)

var errConnClosed = errors.New("relay connection closed")

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	payload []byte
	final   bool
}

// connSink queues encoded frames for the connection's writer. Frames keep
// their emit order; an end frame is the last one written.
type connSink struct {
	queue chan outboundFrame
	done  chan struct{}
}

func newConnSink(size int) *connSink {
	if size <= 0 {
		size = 64
	}
	return &connSink{queue: make(chan outboundFrame, size), done: make(chan struct{})}
}

func (s *connSink) Emit(ctx context.Context, frame protocol.Outbound) error {
	payload, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errConnClosed
	default:
	}
	select {
	case s.queue <- outboundFrame{payload: payload, final: frame.IsEnd()}:
		return nil
	case <-s.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	queue        <-chan outboundFrame
}

// Run writes queued frames until the call's end frame is written, the
// context ends, or a write fails. It always closes the socket on return.
func (w *outboundWriter) Run() error {
	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	defer w.ws.Close()

	for {
		select {
		case <-w.ctx.Done():
			w.drain(writeTimeout)
			w.closeNormally(writeTimeout)
			return nil
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case frame := <-w.queue:
			if err := w.write(frame, writeTimeout); err != nil {
				return err
			}
			if frame.final {
				w.closeNormally(writeTimeout)
				return nil
			}
		}
	}
}

// drain writes frames that were queued before shutdown, stopping at the end
// frame or after a short budget.
func (w *outboundWriter) drain(writeTimeout time.Duration) {
	flushTimeout := 100 * time.Millisecond
	if writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for time.Now().Before(deadline) {
		select {
		case frame := <-w.queue:
			if err := w.write(frame, writeTimeout); err != nil || frame.final {
				return
			}
		default:
			return
		}
	}
}

func (w *outboundWriter) write(frame outboundFrame, writeTimeout time.Duration) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.payload)
}

func (w *outboundWriter) closeNormally(writeTimeout time.Duration) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended")
	_ = w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
