package websocket

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/metrics"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/safego"
)

const (
	backpressurePolicyDropOldest = "drop_oldest"
	backpressurePolicyBlock      = "block"

	defaultBufferSize   = 64
	defaultWriteTimeout = 10 * time.Second
)

// ErrConnectionClosed is returned by Send after the connection has been closed.
var ErrConnectionClosed = errors.New("websocket connection closed")

// wsConn is the part of *websocket.Conn a Connection uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type frame struct {
	typ         websocket.MessageType
	data        []byte
	messageType string
}

// Connection wraps a websocket connection with a bounded outbound buffer drained by a
// single writer goroutine. When the buffer is full the configured policy either drops
// the oldest queued frame or blocks the sender.
type Connection struct {
	id           string
	ws           wsConn
	logger       domain.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	buffer       chan frame
	dropPolicy   string
	writeTimeout time.Duration
	remoteAddr   string

	writerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// NewConnection creates a managed connection and starts its writer.
func NewConnection(ctx context.Context, cancel context.CancelFunc, id string, ws wsConn, remoteAddr string, logger domain.Logger, cfg config.WebsocketConfig) *Connection {
	bufferCap := cfg.MessageBufferSize
	if bufferCap <= 0 {
		logger.Warn(ctx, "MessageBufferSize not configured or invalid, using default", "default_size", defaultBufferSize)
		bufferCap = defaultBufferSize
	}
	dropPol := strings.ToLower(cfg.BackpressureDropPolicy)
	if dropPol != backpressurePolicyDropOldest && dropPol != backpressurePolicyBlock {
		logger.Warn(ctx, "Invalid BackpressureDropPolicy, defaulting to drop_oldest", "configured_policy", cfg.BackpressureDropPolicy)
		dropPol = backpressurePolicyDropOldest
	}
	writeTimeout := time.Duration(cfg.WriteTimeoutSeconds) * time.Second
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	c := &Connection{
		id:           id,
		ws:           ws,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		buffer:       make(chan frame, bufferCap),
		dropPolicy:   dropPol,
		writeTimeout: writeTimeout,
		remoteAddr:   remoteAddr,
		writerDone:   make(chan struct{}),
	}
	safego.Execute(ctx, logger, "WebSocketWriter-"+id, c.writeLoop)
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string {
	return c.id
}

// Context returns the context associated with this connection.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// RemoteAddr returns the remote network address string of the client.
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// Send queues one encoded frame. It never blocks under drop_oldest.
func (c *Connection) Send(typ websocket.MessageType, data []byte, messageType string) error {
	f := frame{typ: typ, data: data, messageType: messageType}
	for {
		if c.ctx.Err() != nil {
			return ErrConnectionClosed
		}
		select {
		case c.buffer <- f:
			metrics.IncrementMessagesSent(messageType)
			return nil
		default:
		}

		if c.dropPolicy == backpressurePolicyBlock {
			select {
			case c.buffer <- f:
				metrics.IncrementMessagesSent(messageType)
				return nil
			case <-c.ctx.Done():
				metrics.IncrementWebsocketMessagesDropped("block_ctx_done")
				return ErrConnectionClosed
			}
		}

		select {
		case oldest := <-c.buffer:
			metrics.IncrementWebsocketMessagesDropped("drop_oldest")
			c.logger.Debug(c.ctx, "Dropped oldest queued message due to backpressure",
				"dropped_type", oldest.messageType,
				"capacity", cap(c.buffer))
		default:
		}
	}
}

// Read reads the next data frame.
func (c *Connection) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.ws.Read(ctx)
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.buffer:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(writeCtx, f.typ, f.data)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
					return
				}
				c.logger.Warn(c.ctx, "Failed to write message to WebSocket, closing connection",
					"error", err.Error(),
					"message_type", f.messageType)
				c.cancel()
				return
			}
		}
	}
}

// Close stops the writer and closes the websocket. It is safe to call more than once.
func (c *Connection) Close(code websocket.StatusCode, reason string) error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.writerDone
		c.closeErr = c.ws.Close(code, reason)
		c.logger.Debug(context.Background(), "WebSocket connection closed",
			"connection_id", c.id,
			"status_code", int(code),
			"reason", reason)
	})
	return c.closeErr
}
