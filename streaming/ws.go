package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/types"
)

// WSConnection wraps a websocket connection for event delivery. Writes
// are serialized: the protocol does not support concurrent writers.
type WSConnection struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex
	closed bool
}

// AcceptWS upgrades an HTTP request to a websocket event connection.
func AcceptWS(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*WSConnection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	return &WSConnection{
		conn:   conn,
		logger: logger.With(zap.String("component", "ws_connection")),
	}, nil
}

// WriteEvent sends one event as a JSON text message.
func (c *WSConnection) WriteEvent(ctx context.Context, ev types.StreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close closes the connection with a normal closure status.
func (c *WSConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

// ServeWS mirrors a request's event feed over a websocket connection
// until the stream finishes or the client goes away.
func ServeWS(ctx context.Context, conn *WSConnection, broker *Broker, requestID string) error {
	events, cancel := broker.Subscribe(requestID)
	defer cancel()
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := conn.WriteEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}
