package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibedev/vibedev/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// CommandHandler receives inbound client commands from a connection
type CommandHandler interface {
	HandleUserMessage(ctx context.Context, projectID, text string) error
	HandleCancel(ctx context.Context, projectID string) error
}

// ClientFrame is an inbound frame from a connected client
type ClientFrame struct {
	Type         string `json:"type"` // user_message, cancel, reconnect
	Text         string `json:"text,omitempty"`
	FromSequence uint64 `json:"from_sequence,omitempty"`
}

// controlFrame is a server-originated frame that is not a structured event
type controlFrame struct {
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

// Client is one WebSocket connection subscribed to a single project's
// event stream
type Client struct {
	conn      *websocket.Conn
	relay     *Relay
	handler   CommandHandler
	projectID string
	logger    *logger.Logger

	mu  sync.Mutex
	sub *Subscription

	resubscribed chan struct{} // signals WritePump to pick up a new subscription
	closeOnce    sync.Once
}

// NewClient attaches a WebSocket connection to a project's event stream,
// replaying from fromSeq. A stale fromSeq produces a resync_required frame
// and a live-only subscription.
func NewClient(conn *websocket.Conn, r *Relay, handler CommandHandler, projectID string, fromSeq uint64, log *logger.Logger) *Client {
	c := &Client{
		conn:         conn,
		relay:        r,
		handler:      handler,
		projectID:    projectID,
		logger:       log.WithFields(zap.String("project_id", projectID)),
		resubscribed: make(chan struct{}, 1),
	}
	c.subscribe(fromSeq)
	return c
}

// subscribe replaces the client's subscription, signalling resync when the
// requested sequence is no longer buffered
func (c *Client) subscribe(fromSeq uint64) {
	sub, err := c.relay.Subscribe(c.projectID, fromSeq)
	if err == ErrResyncRequired {
		c.writeControl("resync_required", "requested sequence fell out of the replay buffer")
		sub = c.relay.SubscribeLive(c.projectID)
	}

	c.mu.Lock()
	old := c.sub
	c.sub = sub
	c.mu.Unlock()

	if old != nil {
		c.relay.Unsubscribe(old)
	}

	select {
	case c.resubscribed <- struct{}{}:
	default:
	}
}

func (c *Client) subscription() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *Client) writeControl(kind, detail string) {
	data, err := json.Marshal(controlFrame{Type: kind, Detail: detail})
	if err != nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the subscription and the connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.relay.Unsubscribe(c.subscription())
		c.conn.Close()
	})
}

// ReadPump reads command frames from the WebSocket connection
func (c *Client) ReadPump(ctx context.Context) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warn("Invalid client frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case "user_message":
			if err := c.handler.HandleUserMessage(ctx, c.projectID, frame.Text); err != nil {
				c.writeControl("command_rejected", err.Error())
			}
		case "cancel":
			if err := c.handler.HandleCancel(ctx, c.projectID); err != nil {
				c.writeControl("command_rejected", err.Error())
			}
		case "reconnect":
			c.subscribe(frame.FromSequence)
		default:
			c.logger.Warn("Unknown frame type", zap.String("type", frame.Type))
		}
	}
}

// WritePump delivers subscribed events to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		sub := c.subscription()
		select {
		case ev, ok := <-sub.C:
			if !ok {
				// Either we resubscribed (reconnect) or the relay dropped
				// this subscriber for falling behind
				if c.subscription() != sub {
					continue
				}
				c.writeControl("resync_required", "subscriber fell too far behind")
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				c.logger.Error("Failed to marshal event", zap.Error(err))
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.resubscribed:
			// Loop to pick up the new subscription channel

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
