package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/jsoncodec"
)

const (
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongTimeout    = 60 * time.Second
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
)

// Client is one connected websocket.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func newClient(conn *websocket.Conn, hub *Hub) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:     uuid.New().String(),
		conn:   conn,
		hub:    hub,
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// run pumps the connection until it closes.
func (c *Client) run() {
	go c.writePump()
	go c.pingPump()
	c.readPump()
}

// Close terminates the connection. It is safe to call more than once.
func (c *Client) Close() {
	c.closeWith(websocket.StatusNormalClosure, "closing")
}

func (c *Client) closeWith(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.conn.Close(code, reason)
	})
}

// Send queues msg for delivery.
func (c *Client) Send(msg Message) error {
	data, err := jsoncodec.Marshal(msg)
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

func (c *Client) sendRaw(data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		log.Warn().Str("client_id", c.ID).Str("hub", c.hub.kind).Msg("Client send buffer full, dropping message")
		return ErrSendBufferFull
	}
}

func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				log.Debug().Err(err).Str("client_id", c.ID).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := jsoncodec.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			log.Debug().Str("client_id", c.ID).Msg("Ignoring invalid message")
			continue
		}

		c.hub.receive(c, msg)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case data := <-c.sendCh:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("client_id", c.ID).Msg("WebSocket write error")
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) pingPump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, pongTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("client_id", c.ID).Msg("Ping failed")
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
