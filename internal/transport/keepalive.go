package transport

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// readTimeout is how long the socket may stay silent before it is treated
// as dead. Zero when keepalive is disabled.
func (c *Client) readTimeout() time.Duration {
	if c.opts.Keepalive <= 0 {
		return 0
	}
	return 2*c.opts.Keepalive + writeWait
}

func (c *Client) armKeepalive(conn *websocket.Conn) {
	if c.readTimeout() == 0 {
		return
	}
	c.extendDeadline(conn)
	conn.SetPongHandler(func(string) error {
		c.extendDeadline(conn)
		return nil
	})
}

func (c *Client) extendDeadline(conn *websocket.Conn) {
	if d := c.readTimeout(); d > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(d))
	}
}

// keepalive sends a control ping every interval until stop is closed or a
// ping fails. A failed ping closes the socket so the reader notices.
func (c *Client) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("keepalive ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) stopKeepaliveLocked() {
	if c.stopKeepalive != nil {
		close(c.stopKeepalive)
		c.stopKeepalive = nil
	}
}
