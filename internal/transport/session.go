package transport

import (
	"github.com/matheus3301/msync/internal/apierr"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/protocol"
	"github.com/matheus3301/msync/internal/status"
	"go.uber.org/zap"
)

// onFrame is the session-level handling run for every decoded frame before
// it reaches the bus.
func (c *Client) onFrame(f protocol.Frame) {
	switch f := f.(type) {
	case *protocol.Connected:
		c.onConnected(f)
	case *protocol.Error:
		c.onServerError(f)
	case *protocol.Ping:
		c.onPing(f)
	case *protocol.NewMessage:
		if f.RequiresDeliveryConfirmation && f.DeliveryID != "" {
			if err := c.Send(protocol.NewDeliveryConfirmation(f.DeliveryID, f.ChatID, f.Message.ID)); err != nil {
				c.logger.Debug("delivery confirmation not sent", zap.Error(err))
			}
		}
	}
}

func (c *Client) onConnected(f *protocol.Connected) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.attempt = 0
	c.lastErr = nil
	c.mu.Unlock()

	c.setState(status.Authenticated)
	c.logger.Info("realtime authenticated",
		zap.Int64("user_id", f.User.ID),
		zap.String("device_id", f.DeviceID),
	)
	if err := c.Send(protocol.NewGetChats()); err != nil {
		c.logger.Warn("initial chat list request failed", zap.Error(err))
	}
}

func (c *Client) onServerError(f *protocol.Error) {
	c.logger.Warn("server error frame",
		zap.String("code", f.Code),
		zap.String("message", f.Message),
		zap.Bool("reconnect", f.Reconnect),
	)
	if !f.IsAuthFailure() {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.connected = false
	c.lastErr = apierr.ErrAuthRejected
	c.mu.Unlock()

	c.bus.Emit(bus.AuthRejected, f)
	// Closing the socket ends the reader, which runs the reconnect path.
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) onPing(f *protocol.Ping) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	data, err := protocol.Encode(protocol.NewPong(f))
	if err != nil {
		return
	}
	if err := c.write(conn, data); err != nil {
		c.logger.Warn("pong write failed", zap.Error(err))
	}
}
