package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/callrelay/internal/protocol"
)

// Close codes sent to peers.
const (
	StatusUserNotFound websocket.StatusCode = 4004
	StatusReplaced     websocket.StatusCode = 4009
)

// peerConn is one accepted websocket, used as the user's presence sink.
type peerConn struct {
	ws          *websocket.Conn
	userID      string
	sendTimeout time.Duration

	closeOnce sync.Once
}

// Send writes msg as one JSON text frame. coder/websocket permits
// concurrent writers, so router responses and relayed signals can interleave
// at frame granularity.
func (c *peerConn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if _, ok := ctx.Deadline(); !ok && c.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.sendTimeout)
		defer cancel()
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// close sends a close frame without blocking the caller on the handshake.
func (c *peerConn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		go func() {
			if err := c.ws.Close(code, reason); err != nil {
				slog.Debug("Failed to close websocket", "user_id", c.userID, "error", err)
			}
		}()
	})
}
