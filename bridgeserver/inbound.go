package bridgeserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"hop.computer/wsbridge/proxy"
)

const closeGracePeriod = time.Second

// wsConn adapts a websocket connection to proxy.MessageConn. Only one
// goroutine may call ReadMessage and only one may call WriteMessage.
type wsConn struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

var _ proxy.MessageConn = (*wsConn)(nil)

// ReadMessage returns the payload of the next data message. Text and binary
// messages are both accepted; the relay validates the payload as UTF-8.
func (c *wsConn) ReadMessage() ([]byte, error) {
	_, b, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// WriteMessage sends msg as a text message.
func (c *wsConn) WriteMessage(msg []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a normal closure frame, with no reason, and closes the
// underlying connection.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		if err == websocket.ErrCloseSent {
			err = nil
		}
		c.closeErr = multierr.Append(err, c.conn.Close())
	})
	return c.closeErr
}
