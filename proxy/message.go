// Package proxy relays messages between a message-oriented connection and a
// framed byte stream.
package proxy

import (
	"context"
	"fmt"
	"net"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"hop.computer/wsbridge/common"
	"hop.computer/wsbridge/frame"
)

// MessageConn is a connection that delivers whole messages.
type MessageConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close() error
}

// Direction identifies one half of a relay.
type Direction int

const (
	// ClientToServer carries inbound messages to the upstream socket.
	ClientToServer Direction = iota
	// ServerToClient carries upstream frames to the inbound side.
	ServerToClient
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client_to_server"
	case ServerToClient:
		return "server_to_client"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Config holds the parameters of a MessageProxy.
type Config struct {
	Limits frame.Limits

	// IdleTimeout, if non-zero, fails the relay when the upstream sends
	// nothing for this long.
	IdleTimeout time.Duration

	// OnMessage, if set, is called after each message is forwarded.
	OnMessage func(d Direction, n int)

	Log *logrus.Entry
}

// Relay is a running MessageProxy.
type Relay struct {
	g        *errgroup.Group
	teardown func()
}

// Wait blocks until both directions have finished and returns the error
// that ended the relay. Both connections are torn down when it returns.
func (r *Relay) Wait() error {
	err := r.g.Wait()
	r.teardown()
	return err
}

// MessageProxy starts relaying between client and server, one goroutine per
// direction. The first direction to fail cancels the group, which calls
// teardown; teardown must close both connections so that the other direction
// unblocks, and must be safe to call more than once. Errors from the
// direction that is unblocked this way are discarded.
func MessageProxy(client MessageConn, server net.Conn, teardown func(), c Config) *Relay {
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	g, ctx := errgroup.WithContext(context.Background())
	context.AfterFunc(ctx, teardown)
	g.Go(func() error {
		return clientToServer(client, server, &c)
	})
	g.Go(func() error {
		return serverToClient(client, server, &c)
	})
	return &Relay{g: g, teardown: teardown}
}

func clientToServer(client MessageConn, server net.Conn, c *Config) error {
	for {
		msg, err := client.ReadMessage()
		if err != nil {
			return fmt.Errorf("client read: %w", err)
		}
		if !utf8.Valid(msg) {
			return fmt.Errorf("client message: %w", frame.ErrInvalidUTF8)
		}
		debugMessage(c.Log, "message from client", msg)
		if err := frame.Write(server, msg, c.Limits); err != nil {
			return fmt.Errorf("server write: %w", err)
		}
		if c.OnMessage != nil {
			c.OnMessage(ClientToServer, len(msg))
		}
	}
}

func serverToClient(client MessageConn, server net.Conn, c *Config) error {
	for {
		if c.IdleTimeout > 0 {
			if err := server.SetReadDeadline(time.Now().Add(c.IdleTimeout)); err != nil {
				return fmt.Errorf("server deadline: %w", err)
			}
		}
		msg, err := frame.ReadText(server, c.Limits)
		if err != nil {
			return fmt.Errorf("server read: %w", err)
		}
		debugMessage(c.Log, "message from server", []byte(msg))
		if err := client.WriteMessage([]byte(msg)); err != nil {
			return fmt.Errorf("client write: %w", err)
		}
		if c.OnMessage != nil {
			c.OnMessage(ServerToClient, len(msg))
		}
	}
}

func debugMessage(log *logrus.Entry, what string, msg []byte) {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	log.Debugf("%s: %s", what, common.TrimMessage(string(msg), common.MaxLoggedMessageLen))
}
