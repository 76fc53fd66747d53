package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"hop.computer/wsbridge/routing"
)

// ErrConnect is matched by every *ConnectError.
var ErrConnect = errors.New("bridge: unable to connect to upstream")

// ConnectError is returned when the upstream connection cannot be opened,
// including when the connect timeout expires.
type ConnectError struct {
	Endpoint routing.Endpoint
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s %s: %s", ErrConnect, e.Endpoint, e.Err)
}

// Is reports whether target is ErrConnect.
func (e *ConnectError) Is(target error) bool {
	return target == ErrConnect
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Dialer opens byte-stream connections. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Connector opens the upstream TCP connection for a session.
type Connector struct {
	// Dialer defaults to a zero net.Dialer.
	Dialer Dialer

	// Timeout bounds the connect. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Connect dials e once. There is no retry.
func (c *Connector) Connect(ctx context.Context, e routing.Endpoint) (net.Conn, error) {
	var d Dialer = &net.Dialer{}
	if c != nil && c.Dialer != nil {
		d = c.Dialer
	}
	if c != nil && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	conn, err := d.DialContext(ctx, "tcp", e.Address())
	if err != nil {
		return nil, &ConnectError{Endpoint: e, Err: err}
	}
	return conn, nil
}
