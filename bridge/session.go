package bridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"hop.computer/wsbridge/common"
	"hop.computer/wsbridge/frame"
	"hop.computer/wsbridge/handshake"
	"hop.computer/wsbridge/proxy"
	"hop.computer/wsbridge/routing"
)

// ErrSessionClosed is returned by Run when the session was closed before it
// reached the relaying state.
var ErrSessionClosed = errors.New("bridge: session closed")

// Config is shared by every session of a server. It is not modified after
// the first session starts.
type Config struct {
	Resolver  routing.Resolver
	Connector *Connector

	// HandshakeTimeout bounds the upstream handshake. Zero disables it.
	HandshakeTimeout time.Duration

	// IdleTimeout ends a relaying session when the upstream sends nothing
	// for this long. Zero disables it.
	IdleTimeout time.Duration

	Limits frame.Limits

	// NewRequestID generates compatibility request ids. Defaults to
	// uuid.NewString.
	NewRequestID func() string

	Observer Observer
	Log      *logrus.Entry
}

// Session pairs one inbound connection with at most one upstream
// connection. A Session is used once: call Run, and Close from anywhere.
type Session struct {
	id      string
	inbound proxy.MessageConn
	req     routing.Request
	config  *Config
	log     *logrus.Entry

	m sync.Mutex
	// +checklocks:m
	state State
	// +checklocks:m
	outbound net.Conn
	// +checklocks:m
	endpoint routing.Endpoint

	closeOnce sync.Once
	closeErr  error
}

// NewSession returns a Session for an accepted inbound connection. The
// inbound side must not be read by anyone else; the session starts reading
// it only after the upstream handshake succeeds.
func NewSession(id string, inbound proxy.MessageConn, req routing.Request, config *Config) *Session {
	log := config.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		id:      id,
		inbound: inbound,
		req:     req,
		config:  config,
		log:     log.WithField("conn", id),
		state:   Connecting,
	}
}

// ID returns the correlation id of the session.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.m.Lock()
	defer s.m.Unlock()
	return s.state
}

// Endpoint returns the resolved upstream endpoint, or the zero Endpoint if
// routing has not completed.
func (s *Session) Endpoint() routing.Endpoint {
	s.m.Lock()
	defer s.m.Unlock()
	return s.endpoint
}

func (s *Session) observer() Observer {
	if s.config.Observer == nil {
		return nopObserver{}
	}
	return s.config.Observer
}

// advance moves the session forward to next. It returns false if the
// session is already at or past next, which only happens once it is closed.
func (s *Session) advance(next State) bool {
	s.m.Lock()
	defer s.m.Unlock()
	if s.state >= next {
		return false
	}
	s.state = next
	return true
}

// attach records the upstream connection so that Close will close it. If
// the session was closed while connecting, attach returns false and the
// caller owns conn.
func (s *Session) attach(conn net.Conn, e routing.Endpoint) bool {
	s.m.Lock()
	defer s.m.Unlock()
	if s.state == Closed {
		return false
	}
	s.outbound = conn
	s.endpoint = e
	return true
}

// Close tears the session down: it closes the upstream connection, if any,
// and the inbound side. Only the first call does anything; it is safe to call
// concurrently from any goroutine and later calls return nil.
func (s *Session) Close() error {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.m.Lock()
		s.state = Closed
		outbound := s.outbound
		s.m.Unlock()

		var err error
		if outbound != nil {
			err = multierr.Append(err, outbound.Close())
		}
		err = multierr.Append(err, s.inbound.Close())
		s.closeErr = err
	})
	if !first {
		return nil
	}
	return s.closeErr
}

func (s *Session) teardown() {
	if err := s.Close(); err != nil && !common.IsExpectedCloseError(err) {
		s.log.Debugf("error closing session: %s", err)
	}
}

// Run drives the session to completion: resolve, connect, handshake, then
// relay until either side ends. Both sides are closed when Run returns.
// Cancelling ctx closes the session.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.teardown)
	defer stop()
	defer s.teardown()

	s.observer().SessionOpened()
	err := s.run(ctx)
	outcome := OutcomeOf(err)
	s.observer().SessionClosed(outcome)

	switch outcome {
	case OutcomeClosed:
		if err != nil {
			s.log.Debugf("connection closed: %s", err)
		}
		s.log.Info("disconnected")
	default:
		s.log.Errorf("connection error, disconnecting: %s", err)
	}
	return err
}

func (s *Session) run(ctx context.Context) error {
	endpoint, err := s.config.Resolver.Resolve(ctx, s.req)
	if err != nil {
		if !errors.Is(err, routing.ErrRouting) {
			err = &routing.Error{Key: s.req.URI, Err: err}
		}
		return err
	}
	s.log.Infof("routing %s to %s", s.req.URI, endpoint)

	if s.State() == Closed {
		return ErrSessionClosed
	}
	conn, err := s.config.Connector.Connect(ctx, endpoint)
	if err != nil {
		return err
	}
	if !s.attach(conn, endpoint) {
		conn.Close()
		return ErrSessionClosed
	}
	s.log.Info("server connected")

	if !s.advance(Handshaking) {
		return ErrSessionClosed
	}
	if err := s.handshake(conn); err != nil {
		return err
	}

	if !s.advance(Relaying) {
		return ErrSessionClosed
	}
	relay := proxy.MessageProxy(s.inbound, conn, s.teardown, proxy.Config{
		Limits:      s.config.Limits,
		IdleTimeout: s.config.IdleTimeout,
		OnMessage:   s.observer().MessageRelayed,
		Log:         s.log,
	})
	return relay.Wait()
}

func (s *Session) handshake(conn net.Conn) error {
	if t := s.config.HandshakeTimeout; t > 0 {
		if err := conn.SetDeadline(time.Now().Add(t)); err != nil {
			return err
		}
	}
	res, err := handshake.Perform(conn, handshake.Options{
		NewID:  s.config.NewRequestID,
		Limits: s.config.Limits,
	})
	if err != nil {
		return err
	}
	s.log.Info("signature is valid")
	s.log.Infof("protocol is compatible (request %s)", res.RequestID)
	if s.config.HandshakeTimeout > 0 {
		return conn.SetDeadline(time.Time{})
	}
	return nil
}
