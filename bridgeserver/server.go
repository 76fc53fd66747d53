// Package bridgeserver accepts websocket connections and bridges each one to
// an upstream TCP server.
package bridgeserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"goji.io"
	"goji.io/pat"

	"hop.computer/wsbridge/bridge"
	"hop.computer/wsbridge/config"
	"hop.computer/wsbridge/routing"
)

const readHeaderTimeout = 10 * time.Second

// Server is the inbound listener. Each accepted websocket connection gets its
// own bridge.Session; a failed session never affects the others.
type Server struct {
	config   *config.ServerConfig
	log      *logrus.Logger
	bridge   bridge.Config
	upgrader websocket.Upgrader

	registry *prometheus.Registry
	metrics  *Metrics

	// NewID generates correlation ids. Defaults to uuid.NewString.
	NewID func() string

	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks serving goroutines and sessions.
	wg sync.WaitGroup

	m sync.Mutex
	// +checklocks:m
	closed bool
	// +checklocks:m
	sessions map[string]*bridge.Session
	// +checklocks:m
	listener net.Listener
	// +checklocks:m
	httpServer *http.Server
	// +checklocks:m
	adminListener net.Listener
	// +checklocks:m
	adminServer *http.Server
}

// New returns a Server for sc. It does not bind any sockets.
func New(sc *config.ServerConfig, log *logrus.Logger) (*Server, error) {
	if err := sc.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	resolver, err := sc.Resolver()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config: sc,
		log:    log,
		bridge: bridge.Config{
			Resolver:         resolver,
			Connector:        &bridge.Connector{Timeout: time.Duration(sc.ConnectTimeout)},
			HandshakeTimeout: time.Duration(sc.HandshakeTimeout),
			IdleTimeout:      time.Duration(sc.IdleTimeout),
			Limits:           sc.Limits(),
			Observer:         metrics,
			Log:              logrus.NewEntry(log),
		},
		upgrader: websocket.Upgrader{
			HandshakeTimeout: readHeaderTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		registry: registry,
		metrics:  metrics,
		NewID:    uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*bridge.Session),
	}
	return s, nil
}

// Handler returns the handler for the websocket listener. Every path is
// accepted; the request URI is passed to the resolver.
func (s *Server) Handler() http.Handler {
	mux := goji.NewMux()
	mux.Handle(pat.New("/*"), http.HandlerFunc(s.serveWebsocket))
	return mux
}

// AdminHandler returns the handler serving /metrics and /healthz.
func (s *Server) AdminHandler() http.Handler {
	mux := goji.NewMux()
	mux.Handle(pat.Get("/metrics"), promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.Handle(pat.Get("/healthz"), http.HandlerFunc(s.healthz))
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.m.Lock()
	closed := s.closed
	n := len(s.sessions)
	s.m.Unlock()
	if closed {
		http.Error(w, "closing", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ok sessions=%d\n", n)
}

// Start binds the listener, and the admin listener if one is configured, and
// serves them in the background. A bind failure is returned; the caller
// decides whether it is fatal.
func (s *Server) Start() error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return http.ErrServerClosed
	}
	if s.listener != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddress())
	if err != nil {
		return errors.Wrapf(err, "unable to listen on %s", s.config.ListenAddress())
	}
	var adminLn net.Listener
	if s.config.MetricsAddress != "" {
		adminLn, err = net.Listen("tcp", s.config.MetricsAddress)
		if err != nil {
			ln.Close()
			return errors.Wrapf(err, "unable to listen on %s", s.config.MetricsAddress)
		}
	}

	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: readHeaderTimeout}
	s.serve("bridge", s.httpServer, ln)
	s.log.Infof("listening at %s", ln.Addr())

	if adminLn != nil {
		s.adminListener = adminLn
		s.adminServer = &http.Server{Handler: s.AdminHandler(), ReadHeaderTimeout: readHeaderTimeout}
		s.serve("admin", s.adminServer, adminLn)
		s.log.Infof("serving metrics at %s", adminLn.Addr())
	}
	return nil
}

// +checklocks:s.m
func (s *Server) serve(name string, hs *http.Server, ln net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := hs.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("%s server stopped: %s", name, err)
		}
	}()
}

// ListenAddress returns the address of the websocket listener, or nil if the
// server has not been started.
func (s *Server) ListenAddress() net.Addr {
	s.m.Lock()
	defer s.m.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddress returns the address of the admin listener, or nil if there is
// none.
func (s *Server) AdminAddress() net.Addr {
	s.m.Lock()
	defer s.m.Unlock()
	if s.adminListener == nil {
		return nil
	}
	return s.adminListener.Addr()
}

// ActiveSessions returns the number of sessions that have not finished.
func (s *Server) ActiveSessions() int {
	s.m.Lock()
	defer s.m.Unlock()
	return len(s.sessions)
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.m.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.log.Debugf("websocket upgrade from %s failed: %s", r.RemoteAddr, err)
		return
	}
	if limit := s.config.MaxFrameBytes; limit > 0 {
		ws.SetReadLimit(int64(limit))
	}

	id := s.NewID()
	req := routing.RequestFromHTTP(r)
	s.log.WithField("conn", id).Infof("client connected from %s (%s)", req.RemoteAddr, req.URI)

	sess := bridge.NewSession(id, &wsConn{conn: ws}, req, &s.bridge)
	s.m.Lock()
	s.sessions[id] = sess
	s.m.Unlock()
	defer func() {
		s.m.Lock()
		delete(s.sessions, id)
		s.m.Unlock()
	}()

	sess.Run(s.ctx)
}

// Close stops accepting connections, tears down every session and waits for
// them to finish. It is safe to call more than once.
func (s *Server) Close() error {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return nil
	}
	s.closed = true
	servers := []*http.Server{s.httpServer, s.adminServer}
	s.m.Unlock()

	var err error
	for _, hs := range servers {
		if hs != nil {
			err = multierr.Append(err, hs.Close())
		}
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info("bridge server stopped")
	return err
}
