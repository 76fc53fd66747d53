// bridge-upstream is a minimal upstream for wsbridge. It accepts the
// handshake on every connection and then echoes each frame back.
package main

import (
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"hop.computer/wsbridge/common"
	"hop.computer/wsbridge/frame"
	"hop.computer/wsbridge/handshake"
)

var (
	listen   string
	logLevel string
	maxFrame uint32
)

type tracker struct {
	m     sync.Mutex
	wg    sync.WaitGroup
	conns map[net.Conn]struct{}
}

func (t *tracker) add(c net.Conn) {
	t.m.Lock()
	defer t.m.Unlock()
	t.conns[c] = struct{}{}
	t.wg.Add(1)
}

func (t *tracker) done(c net.Conn) {
	t.m.Lock()
	delete(t.conns, c)
	t.m.Unlock()
	t.wg.Done()
}

func (t *tracker) closeAll() {
	t.m.Lock()
	for c := range t.conns {
		c.Close()
	}
	t.m.Unlock()
	t.wg.Wait()
}

func serveConn(conn net.Conn, limits frame.Limits) {
	log := logrus.WithField("conn", uuid.NewString())
	log.Infof("accepted %s", conn.RemoteAddr())
	defer conn.Close()

	req, err := handshake.Accept(conn, limits)
	if err != nil {
		log.Errorf("handshake failed: %s", err)
		return
	}
	log.Infof("handshake complete (request %s)", req.ID)

	for {
		b, err := frame.Read(conn, limits)
		if err != nil {
			if !common.IsExpectedCloseError(err) {
				log.Errorf("read: %s", err)
			}
			log.Info("disconnected")
			return
		}
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			log.Debugf("echo: %s", common.TrimMessage(string(b), common.MaxLoggedMessageLen))
		}
		if err := frame.Write(conn, b, limits); err != nil {
			log.Errorf("write: %s", err)
			return
		}
	}
}

func main() {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ContinueOnError)
	fs.StringVar(&listen, "listen", "localhost:28052", "host:port to accept bridge connections on")
	fs.StringVar(&logLevel, "log-level", "info", "log level")
	fs.Uint32Var(&maxFrame, "max-frame-bytes", frame.DefaultMaxPayloadBytes, "largest accepted frame payload, 0 for no limit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		logrus.Fatal(err)
	}
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.SetLevel(level)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		logrus.Fatalf("unable to listen on %s: %s", listen, err)
	}
	logrus.Infof("listening at %s", ln.Addr())

	go func() {
		sch := make(chan os.Signal, 1)
		signal.Notify(sch, os.Interrupt, syscall.SIGTERM)
		<-sch
		ln.Close()
	}()

	limits := frame.Limits{MaxPayloadBytes: maxFrame}
	t := &tracker{conns: make(map[net.Conn]struct{})}
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			break
		} else if err != nil {
			logrus.Errorf("accept: %s", err)
			continue
		}
		t.add(conn)
		go func() {
			defer t.done(conn)
			serveConn(conn, limits)
		}()
	}
	t.closeAll()
	logrus.Info("stopped")
}
