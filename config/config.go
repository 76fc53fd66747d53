// Package config contains the bridge server configuration and the logic to
// load it from a TOML file and the environment.
package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hop.computer/wsbridge/common"
	"hop.computer/wsbridge/frame"
	"hop.computer/wsbridge/routing"
)

// Duration is a time.Duration that decodes from strings such as "1s" or
// "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// ServerConfig represents a parsed bridge configuration. It is built once at
// startup and passed to the server; nothing modifies it afterwards.
type ServerConfig struct {
	ListenHost string `toml:"listen_host"`
	ListenPort int    `toml:"listen_port"`

	ConnectTimeout   Duration `toml:"connect_timeout"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	IdleTimeout      Duration `toml:"idle_timeout"`

	MaxFrameBytes uint32 `toml:"max_frame_bytes"`

	LogLevel string `toml:"log_level"`

	// OriginHost and OriginPort are used when Routes is empty.
	OriginHost string `toml:"origin_host"`
	OriginPort int    `toml:"origin_port"`

	// Routes maps a request URI to an upstream "host:port".
	Routes map[string]string `toml:"routes"`

	// MetricsAddress, if set, is where /metrics and /healthz are served.
	MetricsAddress string `toml:"metrics_address"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *ServerConfig {
	return &ServerConfig{
		ListenHost:       common.DefaultListenHost,
		ListenPort:       common.DefaultListenPort,
		ConnectTimeout:   Duration(common.DefaultConnectTimeout),
		HandshakeTimeout: Duration(common.DefaultHandshakeTimeout),
		MaxFrameBytes:    frame.DefaultMaxPayloadBytes,
		LogLevel:         logrus.InfoLevel.String(),
		OriginHost:       common.DefaultOriginHost,
		OriginPort:       common.DefaultOriginPort,
	}
}

// Load builds a configuration from the defaults, then the file at path (if
// path is not empty), then the environment.
func Load(path string, getenv func(string) string) (*ServerConfig, error) {
	c := Default()
	if path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadServerConfigFromFile decodes the TOML file at path on top of the
// defaults.
func LoadServerConfigFromFile(path string) (*ServerConfig, error) {
	c := Default()
	if err := c.loadFile(path); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ServerConfig) loadFile(path string) error {
	b, err := readFile(path)
	if err != nil {
		return errors.Wrap(err, "unable to read config")
	}
	md, err := toml.Decode(string(b), c)
	if err != nil {
		return errors.Wrapf(err, "unable to parse config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %s: unknown setting %q", path, undecoded[0].String())
	}
	return nil
}

// ApplyEnv overrides settings from environment variables. Timeouts are in
// milliseconds.
func (c *ServerConfig) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(common.EnvListenHost); v != "" {
		c.ListenHost = v
	}
	if v := getenv(common.EnvOriginHost); v != "" {
		c.OriginHost = v
	}
	if v := getenv(common.EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := getenv(common.EnvMetricsAddress); v != "" {
		c.MetricsAddress = v
	}
	ints := []struct {
		key string
		dst *int
	}{
		{common.EnvListenPort, &c.ListenPort},
		{common.EnvOriginPort, &c.OriginPort},
	}
	for _, i := range ints {
		v := getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", i.key)
		}
		*i.dst = n
	}
	durations := []struct {
		key string
		dst *Duration
	}{
		{common.EnvConnectTimeout, &c.ConnectTimeout},
		{common.EnvHandshakeTimeout, &c.HandshakeTimeout},
		{common.EnvIdleTimeout, &c.IdleTimeout},
	}
	for _, d := range durations {
		v := getenv(d.key)
		if v == "" {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", d.key)
		}
		*d.dst = Duration(time.Duration(ms) * time.Millisecond)
	}
	if v := getenv(common.EnvMaxFrameBytes); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", common.EnvMaxFrameBytes)
		}
		c.MaxFrameBytes = uint32(n)
	}
	return nil
}

// Validate checks that the configuration can be used to start a server.
func (c *ServerConfig) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	if c.ConnectTimeout < 0 || c.HandshakeTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.Resolver(); err != nil {
		return err
	}
	return nil
}

// ListenAddress returns the host:port the bridge listens on.
func (c *ServerConfig) ListenAddress() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// Limits returns the frame limits.
func (c *ServerConfig) Limits() frame.Limits {
	return frame.Limits{MaxPayloadBytes: c.MaxFrameBytes}
}

// Resolver returns a static table resolver if any routes are configured, and
// a fixed resolver for the origin endpoint otherwise.
func (c *ServerConfig) Resolver() (routing.Resolver, error) {
	if len(c.Routes) > 0 {
		return routing.NewStaticTable(c.Routes)
	}
	if c.OriginPort <= 0 || c.OriginPort > 65535 {
		return nil, fmt.Errorf("invalid origin port %d", c.OriginPort)
	}
	return routing.Fixed{Host: c.OriginHost, Port: c.OriginPort}, nil
}

// NewLogger returns a logger writing to w at the configured level. Output is
// human-readable when w is a terminal and JSON otherwise.
func (c *ServerConfig) NewLogger(w io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	level, err := logrus.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
