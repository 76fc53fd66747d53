package common

import "time"

const (
	// DefaultListenHost is the host the bridge binds when none is configured.
	DefaultListenHost = "localhost"

	// DefaultListenPort is the port the bridge binds when none is configured.
	DefaultListenPort = 9000

	// DefaultOriginHost is the upstream host used when no routes are
	// configured.
	DefaultOriginHost = "localhost"

	// DefaultOriginPort is the upstream port used when no routes are
	// configured.
	DefaultOriginPort = 28052

	// DefaultConnectTimeout bounds the upstream TCP connect.
	DefaultConnectTimeout = time.Second

	// DefaultHandshakeTimeout bounds the upstream handshake. Zero disables it.
	DefaultHandshakeTimeout = 10 * time.Second

	// MaxLoggedMessageLen is the number of characters of a relayed message
	// included in debug logs.
	MaxLoggedMessageLen = 400
)

// Environment variables read by the bridge.
const (
	EnvListenHost       = "PROXY_HOST"
	EnvListenPort       = "PROXY_PORT"
	EnvConnectTimeout   = "SOCKET_TIMEOUT" // milliseconds
	EnvLogLevel         = "LOG_LEVEL"
	EnvOriginHost       = "ORIGIN_HOST"
	EnvOriginPort       = "ORIGIN_PORT"
	EnvHandshakeTimeout = "HANDSHAKE_TIMEOUT" // milliseconds
	EnvIdleTimeout      = "IDLE_TIMEOUT"      // milliseconds
	EnvMaxFrameBytes    = "MAX_FRAME_BYTES"
	EnvMetricsAddress   = "METRICS_ADDRESS"
)
