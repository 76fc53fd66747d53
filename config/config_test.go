package config

import (
	"bytes"
	"testing"
	"testing/fstest"
	"time"

	"github.com/sirupsen/logrus"
	"gotest.tools/assert"

	"hop.computer/wsbridge/frame"
	"hop.computer/wsbridge/routing"
)

const serverToml = `
listen_host = "0.0.0.0"
listen_port = 8080
connect_timeout = "250ms"
handshake_timeout = "5s"
idle_timeout = "1m"
max_frame_bytes = 1024
log_level = "debug"
metrics_address = "127.0.0.1:9102"

[routes]
"/chat" = "chat.internal:28052"
"/feed" = "feed.internal:28053"
`

func withFiles(t *testing.T, files map[string]string) {
	mfs := fstest.MapFS{}
	for name, data := range files {
		mfs[name] = &fstest.MapFile{Data: []byte(data)}
	}
	old := fileSystem
	fileSystem = mfs
	t.Cleanup(func() { fileSystem = old })
}

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, c.ListenAddress(), "localhost:9000")
	assert.Equal(t, time.Duration(c.ConnectTimeout), time.Second)
	assert.Equal(t, c.Limits(), frame.DefaultLimits())
	assert.NilError(t, c.Validate())

	r, err := c.Resolver()
	assert.NilError(t, err)
	assert.Equal(t, r, routing.Resolver(routing.Fixed{Host: "localhost", Port: 28052}))
}

func TestLoadServerConfig(t *testing.T) {
	withFiles(t, map[string]string{"etc/wsbridge/config.toml": serverToml})

	c, err := LoadServerConfigFromFile("etc/wsbridge/config.toml")
	assert.NilError(t, err)
	expected := &ServerConfig{
		ListenHost:       "0.0.0.0",
		ListenPort:       8080,
		ConnectTimeout:   Duration(250 * time.Millisecond),
		HandshakeTimeout: Duration(5 * time.Second),
		IdleTimeout:      Duration(time.Minute),
		MaxFrameBytes:    1024,
		LogLevel:         "debug",
		OriginHost:       "localhost",
		OriginPort:       28052,
		Routes: map[string]string{
			"/chat": "chat.internal:28052",
			"/feed": "feed.internal:28053",
		},
		MetricsAddress: "127.0.0.1:9102",
	}
	assert.DeepEqual(t, c, expected)

	r, err := c.Resolver()
	assert.NilError(t, err)
	table, ok := r.(routing.StaticTable)
	assert.Assert(t, ok)
	assert.DeepEqual(t, table.Keys(), []string{"/chat", "/feed"})
}

func TestLoadUnknownKey(t *testing.T) {
	withFiles(t, map[string]string{"config.toml": "listen_prot = 80\n"})

	_, err := LoadServerConfigFromFile("config.toml")
	assert.ErrorContains(t, err, "listen_prot")
}

func TestLoadMissingFile(t *testing.T) {
	withFiles(t, nil)

	_, err := Load("missing.toml", env(nil))
	assert.ErrorContains(t, err, "unable to read config")
}

func TestLoadBadDuration(t *testing.T) {
	withFiles(t, map[string]string{"config.toml": `connect_timeout = "soon"`})

	_, err := LoadServerConfigFromFile("config.toml")
	assert.ErrorContains(t, err, "unable to parse config")
}

func TestEnvOverridesFile(t *testing.T) {
	withFiles(t, map[string]string{"config.toml": serverToml})

	c, err := Load("config.toml", env(map[string]string{
		"PROXY_HOST":        "127.0.0.1",
		"PROXY_PORT":        "9001",
		"SOCKET_TIMEOUT":    "1500",
		"HANDSHAKE_TIMEOUT": "0",
		"IDLE_TIMEOUT":      "30000",
		"MAX_FRAME_BYTES":   "0",
		"LOG_LEVEL":         "warn",
	}))
	assert.NilError(t, err)
	assert.Equal(t, c.ListenAddress(), "127.0.0.1:9001")
	assert.Equal(t, time.Duration(c.ConnectTimeout), 1500*time.Millisecond)
	assert.Equal(t, time.Duration(c.HandshakeTimeout), time.Duration(0))
	assert.Equal(t, time.Duration(c.IdleTimeout), 30*time.Second)
	assert.Equal(t, c.MaxFrameBytes, uint32(0))
	assert.Equal(t, c.LogLevel, "warn")
	assert.Equal(t, len(c.Routes), 2)
}

func TestEnvOrigin(t *testing.T) {
	c, err := Load("", env(map[string]string{
		"ORIGIN_HOST": "upstream.internal",
		"ORIGIN_PORT": "4000",
	}))
	assert.NilError(t, err)
	r, err := c.Resolver()
	assert.NilError(t, err)
	assert.Equal(t, r, routing.Resolver(routing.Fixed{Host: "upstream.internal", Port: 4000}))
}

func TestEnvInvalid(t *testing.T) {
	for _, tc := range []struct {
		key, value string
	}{
		{"PROXY_PORT", "ninety"},
		{"ORIGIN_PORT", "x"},
		{"SOCKET_TIMEOUT", "1s"},
		{"MAX_FRAME_BYTES", "-1"},
	} {
		t.Run(tc.key, func(t *testing.T) {
			_, err := Load("", env(map[string]string{tc.key: tc.value}))
			assert.ErrorContains(t, err, tc.key)
		})
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	c.LogLevel = "loud"
	assert.Assert(t, c.Validate() != nil)

	c = Default()
	c.OriginPort = 0
	assert.ErrorContains(t, c.Validate(), "invalid origin port")

	c = Default()
	c.Routes = map[string]string{"/": "no-port"}
	assert.ErrorContains(t, c.Validate(), `route "/"`)

	c = Default()
	c.HandshakeTimeout = -1
	assert.ErrorContains(t, c.Validate(), "negative")
}

func TestNewLogger(t *testing.T) {
	c := Default()
	c.LogLevel = "debug"
	var buf bytes.Buffer
	log := c.NewLogger(&buf)
	assert.Equal(t, log.GetLevel(), logrus.DebugLevel)

	log.WithField("conn", "abc").Debug("hello")
	assert.Assert(t, bytes.Contains(buf.Bytes(), []byte(`"conn":"abc"`)))
}
