package flags

import (
	"errors"
	"io"
	"testing"

	"gotest.tools/assert"
)

func noenv(string) string { return "" }

func TestParseServerArgs(t *testing.T) {
	f, err := ParseServerArgs([]string{"wsbridge", "-C", "/etc/wsbridge.toml", "--listen", ":8080", "--log-level", "debug"}, io.Discard)
	assert.NilError(t, err)
	assert.DeepEqual(t, f, &ServerFlags{
		ConfigPath: "/etc/wsbridge.toml",
		Listen:     ":8080",
		LogLevel:   "debug",
	})
}

func TestParseServerArgsExcess(t *testing.T) {
	_, err := ParseServerArgs([]string{"wsbridge", "extra"}, io.Discard)
	assert.Check(t, errors.Is(err, ErrExcessArgs), "got %v", err)
}

func TestParseServerArgsUnknown(t *testing.T) {
	_, err := ParseServerArgs([]string{"wsbridge", "--nope"}, io.Discard)
	assert.ErrorContains(t, err, "nope")
}

func TestLoadServerConfigFromFlags(t *testing.T) {
	sc, err := LoadServerConfigFromFlags(&ServerFlags{Listen: "127.0.0.1:0", LogLevel: "warn"}, noenv)
	assert.NilError(t, err)
	assert.Equal(t, sc.ListenAddress(), "127.0.0.1:0")
	assert.Equal(t, sc.LogLevel, "warn")
}

func TestLoadServerConfigFromFlagsEnv(t *testing.T) {
	getenv := func(k string) string {
		if k == "PROXY_PORT" {
			return "9100"
		}
		return ""
	}
	sc, err := LoadServerConfigFromFlags(&ServerFlags{}, getenv)
	assert.NilError(t, err)
	assert.Equal(t, sc.ListenAddress(), "localhost:9100")
}

func TestLoadServerConfigFromFlagsInvalid(t *testing.T) {
	_, err := LoadServerConfigFromFlags(&ServerFlags{Listen: "nohostport"}, noenv)
	assert.ErrorContains(t, err, "invalid --listen")

	_, err = LoadServerConfigFromFlags(&ServerFlags{LogLevel: "loud"}, noenv)
	assert.Assert(t, err != nil)

	_, err = LoadServerConfigFromFlags(&ServerFlags{ConfigPath: "/does/not/exist.toml"}, noenv)
	assert.ErrorContains(t, err, "unable to load config")
}
