package flags

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"hop.computer/wsbridge/config"
)

// ServerFlags holds CLI args for the bridge server. Empty values leave the
// configuration untouched.
type ServerFlags struct {
	ConfigPath string
	Listen     string
	LogLevel   string
}

// ParseServerArgs defines and parses the flags from the cmd line for the
// bridge. args[0] is the program name.
func ParseServerArgs(args []string, output io.Writer) (*ServerFlags, error) {
	f := new(ServerFlags)
	fs := pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	defineServerFlags(fs, f)

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 { // there were unparsed args
		return nil, ErrExcessArgs
	}
	return f, nil
}

func defineServerFlags(fs *pflag.FlagSet, f *ServerFlags) {
	fs.StringVarP(&f.ConfigPath, "config", "C", "", "path to server config file")
	fs.StringVar(&f.Listen, "listen", "", "host:port to accept websocket connections on")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
}

func mergeServerFlagsAndConfig(f *ServerFlags, sc *config.ServerConfig) error {
	if f.Listen != "" {
		host, port, err := splitListen(f.Listen)
		if err != nil {
			return err
		}
		sc.ListenHost, sc.ListenPort = host, port
	}
	if f.LogLevel != "" {
		sc.LogLevel = f.LogLevel
	}
	return sc.Validate()
}

// LoadServerConfigFromFlags loads the config file named in the flags, if any,
// applies the environment and then the flags themselves.
func LoadServerConfigFromFlags(f *ServerFlags, getenv func(string) string) (*config.ServerConfig, error) {
	sc, err := config.Load(f.ConfigPath, getenv)
	if err != nil {
		return nil, fmt.Errorf("unable to load config: %w", err)
	}
	if err := mergeServerFlagsAndConfig(f, sc); err != nil {
		return nil, err
	}
	return sc, nil
}
