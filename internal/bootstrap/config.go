// Package bootstrap implements the Bootstrap component of the session
// engine (spec.md §4.F): it is the only place global configuration (CLI
// flags) exists as mutable process state. Everything it builds below that
// point — the Config record handed to the engine — is immutable and
// explicit, per spec.md §9's design note that the original source's
// process-wide mutable flags become "an explicit configuration record
// handed to the bootstrap and never consulted again."
package bootstrap

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sammck-go/etclient/internal/etshare"
	"github.com/sammck-go/etclient/internal/wire"
)

// Config is the fully-resolved set of parameters the bootstrap collects
// from the CLI surface (spec.md §6) before building the engine.
type Config struct {
	Host     string
	Port     int
	User     string
	Jumphost string
	JPort    int

	Command string
	Prefix  string

	Tunnels        string
	ReverseTunnels string
	DynamicPort    int

	KillExisting bool

	Verbosity    int
	LogToStdout  bool
	Silent       bool
	NoRateLimit  bool
}

// DefaultPort is the server port used when neither the positional host
// spec nor -port supplies one (spec.md §6).
const DefaultPort = 2022

// ParseArgs parses the CLI surface described in spec.md §6:
// "[user@]host[:port]" positionally, plus the documented flags. usage is
// written to w when -h/--help is given or parsing fails.
func ParseArgs(args []string, w io.Writer) (Config, error) {
	fs := flag.NewFlagSet("etclient", flag.ContinueOnError)
	fs.SetOutput(w)

	cfg := Config{Port: DefaultPort, JPort: DefaultPort}
	fs.StringVar(&cfg.User, "u", "", "username override")
	fs.StringVar(&cfg.Host, "host", "", "target host")
	fs.IntVar(&cfg.Port, "port", DefaultPort, "target port")
	fs.StringVar(&cfg.Command, "c", "", "initial command (sent then session exits)")
	fs.StringVar(&cfg.Prefix, "prefix", "", "command prefix for remote-side launcher")
	fs.StringVar(&cfg.Tunnels, "t", "", "forward tunnels (local-listen), e.g. 8080:80")
	fs.StringVar(&cfg.ReverseTunnels, "rt", "", "reverse tunnels (remote-listen), e.g. 8080:80")
	fs.IntVar(&cfg.DynamicPort, "D", 0, "local port for dynamic (SOCKS5) forwarding")
	fs.StringVar(&cfg.Jumphost, "jumphost", "", "intermediate host")
	fs.IntVar(&cfg.JPort, "jport", DefaultPort, "jumphost port")
	fs.BoolVar(&cfg.KillExisting, "x", false, "kill existing sessions for user before starting")
	fs.IntVar(&cfg.Verbosity, "v", 0, "verbosity")
	fs.BoolVar(&cfg.LogToStdout, "logtostdout", false, "route logs to stdout")
	fs.BoolVar(&cfg.Silent, "silent", false, "disable logging")
	fs.BoolVar(&cfg.NoRateLimit, "noratelimit", false, "disable the 1024-lines/s output throttle")

	fs.Usage = func() {
		fmt.Fprintf(w, "Usage: etclient [flags] [user@]host[:port]\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return Config{}, &etshare.ConfigError{Msg: "help requested"}
		}
		return Config{}, &etshare.ConfigError{Msg: "flag parse", Err: err}
	}

	positional := fs.Args()
	if len(positional) > 1 {
		return Config{}, &etshare.ConfigError{Msg: fmt.Sprintf("unexpected extra arguments: %v", positional[1:])}
	}
	if len(positional) == 1 {
		if err := applyPositional(&cfg, positional[0]); err != nil {
			return Config{}, err
		}
	}
	if cfg.Host == "" {
		return Config{}, &etshare.ConfigError{Msg: "host is required (positional [user@]host[:port] or -host)"}
	}
	return cfg, nil
}

// applyPositional splits "[user@]host[:port]" by hand after flag.Parse has
// already run, and overwrites whatever -host set, and -u/-port too when
// the spec carries a user or a port,
// exactly as original_source/src/terminal/TerminalClient.cpp:388-401 does
// to FLAGS_u/FLAGS_host/FLAGS_port once gflags::ParseCommandLineFlags has
// already run: the positional spec is the one the user typed last on the
// command line, so it wins over any flag it overlaps with.
func applyPositional(cfg *Config, spec string) error {
	hostport := spec
	if at := strings.LastIndex(spec, "@"); at >= 0 {
		cfg.User = spec[:at]
		hostport = spec[at+1:]
	}
	host, portStr := hostport, ""
	if colon := strings.LastIndex(hostport, ":"); colon >= 0 {
		host, portStr = hostport[:colon], hostport[colon+1:]
	}
	if host == "" {
		return &etshare.ConfigError{Msg: fmt.Sprintf("malformed host spec %q", spec)}
	}
	cfg.Host = host
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return &etshare.ConfigError{Msg: fmt.Sprintf("invalid port in %q: %s", spec, err)}
		}
		cfg.Port = port
	}
	return nil
}

// Endpoint builds the spec.md §3 Endpoint this Config resolves to. When a
// jumphost is configured the effective transport target is the jumphost;
// IsJumphost distinguishes a jumphost leg from a direct one for the (out
// of scope) credential-acquisition collaborator.
func (c Config) Endpoint() wire.Endpoint {
	if c.Jumphost != "" {
		return wire.Endpoint{Host: c.Jumphost, Port: uint16(c.JPort), IsJumphost: true}
	}
	return wire.Endpoint{Host: c.Host, Port: uint16(c.Port)}
}
