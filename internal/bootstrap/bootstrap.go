package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/sammck-go/etclient/internal/channel"
	"github.com/sammck-go/etclient/internal/console"
	"github.com/sammck-go/etclient/internal/engine"
	"github.com/sammck-go/etclient/internal/etshare"
	"github.com/sammck-go/etclient/internal/portforward"
	"github.com/sammck-go/etclient/internal/transport"
	"github.com/sammck-go/etclient/internal/wire"
)

// Main is the process entry point's full body (spec.md §4.F): parse
// flags, build every component from §2's table, and drive the engine to
// completion exactly once. It returns the process exit code (spec.md §6:
// 0 normal session end, 1 fatal setup/usage error).
func Main(args []string, stderr io.Writer) int {
	cfg, err := ParseArgs(args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger := etshare.NewLogger("etclient", etshare.Options{
		Level:       etshare.VerbosityToLogLevel(cfg.Verbosity),
		ToStdout:    cfg.LogToStdout,
		Silent:      cfg.Silent,
		NoRateLimit: cfg.NoRateLimit,
	})

	if err := run(cfg, logger); err != nil {
		logger.ELogf("%s", err)
		return 1
	}
	return 0
}

func run(cfg Config, logger etshare.Logger) error {
	identity, err := AcquireIdentity(cfg)
	if err != nil {
		return err
	}

	var tunnels, reverseTunnels []wire.PortPair
	if cfg.Tunnels != "" {
		tunnels, err = wire.ParseTunnelSpec(cfg.Tunnels)
		if err != nil {
			return &etshare.ConfigError{Msg: "invalid -t tunnel spec", Err: err}
		}
	}
	if cfg.ReverseTunnels != "" {
		reverseTunnels, err = wire.ParseTunnelSpec(cfg.ReverseTunnels)
		if err != nil {
			return &etshare.ConfigError{Msg: "invalid -rt tunnel spec", Err: err}
		}
	}

	ch := channel.New(logger.Fork("channel"), channel.Config{
		Endpoint: cfg.Endpoint(),
		Identity: identity,
		Dialer:   transport.Dialer{HostHeader: cfg.Host},
	})
	con := console.NewTermConsole()
	forwarder := portforward.NewHandler(logger.Fork("portforward"))

	eng := engine.New(logger.Fork("engine"), ch, con, forwarder, engine.Config{
		Command:        buildRemoteCommand(cfg),
		Tunnels:        tunnels,
		ReverseTunnels: reverseTunnels,
		DynamicPort:    uint16(cfg.DynamicPort),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return eng.Run(ctx)
}

// buildRemoteCommand joins -prefix and -c the way the original launcher
// composes a remote-side command line (SPEC_FULL.md AMBIENT STACK /
// original_source supplement): the prefix, if any, is the remote-side
// launcher binary/arguments and -c is the user's command appended after
// it. The engine is responsible for appending "; exit\n" (spec.md §4.E).
func buildRemoteCommand(cfg Config) string {
	if cfg.Command == "" {
		return ""
	}
	if cfg.Prefix == "" {
		return cfg.Command
	}
	return cfg.Prefix + " " + cfg.Command
}

