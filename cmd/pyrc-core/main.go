// Command pyrc-core is the headless reference entrypoint for the IRC
// client core: it wires transport, registration, routing, DCC and trigger
// packages into one running client, reads typed commands from stdin and
// renders received lines to stdout in place of a real UI (which the core
// package explicitly excludes, per spec §9). Grounded on
// internal/agent/daemon.go's RunDaemon signal-handling and graceful
// shutdown shape.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/edgeof8/pyrc-core/internal/config"
	"github.com/edgeof8/pyrc-core/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pyrc-core:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "pyrc-core.yaml", "path to the YAML configuration file")
	serverName := flag.String("server", "", "name of the configured server to connect to")
	triggersPath := flag.String("triggers", "", "optional path to a trigger rule YAML file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	name := *serverName
	if name == "" {
		servers := cfg.Servers()
		if len(servers) == 0 {
			return fmt.Errorf("no servers configured in %s", *configPath)
		}
		name = servers[0].Name
	}

	logger, closer := logging.NewLogger(cfg.Logging().Level, cfg.Logging().Format, cfg.Logging().FilePath)
	defer closer.Close()

	c, err := newClient(cfg, name, *triggersPath, logger)
	if err != nil {
		return fmt.Errorf("building client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	go readStdinCommands(ctx, c, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-runDone:
		if err != nil {
			logger.Error("client run loop exited", "error", err)
		}
	}

	cancel()
	shutdownDone := make(chan struct{})
	go func() {
		c.Shutdown("client shutting down")
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out, exiting anyway")
	}
	return nil
}

// readStdinCommands is the minimal stand-in UI input surface: each non-empty
// line is either a "/quit" directive (any letter case) or a protocol line
// sent as-is, after removing an optional leading "/raw ". A real UI would translate slash-commands
// into protocol lines itself; this entrypoint forwards lines verbatim to
// keep the core's surface area the thing under test.
func readStdinCommands(ctx context.Context, c *client, logger interface {
	Warn(msg string, args ...any)
}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "/quit") {
			c.Shutdown("user quit")
			return
		}
		if err := c.SendRaw(strings.TrimPrefix(line, "/raw ")); err != nil {
			logger.Warn("failed to send line", "error", err)
		}
	}
}
