package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgeof8/pyrc-core/internal/capsasl"
	"github.com/edgeof8/pyrc-core/internal/config"
	"github.com/edgeof8/pyrc-core/internal/ctxmgr"
	"github.com/edgeof8/pyrc-core/internal/dcc"
	"github.com/edgeof8/pyrc-core/internal/dccctcp"
	"github.com/edgeof8/pyrc-core/internal/eventbus"
	"github.com/edgeof8/pyrc-core/internal/hub"
	"github.com/edgeof8/pyrc-core/internal/pki"
	"github.com/edgeof8/pyrc-core/internal/router"
	"github.com/edgeof8/pyrc-core/internal/state"
	"github.com/edgeof8/pyrc-core/internal/transport"
	"github.com/edgeof8/pyrc-core/internal/trigger"
	"github.com/edgeof8/pyrc-core/internal/wire"
)

// client wires every core package into one running IRC client instance.
// Grounded on internal/agent/daemon.go's RunDaemon: one long-lived object
// built once, driven by a signal-aware Run loop.
type client struct {
	logger *slog.Logger

	store  *state.Store
	bus    *eventbus.Bus
	ctx    *ctxmgr.Manager
	hub    hub.Hub
	tport  *transport.Transport
	neg    *capsasl.Negotiator
	rtr    *router.Router
	dccEng *dcc.Engine
	disk   *dcc.SystemMonitor
	trig   *trigger.Engine
}

// eventNamesForTriggers is every event name published anywhere in the core;
// the trigger engine is wired to each one explicitly since the event bus
// has no wildcard subscription.
var eventNamesForTriggers = []string{
	"CLIENT_REGISTERED", "CLIENT_READY", "CLIENT_CONNECTED",
	"PRIVMSG_RECEIVED", "NOTICE_RECEIVED",
	"USER_JOIN", "USER_PART", "USER_QUIT", "USER_NICK_CHANGED",
	"CHANNEL_TOPIC_CHANGED", "CHANNEL_FULLY_JOINED", "MESSAGE_ADDED_TO_CONTEXT",
	"RAW_IRC_NUMERIC",
	"DCC_OFFER_RECEIVED", "DCC_PASSIVE_OFFER_RECEIVED", "DCC_PASSIVE_OFFER_EXPIRED",
	"DCC_TRANSFER_QUEUED", "DCC_TRANSFER_START",
	"DCC_TRANSFER_PROGRESS", "DCC_TRANSFER_COMPLETE", "DCC_TRANSFER_ERROR",
	"DCC_TRANSFER_CANCELLED", "DCC_TRANSFER_CHECKSUM_VALIDATED",
}

// newClient builds every component for serverName out of cfg, wiring the
// hub callbacks last once every collaborator they reference exists.
func newClient(cfg config.Provider, serverName, triggersPath string, logger *slog.Logger) (*client, error) {
	srv, ok := cfg.ServerByName(serverName)
	if !ok {
		return nil, fmt.Errorf("no server named %q in configuration", serverName)
	}

	store := state.New(logger)
	bus := eventbus.New()
	ctxMgr := ctxmgr.New(cfg.MaxHistory(), bus)

	ci := state.ConnectionInfo{
		Host: srv.Host, Port: srv.Port, TLS: srv.TLS, TLSVerify: srv.TLSVerify,
		Nick: srv.Nick, Username: srv.Username, Realname: srv.Realname,
		ServerPassword: srv.ServerPassword, NickServPassword: srv.NickServPassword,
		SASLUsername: srv.SASLUsername, SASLPassword: srv.SASLPassword,
		InitialChannels: srv.AutoJoin, JoinedChannels: make(map[string]bool),
	}
	if !store.Set(state.KeyConnectionInfo, ci, nil) {
		return nil, fmt.Errorf("invalid connection_info for server %q: %v", serverName, store.ConfigErrors())
	}

	// hub's function fields close over these pointers rather than their
	// current (nil) values, so the struct can be built complete, by value,
	// before transport.New takes its own copy — every collaborator below
	// is assigned well before transport.Run ever invokes a callback.
	var neg *capsasl.Negotiator
	var rtr *router.Router
	var tport *transport.Transport

	h := hub.Hub{
		PublishEvent: func(name string, payload any) { bus.Publish(name, payload) },
		LogLine: func(contextName, text string) {
			fmt.Printf("[%s] %s\n", contextName, text)
		},
		OnStateChange: func(newState state.ConnState, metadata map[string]any) {
			store.Set(state.KeyConnectionState, newState, metadata)
			if newState == state.Connected && neg != nil {
				if err := neg.Start(); err != nil {
					logger.Error("failed to start registration", "error", err)
				}
			}
		},
		OnLine: func(line string) {
			msg, err := wire.ParseLine(line)
			if err != nil {
				logger.Debug("dropping malformed wire line", "line", line, "error", err)
				return
			}
			if neg != nil {
				if handled, err := neg.HandleLine(msg); handled {
					if _, aborted := err.(*capsasl.ErrSASLAborted); aborted {
						logger.Error("sasl authentication aborted, disconnecting", "error", err)
						tport.Stop()
					} else if err != nil {
						logger.Error("registration handling failed", "error", err)
					}
					return
				}
			}
			if rtr != nil {
				rtr.Dispatch(msg)
			}
		},
	}

	tport = transport.New(transport.Config{
		Host: srv.Host, Port: srv.Port, UseTLS: srv.TLS,
		TLSOptions: pki.ClientOptions{
			ServerName: srv.Host, Verify: srv.TLSVerify,
			CACertPath:     srv.CACertPath,
			ClientCertPath: srv.ClientCertPath,
			ClientKeyPath:  srv.ClientKeyPath,
		},
	}, logger, h)

	creds := capsasl.Credentials{
		Nick: srv.Nick, Username: srv.Username, Realname: srv.Realname,
		ServerPassword: srv.ServerPassword, NickServPassword: srv.NickServPassword,
		SASLUsername: srv.SASLUsername, SASLPassword: srv.SASLPassword,
		SASLExternal:    pki.ClientOptions{ClientCertPath: srv.ClientCertPath, ClientKeyPath: srv.ClientKeyPath}.HasClientCert(),
		SASLAbortOnFail: srv.SASLAbortOnFail,
		DesiredCaps:     srv.DesiredCaps,
	}
	neg = capsasl.New(creds, tport.SendLine, h, bus, store, logger)
	bus.Subscribe("CLIENT_REGISTERED", func(eventbus.Event) { tport.ResetBackoff() })

	dccCfg := cfg.DCC()
	var dccEng *dcc.Engine
	var disk *dcc.SystemMonitor
	var dccHandler router.DCCCTCPHandler
	if dccCfg.Enabled {
		disk = dcc.NewSystemMonitor(dccCfg.DownloadDir, 15*time.Second, logger)
		sendCTCP := func(targetNick, ctcpPayload string) {
			if err := tport.SendLine("PRIVMSG " + targetNick + " :" + ctcpPayload); err != nil {
				logger.Warn("failed to send dcc ctcp", "target", targetNick, "error", err)
			}
		}
		dccEng = dcc.New(dccCfg, sendCTCP, h, bus, disk, logger)
		dccHandler = dccctcp.New(dccEng, dccCfg.AutoAcceptPatterns, logger)
		ctxMgr.EnsureDCCContext()
	}

	rtr = router.New(ctxMgr, store, bus, h, tport.SendLine, dccHandler, dccCfg.Enabled, cfg.Ignore())

	rules, err := loadTriggerRules(triggersPath)
	if err != nil {
		return nil, err
	}
	var trig *trigger.Engine
	if len(rules) > 0 {
		trig = trigger.New(rules, defaultTriggerSink(logger), logger)
		for _, name := range eventNamesForTriggers {
			evName := name
			bus.Subscribe(evName, func(ev eventbus.Event) { trig.HandleEvent(ev.Name, ev.Payload) })
		}
	}

	return &client{
		logger: logger, store: store, bus: bus, ctx: ctxMgr, hub: h,
		tport: tport, neg: neg, rtr: rtr, dccEng: dccEng, disk: disk, trig: trig,
	}, nil
}

// defaultTriggerSink renders a fired trigger.Action to the log until a real
// external script host is wired in; the core never interprets the payload.
func defaultTriggerSink(logger *slog.Logger) trigger.Sink {
	return func(a trigger.Action) {
		logger.Info("trigger fired", "rule", a.RuleName, "kind", a.Kind, "matched_on", a.MatchedOn, "payload", a.Payload)
	}
}

// Run starts every long-running component and blocks until ctx is
// cancelled.
func (c *client) Run(ctx context.Context) error {
	if c.dccEng != nil {
		if err := c.dccEng.Start(); err != nil {
			return fmt.Errorf("starting dcc engine: %w", err)
		}
	}
	if c.trig != nil {
		if err := c.trig.Start(); err != nil {
			return fmt.Errorf("starting trigger engine: %w", err)
		}
	}

	c.tport.Run(ctx)
	return nil
}

// Shutdown tears every component down in the reverse order Run started
// them, best-effort.
func (c *client) Shutdown(quitMessage string) {
	c.tport.DisconnectGracefully(quitMessage)
	c.tport.Stop()
	if c.trig != nil {
		c.trig.Stop()
	}
	if c.dccEng != nil {
		c.dccEng.Stop()
	}
	if c.disk != nil {
		c.disk.Stop()
	}
}

// SendRaw enqueues a raw protocol line typed at the stdin UI sink.
func (c *client) SendRaw(line string) error {
	return c.tport.SendLine(line)
}
