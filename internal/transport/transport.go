// Package transport implements the Network Transport: one TCP (optionally
// TLS) connection per client instance, with line framing, a bounded
// outbound send queue, and reconnection with exponential backoff. Grounded
// directly on internal/agent/control_channel.go's run()/connect() loop and
// internal/agent/daemon.go's calculateBackoff.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeof8/pyrc-core/internal/hub"
	"github.com/edgeof8/pyrc-core/internal/pki"
	"github.com/edgeof8/pyrc-core/internal/state"
)

// ErrNotConnected is returned by SendLine when there is no live connection.
var ErrNotConnected = errors.New("transport: not connected")

// Config is the dial target and backoff tuning for a Transport.
type Config struct {
	Host                  string
	Port                  int
	UseTLS                bool
	TLSOptions            pki.ClientOptions
	DialTimeout           time.Duration
	ReconnectInitialDelay time.Duration
	MaxReconnectDelay     time.Duration
	WriteQueueSize        int
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.ReconnectInitialDelay == 0 {
		c.ReconnectInitialDelay = time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 300 * time.Second
	}
	if c.WriteQueueSize == 0 {
		c.WriteQueueSize = 256
	}
}

func (c Config) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Transport owns one server connection's read loop, write queue, and
// reconnect policy.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	hub    hub.Hub

	mu       sync.Mutex
	conn     net.Conn
	sendCh   chan string
	connDone chan struct{}

	connected    atomic.Bool
	rttNanos     atomic.Int64
	resetBackoff atomic.Bool
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// New builds a Transport. hub.OnStateChange is called with CONNECTING,
// CONNECTED and DISCONNECTED as the lifecycle progresses.
func New(cfg Config, logger *slog.Logger, h hub.Hub) *Transport {
	cfg.applyDefaults()
	return &Transport{
		cfg:    cfg,
		logger: logger,
		hub:    h,
		stopCh: make(chan struct{}),
	}
}

// UpdateConnectionParams changes the dial target for the *next* connection
// attempt; it does not affect an already-open connection.
func (t *Transport) UpdateConnectionParams(cfg Config) {
	cfg.applyDefaults()
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

// ResetBackoff collapses the reconnect delay back to its initial value.
// Call this once registration succeeds, per spec §4.2.
func (t *Transport) ResetBackoff() {
	t.resetBackoff.Store(true)
}

// IsConnected reports whether a connection is currently established.
func (t *Transport) IsConnected() bool { return t.connected.Load() }

// RTT returns the most recently measured line round-trip time, if the
// caller feeds measurements via RecordRTT (the transport itself does not
// measure RTT — that's a PING/PONG concern of the router).
func (t *Transport) RTT() time.Duration { return time.Duration(t.rttNanos.Load()) }

// RecordRTT lets an external PING/PONG handler report a measurement.
func (t *Transport) RecordRTT(d time.Duration) { t.rttNanos.Store(int64(d)) }

// Run drives the connect/read/write/reconnect loop until ctx is canceled or
// Stop is called. Intended to be run in its own goroutine.
func (t *Transport) Run(ctx context.Context) {
	t.mu.Lock()
	delay := t.cfg.ReconnectInitialDelay
	maxDelay := t.cfg.MaxReconnectDelay
	t.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		default:
		}

		t.hub.OnStateChange(state.Connecting, nil)
		conn, err := t.dial(ctx)
		if err != nil {
			t.hub.OnStateChange(state.Disconnected, map[string]any{"reason": err.Error()})
			if !sleepOrDone(ctx, t.stopCh, delay) {
				return
			}
			delay = nextDelay(delay, maxDelay)
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.sendCh = make(chan string, t.cfg.WriteQueueSize)
		t.connDone = make(chan struct{})
		t.mu.Unlock()
		t.connected.Store(true)
		t.hub.OnStateChange(state.Connected, nil)

		t.runConnection(conn)

		t.connected.Store(false)
		t.hub.OnStateChange(state.Disconnected, map[string]any{"reason": "connection closed"})

		if t.resetBackoff.Swap(false) {
			delay = t.cfg.ReconnectInitialDelay
		}

		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		default:
		}
		if !sleepOrDone(ctx, t.stopCh, delay) {
			return
		}
		delay = nextDelay(delay, maxDelay)
	}
}

func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

func sleepOrDone(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	}
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	t.mu.Lock()
	cfg := t.cfg
	t.mu.Unlock()

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	if !cfg.UseTLS {
		return dialer.DialContext(ctx, "tcp", cfg.addr())
	}

	tlsOpts := cfg.TLSOptions
	if tlsOpts.ServerName == "" {
		tlsOpts.ServerName = cfg.Host
	}
	tlsCfg, err := pki.NewClientTLSConfig(tlsOpts)
	if err != nil {
		return nil, fmt.Errorf("building tls config: %w", err)
	}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(rawConn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

// runConnection owns one live connection's read and write loops, blocking
// until either side fails or Stop is called.
func (t *Transport) runConnection(conn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		t.readLoop(conn)
	}()
	go func() {
		defer wg.Done()
		t.writeLoop(conn)
	}()

	wg.Wait()
	conn.Close()
}

func (t *Transport) readLoop(conn net.Conn) {
	defer t.closeConnDone()
	r := bufio.NewReaderSize(conn, 8192)
	for {
		line, err := r.ReadString('\n')
		if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
			t.hub.OnLine(trimmed)
		}
		if err != nil {
			return
		}
	}
}

func (t *Transport) writeLoop(conn net.Conn) {
	w := bufio.NewWriter(conn)
	t.mu.Lock()
	ch := t.sendCh
	done := t.connDone
	t.mu.Unlock()

	for {
		select {
		case <-done:
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.WriteString(line); err != nil {
				return
			}
			if _, err := w.WriteString("\r\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func (t *Transport) closeConnDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.connDone:
	default:
		if t.connDone != nil {
			close(t.connDone)
		}
	}
}

// SendLine enqueues a single IRC protocol line (without CRLF) for writing.
// Returns ErrNotConnected if no connection is currently established, and an
// error if the bounded outbound queue is full (backpressure).
func (t *Transport) SendLine(line string) error {
	t.mu.Lock()
	ch := t.sendCh
	t.mu.Unlock()
	if ch == nil || !t.connected.Load() {
		return ErrNotConnected
	}
	select {
	case ch <- line:
		return nil
	default:
		return fmt.Errorf("transport: outbound queue full")
	}
}

// DisconnectGracefully sends a QUIT with quitMessage (best-effort) and tears
// the connection down.
func (t *Transport) DisconnectGracefully(quitMessage string) {
	_ = t.SendLine("QUIT :" + quitMessage)
	time.Sleep(200 * time.Millisecond)
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Stop terminates the Run loop permanently (no further reconnects).
func (t *Transport) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
