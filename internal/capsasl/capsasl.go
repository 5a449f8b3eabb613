// Package capsasl drives the IRCv3 capability negotiation, SASL
// authentication and registration state machine: CAP LS -> REQ -> ACK ->
// optional SASL PLAIN/EXTERNAL -> CAP END -> NICK/USER -> RPL_WELCOME.
// Grounded on control_channel.go's state-machine-via-atomic-value-plus-
// callbacks shape (internal/agent/control_channel.go) and
// internal/agent/scheduler.go's running-guard pattern, here guarding
// against re-entering nick-collision handling while a correction is still
// in flight.
package capsasl

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/edgeof8/pyrc-core/internal/eventbus"
	"github.com/edgeof8/pyrc-core/internal/hub"
	"github.com/edgeof8/pyrc-core/internal/state"
	"github.com/edgeof8/pyrc-core/internal/wire"
)

// State is one step of the registration state machine, spec §4.5.
type State string

const (
	Idle               State = "IDLE"
	CapLSSent          State = "CAP_LS_SENT"
	CapReqSent         State = "CAP_REQ_SENT"
	SASLAuthenticating State = "SASL_AUTHENTICATING"
	CapEndSent         State = "CAP_END_SENT"
	NickSent           State = "NICK_SENT"
	UserSent           State = "USER_SENT"
	WaitingWelcome     State = "WAITING_WELCOME"
	Registered         State = "REGISTERED"
)

// Credentials is everything the negotiator needs to register a connection.
type Credentials struct {
	Nick             string
	Username         string
	Realname         string
	ServerPassword   string
	NickServPassword string
	SASLUsername     string
	SASLPassword     string
	SASLExternal     bool // true when a client cert is presented; prefer AUTHENTICATE EXTERNAL
	SASLAbortOnFail  bool
	DesiredCaps      []string
}

func (c Credentials) wantsSASL() bool {
	return contains(c.DesiredCaps, "sasl") && (c.SASLExternal || (c.SASLUsername != "" && c.SASLPassword != ""))
}

// SendFunc enqueues a single protocol line (without CRLF) for the wire.
type SendFunc func(line string) error

// ErrSASLAborted is returned from HandleLine when SASL failed and
// Credentials.SASLAbortOnFail is set, meaning the caller should tear the
// connection down instead of continuing unauthenticated.
type ErrSASLAborted struct{ Reason string }

func (e *ErrSASLAborted) Error() string { return "capsasl: sasl aborted: " + e.Reason }

// Negotiator runs one connection's registration handshake.
type Negotiator struct {
	logger *slog.Logger
	send   SendFunc
	hub    hub.Hub
	bus    *eventbus.Bus
	store  *state.Store
	creds  Credentials

	mu                    sync.Mutex
	st                    State
	initialNick           string
	currentNick           string
	serverCaps            map[string]bool
	pendingLS             []string
	ackedCaps             map[string]bool
	nickCollisionInFlight bool
	joinedCaps            []string
}

// New builds a Negotiator for one connection attempt.
func New(creds Credentials, send SendFunc, h hub.Hub, bus *eventbus.Bus, store *state.Store, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		logger:      logger,
		send:        send,
		hub:         h,
		bus:         bus,
		store:       store,
		creds:       creds,
		st:          Idle,
		initialNick: creds.Nick,
		currentNick: creds.Nick,
		serverCaps:  make(map[string]bool),
		ackedCaps:   make(map[string]bool),
	}
}

// State returns the negotiator's current step.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.st
}

// CurrentNick returns the nick currently in use (possibly auto-corrected).
func (n *Negotiator) CurrentNick() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentNick
}

// Start begins negotiation by requesting the capability list.
func (n *Negotiator) Start() error {
	n.mu.Lock()
	n.st = CapLSSent
	n.mu.Unlock()
	return n.send("CAP LS 302")
}

// HandleLine feeds one parsed inbound message to the state machine. It
// returns true if the message was consumed by registration handling and
// should not also reach the Message Router.
func (n *Negotiator) HandleLine(msg *wire.Message) (handled bool, err error) {
	switch msg.Command {
	case "CAP":
		return true, n.handleCAP(msg)
	case "AUTHENTICATE":
		return true, n.handleAuthenticate(msg)
	case "900", "902", "903", "904", "905", "906", "907", "908":
		return true, n.handleSASLNumeric(msg)
	case "001":
		return true, n.handleWelcome(msg)
	case "433":
		return true, n.handleNickInUse(msg)
	case "432", "436":
		return true, n.handleFatalNick(msg)
	default:
		return false, nil
	}
}

func (n *Negotiator) handleCAP(msg *wire.Message) error {
	if len(msg.Params) < 2 {
		return nil
	}
	sub := strings.ToUpper(msg.Params[1])
	switch sub {
	case "LS":
		list := msg.Trailing()
		more := len(msg.Params) >= 4 && msg.Params[2] == "*"
		n.mu.Lock()
		n.pendingLS = append(n.pendingLS, strings.Fields(list)...)
		if more {
			n.mu.Unlock()
			return nil
		}
		for _, c := range n.pendingLS {
			name := c
			if eq := strings.IndexByte(c, '='); eq >= 0 {
				name = c[:eq]
			}
			n.serverCaps[name] = true
		}
		n.mu.Unlock()
		return n.requestDesiredCaps()
	case "ACK":
		caps := strings.Fields(msg.Trailing())
		n.mu.Lock()
		for _, c := range caps {
			n.ackedCaps[c] = true
			n.joinedCaps = append(n.joinedCaps, c)
		}
		wantSASL := n.creds.wantsSASL() && n.ackedCaps["sasl"]
		n.mu.Unlock()
		if wantSASL {
			return n.startSASL()
		}
		return n.finishCapNegotiation()
	case "NAK":
		n.logger.Warn("capsasl: server rejected capabilities", "caps", msg.Trailing())
		return n.finishCapNegotiation()
	case "NEW", "DEL":
		// Mid-session capability churn; registration has already completed
		// or is not yet far enough along to care.
		return nil
	}
	return nil
}

func (n *Negotiator) requestDesiredCaps() error {
	n.mu.Lock()
	var want []string
	for _, c := range n.creds.DesiredCaps {
		if n.serverCaps[c] {
			want = append(want, c)
		}
	}
	n.mu.Unlock()
	if len(want) == 0 {
		return n.finishCapNegotiation()
	}
	n.mu.Lock()
	n.st = CapReqSent
	n.mu.Unlock()
	return n.send("CAP REQ :" + strings.Join(want, " "))
}

func (n *Negotiator) startSASL() error {
	n.mu.Lock()
	n.st = SASLAuthenticating
	mech := "PLAIN"
	if n.creds.SASLExternal {
		mech = "EXTERNAL"
	}
	n.mu.Unlock()
	return n.send("AUTHENTICATE " + mech)
}

func (n *Negotiator) handleAuthenticate(msg *wire.Message) error {
	n.mu.Lock()
	inSASL := n.st == SASLAuthenticating
	external := n.creds.SASLExternal
	user := n.creds.SASLUsername
	pass := n.creds.SASLPassword
	n.mu.Unlock()
	if !inSASL {
		return nil
	}
	if len(msg.Params) == 0 || msg.Params[0] != "+" {
		return nil
	}
	if external {
		return n.send("AUTHENTICATE +")
	}
	payload := "\x00" + user + "\x00" + user + "\x00" + pass
	b64 := base64.StdEncoding.EncodeToString([]byte(payload))
	for _, chunk := range chunkAuthPayload(b64) {
		if err := n.send("AUTHENTICATE " + chunk); err != nil {
			return err
		}
	}
	return nil
}

// chunkAuthPayload splits a base64 SASL payload into <=400-byte
// AUTHENTICATE lines, appending a final "+" line when the last chunk is
// exactly 400 bytes (per spec §4.5) and using "+" for a genuinely empty
// payload.
func chunkAuthPayload(b64 string) []string {
	if b64 == "" {
		return []string{"+"}
	}
	var chunks []string
	for len(b64) > 400 {
		chunks = append(chunks, b64[:400])
		b64 = b64[400:]
	}
	chunks = append(chunks, b64)
	if len(chunks[len(chunks)-1]) == 400 {
		chunks = append(chunks, "+")
	}
	return chunks
}

func (n *Negotiator) handleSASLNumeric(msg *wire.Message) error {
	switch msg.Command {
	case "903", "907":
		return n.finishCapNegotiation()
	case "900":
		return nil
	case "902", "904", "905", "906", "908":
		reason := msg.Trailing()
		n.logger.Warn("capsasl: sasl failed", "numeric", msg.Command, "reason", reason)
		n.mu.Lock()
		abort := n.creds.SASLAbortOnFail
		n.mu.Unlock()
		if abort {
			return &ErrSASLAborted{Reason: reason}
		}
		return n.finishCapNegotiation()
	}
	return nil
}

func (n *Negotiator) finishCapNegotiation() error {
	n.mu.Lock()
	n.st = CapEndSent
	n.mu.Unlock()
	if err := n.send("CAP END"); err != nil {
		return err
	}
	return n.sendRegistration()
}

func (n *Negotiator) sendRegistration() error {
	n.mu.Lock()
	pass := n.creds.ServerPassword
	nick := n.currentNick
	user := n.creds.Username
	real := n.creds.Realname
	n.mu.Unlock()

	if pass != "" {
		if err := n.send("PASS " + pass); err != nil {
			return err
		}
	}
	n.mu.Lock()
	n.st = NickSent
	n.mu.Unlock()
	if err := n.send("NICK " + nick); err != nil {
		return err
	}
	n.mu.Lock()
	n.st = UserSent
	n.mu.Unlock()
	if err := n.send(fmt.Sprintf("USER %s 0 * :%s", user, real)); err != nil {
		return err
	}
	n.mu.Lock()
	n.st = WaitingWelcome
	n.mu.Unlock()
	return nil
}

func (n *Negotiator) handleWelcome(msg *wire.Message) error {
	nick := n.creds.Nick
	if len(msg.Params) > 0 {
		nick = msg.Params[0]
	}
	n.mu.Lock()
	n.st = Registered
	n.currentNick = nick
	n.nickCollisionInFlight = false
	n.mu.Unlock()

	if n.store != nil {
		n.store.Set(state.KeyConnectionState, state.Registered, nil)
	}
	if n.bus != nil {
		n.bus.Publish("CLIENT_REGISTERED", map[string]any{
			"nick": nick, "server_message": msg.Trailing(), "raw_line": msg.Format(),
		})
	}
	return nil
}

func (n *Negotiator) handleNickInUse(msg *wire.Message) error {
	// ERR_NICKNAMEINUSE: "<client> <nick> :Nickname is already in use" —
	// <client> is the target (often "*" pre-registration), <nick> is the
	// nick that collided.
	var failing string
	switch len(msg.Params) {
	case 0:
		return nil
	case 1:
		failing = msg.Params[0]
	default:
		failing = msg.Params[1]
	}

	n.mu.Lock()
	if failing != n.currentNick || n.nickCollisionInFlight {
		n.mu.Unlock()
		return nil
	}
	next := nextNickCandidate(n.currentNick, n.initialNick)
	n.currentNick = next
	n.nickCollisionInFlight = true
	n.mu.Unlock()

	err := n.send("NICK " + next)

	n.mu.Lock()
	n.nickCollisionInFlight = false
	n.mu.Unlock()
	return err
}

func (n *Negotiator) handleFatalNick(msg *wire.Message) error {
	n.logger.Error("capsasl: fatal nick error", "numeric", msg.Command, "params", msg.Params)
	return nil
}

// nextNickCandidate implements spec §4.5's deterministic nick-mangling
// rule, truncated to 9 characters.
func nextNickCandidate(current, initial string) string {
	var next string
	switch {
	case current == initial:
		next = current + "_"
	case strings.HasSuffix(current, "_"):
		next = strings.TrimSuffix(current, "_") + "1"
	case len(current) > 0 && isASCIIDigit(current[len(current)-1]):
		next = incrementTrailingDigit(current)
	default:
		next = current + "_"
	}
	if len(next) > 9 {
		next = next[:9]
	}
	return next
}

func isASCIIDigit(b byte) bool { return b >= '0' && b <= '9' }

func incrementTrailingDigit(s string) string {
	b := []byte(s)
	i := len(b) - 1
	d := b[i] - '0'
	d = (d + 1) % 10
	b[i] = '0' + d
	return string(b)
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
