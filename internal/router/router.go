// Package router implements the Message Router: it dispatches parsed
// inbound IRC lines to handlers that mutate the Context Manager and State
// Store and emit events, and drives the post-registration auto-join
// sequence. Grounded on internal/server/handler.go's magic-byte dispatch
// switch (HandleConnection/handleControlChannel) — reused here with the
// discriminator being the IRC command/numeric instead of a 4-byte magic.
package router

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/edgeof8/pyrc-core/internal/ctxmgr"
	"github.com/edgeof8/pyrc-core/internal/eventbus"
	"github.com/edgeof8/pyrc-core/internal/hub"
	"github.com/edgeof8/pyrc-core/internal/state"
	"github.com/edgeof8/pyrc-core/internal/wire"
)

// DCCCTCPHandler is the narrow interface the DCC CTCP Handler exposes to
// the router, breaking the router -> dcc -> dccctcp -> router cycle a
// direct dependency would create.
type DCCCTCPHandler interface {
	HandleCTCP(fromNick, fromIdent string, payload string)
}

// SendFunc enqueues an outbound protocol line.
type SendFunc func(line string) error

// Router dispatches inbound wire.Message values to their handlers.
type Router struct {
	ctx   *ctxmgr.Manager
	store *state.Store
	bus   *eventbus.Bus
	hub   hub.Hub
	send  SendFunc
	dcc   DCCCTCPHandler

	ignorePatterns []string
	dccEnabled     bool

	mu                 sync.Mutex
	activeListContext  string
	pendingAutoJoin    map[string]bool
	autoJoinInProgress bool
}

// New builds a Router. dcc may be nil if DCC support is disabled.
func New(ctxMgr *ctxmgr.Manager, store *state.Store, bus *eventbus.Bus, h hub.Hub, send SendFunc, dcc DCCCTCPHandler, dccEnabled bool, ignorePatterns []string) *Router {
	r := &Router{
		ctx: ctxMgr, store: store, bus: bus, hub: h, send: send,
		dcc: dcc, dccEnabled: dccEnabled, ignorePatterns: ignorePatterns,
		pendingAutoJoin: make(map[string]bool),
	}
	if bus != nil {
		bus.Subscribe("CLIENT_REGISTERED", func(eventbus.Event) { r.startAutoJoin() })
	}
	return r
}

// SetActiveListContext sets the context LIST replies (321/322/323) should
// be routed to; an empty string routes them to Status.
func (r *Router) SetActiveListContext(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeListContext = name
}

func (r *Router) isIgnored(ident string) bool {
	for _, pat := range r.ignorePatterns {
		if ok, _ := filepath.Match(pat, ident); ok {
			return true
		}
	}
	return false
}

// startAutoJoin sends JOIN for every configured initial channel and tracks
// completion so CLIENT_READY can be emitted once every auto-join resolves.
func (r *Router) startAutoJoin() {
	ci, ok := r.store.Get(state.KeyConnectionInfo).(state.ConnectionInfo)
	if !ok || len(ci.InitialChannels) == 0 {
		if r.bus != nil {
			r.bus.Publish("CLIENT_READY", map[string]any{})
		}
		return
	}

	r.mu.Lock()
	r.autoJoinInProgress = true
	for _, ch := range ci.InitialChannels {
		r.pendingAutoJoin[ctxmgr.CaseFold(ch)] = true
	}
	r.mu.Unlock()

	for _, ch := range ci.InitialChannels {
		if _, exists := r.ctx.GetContext(ch); !exists {
			r.ctx.CreateContext(ch, ctxmgr.TypeChannel, ctxmgr.PendingInitialJoin)
		}
		r.ctx.SetJoinStatus(ch, ctxmgr.JoinCommandSent)
		if r.send != nil {
			_ = r.send("JOIN " + ch)
		}
	}
}

func (r *Router) resolveAutoJoin(channel string) {
	r.mu.Lock()
	key := ctxmgr.CaseFold(channel)
	if !r.pendingAutoJoin[key] {
		r.mu.Unlock()
		return
	}
	delete(r.pendingAutoJoin, key)
	done := len(r.pendingAutoJoin) == 0 && r.autoJoinInProgress
	if done {
		r.autoJoinInProgress = false
	}
	r.mu.Unlock()
	if done && r.bus != nil {
		r.bus.Publish("CLIENT_READY", map[string]any{})
	}
}

// Dispatch routes one parsed inbound message. It is the caller's
// responsibility to have already handed CAP/AUTHENTICATE/SASL-numeric/
// 001/432/433/436 lines to the capsasl.Negotiator first.
func (r *Router) Dispatch(msg *wire.Message) {
	switch msg.Command {
	case "PRIVMSG", "NOTICE":
		r.handlePrivmsgNotice(msg)
	case "JOIN":
		r.handleJoin(msg)
	case "PART":
		r.handlePart(msg)
	case "KICK":
		r.handleKick(msg)
	case "QUIT":
		r.handleQuit(msg)
	case "NICK":
		r.handleNick(msg)
	case "MODE":
		r.handleMode(msg)
	case "TOPIC":
		r.handleTopic(msg)
	case "PING":
		if r.send != nil {
			_ = r.send("PONG :" + msg.Trailing())
		}
	default:
		r.handleNumeric(msg)
	}
}

func (r *Router) ourNick() string {
	if ci, ok := r.store.Get(state.KeyConnectionInfo).(state.ConnectionInfo); ok {
		return ci.Nick
	}
	return ""
}

func (r *Router) handlePrivmsgNotice(msg *wire.Message) {
	if msg.Prefix == nil || len(msg.Params) < 1 {
		return
	}
	ident := msg.Prefix.String()
	if r.isIgnored(ident) {
		return
	}

	trailing := msg.Trailing()
	if payload, ok := wire.ExtractCTCP(trailing); ok {
		if wire.IsDCC(payload) {
			if r.dccEnabled && r.dcc != nil {
				r.dcc.HandleCTCP(msg.Prefix.Name, ident, payload)
			}
			return
		}
		// Non-DCC CTCP (VERSION, PING, ACTION, ...) is outside the core's
		// scope beyond DCC; surface it as plain text so the UI sink still
		// sees something.
	}

	target := msg.Params[0]
	contextName := target
	if !strings.HasPrefix(target, "#") && !strings.HasPrefix(target, "&") {
		contextName = msg.Prefix.Name
		if _, exists := r.ctx.GetContext(contextName); !exists {
			r.ctx.CreateContext(contextName, ctxmgr.TypeQuery, "")
		}
	}

	colorKey := "privmsg"
	eventName := "PRIVMSG_RECEIVED"
	if msg.Command == "NOTICE" {
		colorKey = "notice"
		eventName = "NOTICE_RECEIVED"
	}
	r.ctx.AddMessageToContext(contextName, ident+": "+trailing, colorKey, 1)
	if r.bus != nil {
		r.bus.Publish(eventName, map[string]any{
			"from": ident, "target": target, "text": trailing,
		})
	}
	if r.hub.LogLine != nil {
		r.hub.LogLine(contextName, ident+": "+trailing)
	}
}

func (r *Router) handleJoin(msg *wire.Message) {
	if msg.Prefix == nil || len(msg.Params) == 0 {
		return
	}
	channel := msg.Params[0]
	nick := msg.Prefix.Name

	if nick == r.ourNick() {
		if _, exists := r.ctx.GetContext(channel); !exists {
			r.ctx.CreateContext(channel, ctxmgr.TypeChannel, ctxmgr.JoinCommandSent)
		}
		r.ctx.AddUser(channel, nick, "")
		if r.bus != nil {
			r.bus.Publish("CLIENT_CONNECTED", map[string]any{"channel": channel})
		}
		return
	}
	r.ctx.AddUser(channel, nick, "")
	if r.bus != nil {
		r.bus.Publish("USER_JOIN", map[string]any{"channel": channel, "nick": nick})
	}
	r.ctx.AddMessageToContext(channel, nick+" has joined "+channel, "join", 1)
}

func (r *Router) handlePart(msg *wire.Message) {
	if msg.Prefix == nil || len(msg.Params) == 0 {
		return
	}
	channel := msg.Params[0]
	nick := msg.Prefix.Name
	if nick == r.ourNick() {
		r.ctx.SetJoinStatus(channel, ctxmgr.Parted)
	} else {
		r.ctx.RemoveUser(channel, nick)
	}
	if r.bus != nil {
		r.bus.Publish("USER_PART", map[string]any{"channel": channel, "nick": nick})
	}
	r.ctx.AddMessageToContext(channel, nick+" has left "+channel, "part", 1)
}

func (r *Router) handleKick(msg *wire.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel, kicked := msg.Params[0], msg.Params[1]
	if kicked == r.ourNick() {
		r.ctx.SetJoinStatus(channel, ctxmgr.Parted)
	} else {
		r.ctx.RemoveUser(channel, kicked)
	}
	r.ctx.AddMessageToContext(channel, kicked+" was kicked from "+channel, "kick", 1)
}

func (r *Router) handleQuit(msg *wire.Message) {
	if msg.Prefix == nil {
		return
	}
	nick := msg.Prefix.Name
	r.ctx.RemoveUserEverywhere(nick)
	if r.bus != nil {
		r.bus.Publish("USER_QUIT", map[string]any{"nick": nick, "reason": msg.Trailing()})
	}
}

func (r *Router) handleNick(msg *wire.Message) {
	if msg.Prefix == nil || len(msg.Params) == 0 {
		return
	}
	oldNick := msg.Prefix.Name
	newNick := msg.Params[0]
	r.ctx.RenameUser(oldNick, newNick)
	if oldNick == r.ourNick() {
		if ci, ok := r.store.Get(state.KeyConnectionInfo).(state.ConnectionInfo); ok {
			ci.Nick = newNick
			r.store.Set(state.KeyConnectionInfo, ci, map[string]any{"reason": "nick_changed"})
		}
	}
	if r.bus != nil {
		r.bus.Publish("USER_NICK_CHANGED", map[string]any{"old": oldNick, "new": newNick})
	}
}

// userModePrefix maps a channel user mode letter to its display prefix.
var userModePrefix = map[byte]byte{'o': '@', 'v': '+', 'h': '%', 'a': '&', 'q': '~'}

func (r *Router) handleMode(msg *wire.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel := msg.Params[0]
	c, ok := r.ctx.GetContext(channel)
	if !ok || c.Type != ctxmgr.TypeChannel {
		return
	}
	modes := msg.Params[1]
	args := msg.Params[2:]
	argIdx := 0
	adding := true
	for i := 0; i < len(modes); i++ {
		switch modes[i] {
		case '+':
			adding = true
		case '-':
			adding = false
		default:
			prefix, isUserMode := userModePrefix[modes[i]]
			if !isUserMode || argIdx >= len(args) {
				continue
			}
			nick := args[argIdx]
			argIdx++
			current := c.Users[nick]
			if adding {
				if !strings.ContainsRune(current, rune(prefix)) {
					c.Users[nick] = current + string(prefix)
				}
			} else {
				c.Users[nick] = strings.ReplaceAll(current, string(prefix), "")
			}
		}
	}
}

func (r *Router) handleTopic(msg *wire.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel := msg.Params[0]
	setter := ""
	if msg.Prefix != nil {
		setter = msg.Prefix.Name
	}
	r.ctx.UpdateTopic(channel, msg.Trailing(), setter)
}

func (r *Router) listContextOrStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeListContext != "" {
		return r.activeListContext
	}
	return ctxmgr.StatusContextName
}

func (r *Router) toStatus(text string) {
	r.ctx.AddMessageToContext(ctxmgr.StatusContextName, text, "info", 1)
}

func (r *Router) handleNumeric(msg *wire.Message) {
	n, err := strconv.Atoi(msg.Command)
	if err != nil {
		return
	}
	switch n {
	case 331: // RPL_NOTOPIC
		if len(msg.Params) >= 2 {
			r.ctx.UpdateTopic(msg.Params[1], "", "")
		}
	case 332: // RPL_TOPIC
		if len(msg.Params) >= 3 {
			r.ctx.UpdateTopic(msg.Params[1], msg.Params[2], "")
		}
	case 353: // RPL_NAMREPLY
		r.handleNamReply(msg)
	case 366: // RPL_ENDOFNAMES
		r.handleEndOfNames(msg)
	case 352, 315, 311, 318, 314, 369:
		r.toStatus(msg.Format())
	case 321, 322, 323:
		r.ctx.AddMessageToContext(r.listContextOrStatus(), msg.Format(), "list", 1)
	case 401:
		if len(msg.Params) >= 2 {
			r.toStatus("No such nick/channel: " + msg.Params[1])
		}
	case 403, 471, 473, 474, 475:
		r.handleJoinError(msg)
	case 251, 252, 253, 254, 255, 256, 257, 258, 259, 260, 261, 262, 263, 264, 265, 266, 372, 375, 376:
		r.toStatus(msg.Trailing())
	default:
		if r.bus != nil {
			r.bus.Publish("RAW_IRC_NUMERIC", map[string]any{
				"numeric": msg.Command, "params": msg.Params, "trailing": msg.Trailing(), "tags": msg.Tags,
			})
		}
	}
}

func (r *Router) handleNamReply(msg *wire.Message) {
	if len(msg.Params) < 4 {
		return
	}
	channel := msg.Params[2]
	names := strings.Fields(msg.Trailing())
	for _, n := range names {
		prefix, nick := splitNamePrefix(n)
		r.ctx.AddUser(channel, nick, prefix)
	}
	if c, ok := r.ctx.GetContext(channel); ok && c.JoinStatus == ctxmgr.JoinCommandSent {
		r.ctx.SetJoinStatus(channel, ctxmgr.SelfJoinReceived)
	}
}

func splitNamePrefix(tok string) (prefix, nick string) {
	i := 0
	for i < len(tok) {
		switch tok[i] {
		case '@', '+', '%', '&', '~':
			i++
		default:
			return tok[:i], tok[i:]
		}
	}
	return tok[:i], tok[i:]
}

func (r *Router) handleEndOfNames(msg *wire.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel := msg.Params[1]
	r.ctx.SetJoinStatus(channel, ctxmgr.FullyJoined)
	if ci, ok := r.store.Get(state.KeyConnectionInfo).(state.ConnectionInfo); ok {
		if ci.JoinedChannels == nil {
			ci.JoinedChannels = make(map[string]bool)
		}
		ci.JoinedChannels[ctxmgr.CaseFold(channel)] = true
		r.store.Set(state.KeyConnectionInfo, ci, nil)
	}
	r.resolveAutoJoin(channel)
}

func (r *Router) handleJoinError(msg *wire.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel := msg.Params[1]
	r.ctx.SetJoinStatus(channel, ctxmgr.JoinFailed)
	r.toStatus("Cannot join " + channel + ": " + msg.Trailing())
	r.resolveAutoJoin(channel)
}
