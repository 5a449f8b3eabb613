// Package ctxmgr implements the Context Manager: the ordered mapping of
// context name to Context entity, channel-name case folding, bounded
// scrollback, the per-channel join-status state machine, and active
// context switching. Grounded on the bounded-buffer eviction discipline of
// internal/agent/ringbuffer.go, applied here to scrollback lines instead
// of raw bytes.
package ctxmgr

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edgeof8/pyrc-core/internal/eventbus"
)

const (
	StatusContextName = "Status"
	DCCContextName    = "DCC"
)

var (
	ErrContextExists   = errors.New("ctxmgr: context already exists")
	ErrContextNotFound = errors.New("ctxmgr: context not found")
	ErrAmbiguousMatch  = errors.New("ctxmgr: ambiguous context match")
)

// Manager owns every Context and the currently active one.
type Manager struct {
	mu         sync.RWMutex
	contexts   map[string]*Context // keyed by CaseFold(name)
	maxHistory int
	active     string // folded name
	bus        *eventbus.Bus
}

// New builds a Manager with the mandatory Status context already created.
// bus may be nil if no event emission is desired (e.g. in tests).
func New(maxHistory int, bus *eventbus.Bus) *Manager {
	m := &Manager{
		contexts:   make(map[string]*Context),
		maxHistory: maxHistory,
		bus:        bus,
	}
	_, _ = m.CreateContext(StatusContextName, TypeStatus, "")
	m.active = CaseFold(StatusContextName)
	return m
}

// EnsureDCCContext creates the DCC transfers context if it does not already
// exist, per the invariant that Status and (if DCC enabled) DCC always
// exist.
func (m *Manager) EnsureDCCContext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := CaseFold(DCCContextName)
	if _, ok := m.contexts[key]; ok {
		return
	}
	m.contexts[key] = &Context{
		Name: DCCContextName, FoldedName: key, Type: TypeDCCTransfers,
		Users: make(map[string]string), Created: time.Now(),
	}
}

// CreateContext creates a new Context. initialJoinStatus is only meaningful
// for TypeChannel.
func (m *Manager) CreateContext(name string, ctype Type, initialJoinStatus JoinStatus) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := CaseFold(name)
	if _, exists := m.contexts[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrContextExists, name)
	}
	c := &Context{
		Name: name, FoldedName: key, Type: ctype,
		Users: make(map[string]string), Created: time.Now(),
	}
	if ctype == TypeChannel {
		c.JoinStatus = initialJoinStatus
		if c.JoinStatus == "" {
			c.JoinStatus = NotJoined
		}
	}
	m.contexts[key] = c
	return c, nil
}

// GetContext looks up a context by name (case-folded).
func (m *Manager) GetContext(name string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[CaseFold(name)]
	return c, ok
}

// RemoveContext deletes a context (e.g. on PART with no further interest,
// or when a query window is closed). Removing the active context falls
// back to Status.
func (m *Manager) RemoveContext(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := CaseFold(name)
	delete(m.contexts, key)
	if m.active == key {
		m.active = CaseFold(StatusContextName)
	}
}

// ActiveContext returns the currently active Context.
func (m *Manager) ActiveContext() *Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contexts[m.active]
}

// SetActiveContext switches by exact (case-insensitive) name.
func (m *Manager) SetActiveContext(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := CaseFold(name)
	if _, ok := m.contexts[key]; !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}
	m.active = key
	return nil
}

// orderedNamesLocked returns folded context names in display order: Status
// first, DCC last, everything else case-insensitively sorted between.
// Caller must hold m.mu.
func (m *Manager) orderedNamesLocked(channelsOnly bool) []string {
	statusKey := CaseFold(StatusContextName)
	dccKey := CaseFold(DCCContextName)
	var mid []string
	for key, c := range m.contexts {
		if key == statusKey || key == dccKey {
			continue
		}
		if channelsOnly && c.Type != TypeChannel {
			continue
		}
		mid = append(mid, key)
	}
	sort.Strings(mid)

	var out []string
	if _, ok := m.contexts[statusKey]; ok {
		out = append(out, statusKey)
	}
	out = append(out, mid...)
	if !channelsOnly {
		if _, ok := m.contexts[dccKey]; ok {
			out = append(out, dccKey)
		}
	}
	return out
}

// GetAllContextNames returns context names (original case) in display
// order: Status first, DCC last, others case-insensitively sorted between.
func (m *Manager) GetAllContextNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.orderedNamesLocked(false)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = m.contexts[k].Name
	}
	return out
}

// SwitchActive moves the active context per the spec §4.4 rules: "next",
// "prev", an exact name, a 1-based index, or a unique substring match.
// channelsOnly restricts cycling ("next"/"prev") to channel contexts plus
// Status.
func (m *Manager) SwitchActive(target string, channelsOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order := m.orderedNamesLocked(channelsOnly)
	if len(order) == 0 {
		return ErrContextNotFound
	}

	switch strings.ToLower(target) {
	case "next", "prev":
		idx := indexOf(order, m.active)
		if idx < 0 {
			idx = 0
		}
		if strings.ToLower(target) == "next" {
			idx = (idx + 1) % len(order)
		} else {
			idx = (idx - 1 + len(order)) % len(order)
		}
		m.active = order[idx]
		return nil
	}

	if n, err := strconv.Atoi(target); err == nil {
		if n < 1 || n > len(order) {
			return fmt.Errorf("%w: index %d out of range", ErrContextNotFound, n)
		}
		m.active = order[n-1]
		return nil
	}

	folded := CaseFold(target)
	if _, ok := m.contexts[folded]; ok {
		// Exact case-insensitive match always wins over ambiguity.
		if channelsOnly && m.contexts[folded].Type != TypeChannel && folded != CaseFold(StatusContextName) {
			return fmt.Errorf("%w: %s is not a channel", ErrContextNotFound, target)
		}
		m.active = folded
		return nil
	}

	var matches []string
	for _, key := range order {
		if strings.Contains(key, folded) {
			matches = append(matches, key)
		}
	}
	switch len(matches) {
	case 0:
		return fmt.Errorf("%w: %s", ErrContextNotFound, target)
	case 1:
		m.active = matches[0]
		return nil
	default:
		return fmt.Errorf("%w: %s matches %d contexts", ErrAmbiguousMatch, target, len(matches))
	}
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// AddMessageToContext appends one rendered line to a context's scrollback,
// evicting the oldest line(s) once maxHistory is exceeded. If the context
// is active and scrolled up (ScrollbackOffset > 0), the offset is advanced
// by lineCount so the user's current view stays pinned.
func (m *Manager) AddMessageToContext(name, text, colorKey string, lineCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := CaseFold(name)
	c, ok := m.contexts[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}
	if lineCount <= 0 {
		lineCount = 1
	}

	c.scrollback = append(c.scrollback, ScrollbackLine{
		Text: text, ColorKey: colorKey, Timestamp: time.Now(), LineCount: lineCount,
	})
	c.scrollbackLen += lineCount

	for c.scrollbackLen > m.maxHistory && len(c.scrollback) > 0 {
		evicted := c.scrollback[0]
		c.scrollback = c.scrollback[1:]
		c.scrollbackLen -= evicted.LineCount
	}

	if key == m.active && c.ScrollbackOffset > 0 {
		c.ScrollbackOffset += lineCount
	}

	if m.bus != nil {
		m.bus.Publish("MESSAGE_ADDED_TO_CONTEXT", map[string]any{
			"context": c.Name, "text": text, "color_key": colorKey,
		})
	}
	return nil
}

// AddUser records nick as a member of a channel context with the given
// prefix set (e.g. "@", "+", "").
func (m *Manager) AddUser(channel, nick, prefixes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[CaseFold(channel)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, channel)
	}
	c.Users[nick] = prefixes
	return nil
}

// RemoveUser removes nick from a channel context's user list.
func (m *Manager) RemoveUser(channel, nick string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[CaseFold(channel)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, channel)
	}
	delete(c.Users, nick)
	return nil
}

// RemoveUserEverywhere removes nick from every channel's user list (QUIT).
func (m *Manager) RemoveUserEverywhere(nick string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contexts {
		if c.Type == TypeChannel {
			delete(c.Users, nick)
		}
	}
}

// RenameUser updates nick across every channel's user list (NICK change),
// preserving each channel's prefix set for that user.
func (m *Manager) RenameUser(oldNick, newNick string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contexts {
		if c.Type != TypeChannel {
			continue
		}
		if prefixes, ok := c.Users[oldNick]; ok {
			delete(c.Users, oldNick)
			c.Users[newNick] = prefixes
		}
	}
}

// UpdateTopic sets a channel's topic and publishes CHANNEL_TOPIC_CHANGED.
func (m *Manager) UpdateTopic(channel, topic, setter string) error {
	m.mu.Lock()
	c, ok := m.contexts[CaseFold(channel)]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrContextNotFound, channel)
	}
	c.Topic = topic
	c.TopicSetBy = setter
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish("CHANNEL_TOPIC_CHANGED", map[string]any{
			"channel": channel, "topic": topic, "setter": setter,
		})
	}
	return nil
}

// SetJoinStatus drives the channel join-status state machine (spec §3).
// Reaching FullyJoined publishes CHANNEL_FULLY_JOINED.
func (m *Manager) SetJoinStatus(channel string, status JoinStatus) error {
	m.mu.Lock()
	c, ok := m.contexts[CaseFold(channel)]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrContextNotFound, channel)
	}
	c.JoinStatus = status
	if status == JoinFailed || status == Parted {
		c.Users = make(map[string]string)
	}
	m.mu.Unlock()

	if status == FullyJoined && m.bus != nil {
		m.bus.Publish("CHANNEL_FULLY_JOINED", map[string]any{"channel": channel})
	}
	return nil
}

// CurrentlyJoinedChannels returns the names of every channel context whose
// JoinStatus is FullyJoined, satisfying the invariant
// currently_joined_channels ⊆ {c : Context[c].join_status == FULLY_JOINED}.
func (m *Manager) CurrentlyJoinedChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, c := range m.contexts {
		if c.Type == TypeChannel && c.JoinStatus == FullyJoined {
			out = append(out, c.Name)
		}
	}
	sort.Strings(out)
	return out
}
