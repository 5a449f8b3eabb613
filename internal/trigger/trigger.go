// Package trigger implements the Trigger Engine interface, spec §4's
// module 10: it matches named events (and, for a configured subset, an
// event's message text) against stored rules and produces either a
// synthesized command string or a sandboxed action descriptor. Per the
// spec's explicit design note, it never evaluates a trigger's payload
// in-process — the resulting Action is handed to an external script host
// through a Sink callback, exactly as DCC/CTCP actions are handed to
// external collaborators elsewhere in this core.
//
// Grounded on internal/agent/scheduler.go's cron-driven periodic task for
// the optional time-based rules, and internal/router's filepath.Match
// glob-matching technique (there used for the ignore list) reused here
// for event-name and auto-accept-style pattern matching.
package trigger

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ActionKind discriminates the two action shapes the core can hand to an
// external collaborator (spec §9's non-goal: "the core only emits a
// descriptor {kind, payload} and lets the host decide").
type ActionKind string

const (
	ActionCommand ActionKind = "Command"
	ActionScript  ActionKind = "ScriptAction"
)

// Action is the sandboxed descriptor returned by a successful match. The
// core never interprets Payload; it is opaque data for the script host.
type Action struct {
	Kind       ActionKind
	Payload    string
	RuleName   string
	MatchedOn  string // the event name that caused the match
}

// Sink receives an Action once a rule fires. Implementations live outside
// this package (the external script host); this package never calls
// anything but Sink.
type Sink func(Action)

// Rule is one configured trigger definition.
type Rule struct {
	Name         string
	Enabled      bool
	EventPattern string        // filepath.Match glob against the event name, e.g. "DCC_TRANSFER_*"
	TextPattern  string        // optional regexp against the event's extracted text
	ActionKind   ActionKind
	ActionTemplate string      // may reference $1.."$9" regexp capture groups from TextPattern
	Cooldown     time.Duration // minimum spacing between firings of this rule
	CronSpec     string        // optional robfig/cron spec for a time-based rule (ignores EventPattern/TextPattern)

	compiledText *regexp.Regexp
}

// Engine holds the configured rule set and fires Sink on a match.
type Engine struct {
	logger *slog.Logger
	sink   Sink

	mu         sync.Mutex
	rules      []*Rule
	lastFired  map[string]time.Time

	cron *cron.Cron
}

// New builds an Engine from rules, compiling each rule's TextPattern.
// Rules with an invalid TextPattern are dropped and logged rather than
// failing the whole set, matching the config layer's per-entry validation
// style.
func New(rules []Rule, sink Sink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:    logger.With("component", "trigger_engine"),
		sink:      sink,
		lastFired: make(map[string]time.Time),
	}
	for i := range rules {
		r := rules[i]
		if !r.Enabled {
			continue
		}
		if r.TextPattern != "" {
			re, err := regexp.Compile(r.TextPattern)
			if err != nil {
				e.logger.Warn("dropping trigger rule with invalid text pattern", "rule", r.Name, "error", err)
				continue
			}
			r.compiledText = re
		}
		e.rules = append(e.rules, &r)
	}
	return e
}

// Start launches cron-scheduled time-based rules (those with a non-empty
// CronSpec). Event-driven rules require no startup step beyond HandleEvent
// being wired to the event bus by the caller.
func (e *Engine) Start() error {
	var timed []*Rule
	e.mu.Lock()
	for _, r := range e.rules {
		if r.CronSpec != "" {
			timed = append(timed, r)
		}
	}
	e.mu.Unlock()
	if len(timed) == 0 {
		return nil
	}
	e.cron = cron.New()
	for _, r := range timed {
		rule := r
		if _, err := e.cron.AddFunc(rule.CronSpec, func() { e.fireTimed(rule) }); err != nil {
			return fmt.Errorf("trigger: scheduling rule %q: %w", rule.Name, err)
		}
	}
	e.cron.Start()
	return nil
}

// Stop halts any cron-scheduled rules.
func (e *Engine) Stop() {
	if e.cron != nil {
		ctx := e.cron.Stop()
		<-ctx.Done()
	}
}

func (e *Engine) fireTimed(r *Rule) {
	if !e.takeCooldown(r) {
		return
	}
	e.sink(Action{Kind: r.ActionKind, Payload: r.ActionTemplate, RuleName: r.Name, MatchedOn: "cron:" + r.CronSpec})
}

// HandleEvent evaluates every event-driven rule against name/payload and
// fires the Sink for each match (a payload may legitimately satisfy more
// than one rule). Intended to be wired as an eventbus.Handler for every
// event name the core publishes, e.g.:
//
//	for _, name := range allEventNames { bus.Subscribe(name, func(ev eventbus.Event) { engine.HandleEvent(ev.Name, ev.Payload) }) }
func (e *Engine) HandleEvent(name string, payload any) {
	e.mu.Lock()
	rules := append([]*Rule(nil), e.rules...)
	e.mu.Unlock()

	text, hasText := extractText(payload)
	for _, r := range rules {
		if r.CronSpec != "" {
			continue
		}
		ok, err := filepath.Match(r.EventPattern, name)
		if err != nil || !ok {
			continue
		}
		groups := []string(nil)
		if r.compiledText != nil {
			if !hasText {
				continue
			}
			m := r.compiledText.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			groups = m
		}
		if !e.takeCooldown(r) {
			continue
		}
		e.sink(Action{Kind: r.ActionKind, Payload: expandTemplate(r.ActionTemplate, groups), RuleName: r.Name, MatchedOn: name})
	}
}

func (e *Engine) takeCooldown(r *Rule) bool {
	if r.Cooldown <= 0 {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastFired[r.Name]
	now := time.Now()
	if ok && now.Sub(last) < r.Cooldown {
		return false
	}
	e.lastFired[r.Name] = now
	return true
}

// extractText pulls a best-effort text field out of the heterogeneous
// event payloads published around the core: a bare string, or a
// map[string]any carrying "text" or "message".
func extractText(payload any) (string, bool) {
	switch v := payload.(type) {
	case string:
		return v, true
	case map[string]any:
		if s, ok := v["text"].(string); ok {
			return s, true
		}
		if s, ok := v["message"].(string); ok {
			return s, true
		}
	}
	return "", false
}

// expandTemplate replaces "$1".."$9" in template with the corresponding
// regexp capture group from groups (groups[0] is the whole match).
func expandTemplate(template string, groups []string) string {
	if len(groups) == 0 {
		return template
	}
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		if template[i] == '$' && i+1 < len(template) && template[i+1] >= '1' && template[i+1] <= '9' {
			idx, _ := strconv.Atoi(string(template[i+1]))
			if idx < len(groups) {
				b.WriteString(groups[idx])
			}
			i++
			continue
		}
		b.WriteByte(template[i])
	}
	return b.String()
}
