package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edgeof8/pyrc-core/internal/trigger"
)

// triggerFile is the on-disk shape of an optional trigger rule set, kept
// separate from internal/config.Config since trigger rules are an optional
// add-on a deployment may omit entirely.
type triggerFile struct {
	Rules []triggerRuleYAML `yaml:"rules"`
}

type triggerRuleYAML struct {
	Name           string `yaml:"name"`
	Enabled        bool   `yaml:"enabled"`
	EventPattern   string `yaml:"event_pattern"`
	TextPattern    string `yaml:"text_pattern"`
	ActionKind     string `yaml:"action_kind"` // Command|ScriptAction
	ActionTemplate string `yaml:"action_template"`
	CooldownMS     int    `yaml:"cooldown_ms"`
	CronSpec       string `yaml:"cron_spec"`
}

// loadTriggerRules reads a trigger rule file. A missing path is not an
// error — triggers are optional — and yields an empty rule set.
func loadTriggerRules(path string) ([]trigger.Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading trigger rules %s: %w", path, err)
	}
	var f triggerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing trigger rules %s: %w", path, err)
	}
	rules := make([]trigger.Rule, 0, len(f.Rules))
	for _, r := range f.Rules {
		kind := trigger.ActionCommand
		if r.ActionKind == "ScriptAction" {
			kind = trigger.ActionScript
		}
		rules = append(rules, trigger.Rule{
			Name:           r.Name,
			Enabled:        r.Enabled,
			EventPattern:   r.EventPattern,
			TextPattern:    r.TextPattern,
			ActionKind:     kind,
			ActionTemplate: r.ActionTemplate,
			Cooldown:       time.Duration(r.CooldownMS) * time.Millisecond,
			CronSpec:       r.CronSpec,
		})
	}
	return rules, nil
}
