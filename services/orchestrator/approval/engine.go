// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package approval implements the Approval Coordinator and its rule-based
// gate engine.
//
// # Description
//
// Every request passes the gate exactly once, after normalization and
// before backend selection. The gate evaluates declarative regex rules
// against the last user message and returns a terminal decision: allow,
// needs-approval (HTTP 202), or reject (HTTP 403). Engine errors fail
// closed.
package approval

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// GateEngine evaluates an approval context into a terminal decision.
//
// Implementations must be safe for concurrent use; one engine instance
// serves all in-flight requests.
type GateEngine interface {
	Evaluate(ctx context.Context, ac datatypes.ApprovalContext) (datatypes.ApprovalResult, error)
}

// ruleSpec is the YAML shape of one gate rule.
type ruleSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Priority    int      `yaml:"priority"`
	Action      string   `yaml:"action"`
	Patterns    []string `yaml:"patterns"`
}

type rulesFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// compiledRule is a ruleSpec with its patterns compiled once at load time.
type compiledRule struct {
	name        string
	description string
	priority    int
	action      datatypes.ApprovalAction
	patterns    []*regexp.Regexp
}

// RuleGateEngine is the declarative regex GateEngine.
//
// # Thread Safety
//
// Immutable after construction; Evaluate is safe for concurrent use.
type RuleGateEngine struct {
	rules []compiledRule
}

// NewRuleGateEngine compiles the embedded default rule set.
func NewRuleGateEngine() (*RuleGateEngine, error) {
	return NewRuleGateEngineFromYAML(defaultRulesYAML)
}

// NewRuleGateEngineFromYAML compiles a rule set from raw YAML. Invalid
// YAML, unknown actions, and malformed patterns are load-time errors so
// a bad rule file can never reach the request path.
func NewRuleGateEngineFromYAML(raw []byte) (*RuleGateEngine, error) {
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing gate rules: %w", err)
	}

	compiled := make([]compiledRule, 0, len(file.Rules))
	for _, spec := range file.Rules {
		action := datatypes.ApprovalAction(spec.Action)
		switch action {
		case datatypes.ApprovalAllow, datatypes.ApprovalNeedsApproval, datatypes.ApprovalReject:
		default:
			return nil, fmt.Errorf("rule %q: unknown action %q", spec.Name, spec.Action)
		}

		cr := compiledRule{
			name:        spec.Name,
			description: spec.Description,
			priority:    spec.Priority,
			action:      action,
		}
		for _, p := range spec.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("rule %q: pattern %q: %w", spec.Name, p, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].priority < compiled[j].priority
	})
	return &RuleGateEngine{rules: compiled}, nil
}

// Evaluate implements GateEngine.
//
// # Description
//
// Every rule is evaluated; triggered rules accumulate in priority order.
// The final action is the most restrictive triggered action
// (reject > needs-approval > allow). An ApprovalID is minted only for
// needs-approval outcomes.
func (e *RuleGateEngine) Evaluate(ctx context.Context, ac datatypes.ApprovalContext) (datatypes.ApprovalResult, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.ApprovalResult{}, err
	}

	result := datatypes.ApprovalResult{
		Action:         datatypes.ApprovalAllow,
		TriggeredRules: []datatypes.TriggeredRule{},
	}

	for _, rule := range e.rules {
		if !rule.matches(ac.MessageText) {
			continue
		}
		result.TriggeredRules = append(result.TriggeredRules, datatypes.TriggeredRule{
			Name:        rule.name,
			Description: rule.description,
		})
		result.Action = stricter(result.Action, rule.action)
	}

	if result.Action == datatypes.ApprovalNeedsApproval {
		result.ApprovalID = uuid.New().String()
	}
	return result, nil
}

func (r *compiledRule) matches(text string) bool {
	for _, re := range r.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// stricter returns the more restrictive of two actions.
func stricter(a, b datatypes.ApprovalAction) datatypes.ApprovalAction {
	rank := map[datatypes.ApprovalAction]int{
		datatypes.ApprovalAllow:         0,
		datatypes.ApprovalNeedsApproval: 1,
		datatypes.ApprovalReject:        2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

var _ GateEngine = (*RuleGateEngine)(nil)
