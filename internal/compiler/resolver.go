// Package compiler resolves a ruleset's overrides over its base rules and
// serializes the result into a deployable rule document.
package compiler

import (
	"sort"

	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/ruleparser"
)

// Origins of the action an effective rule ends up with.
const (
	FromRule     = "rule"
	FromCategory = "category"
)

// Input is everything the resolver needs about one ruleset.
type Input struct {
	// Rules are the candidate rules; rules outside Categories are ignored.
	Rules              []models.Rule
	Categories         map[uint]bool
	CategoryTransforms map[uint]string
	Overrides          map[uint]models.RuleOverride
	Suppressed         map[uint]bool
	Thresholds         []models.Threshold
}

// EffectiveRule is one line of the compiled document.
type EffectiveRule struct {
	Rule       models.Rule        `json:"rule"`
	Action     string             `json:"action"`
	Transform  string             `json:"transform,omitempty"`
	From       string             `json:"transform_from,omitempty"`
	Content    string             `json:"content"`
	Thresholds []models.Threshold `json:"thresholds,omitempty"`
}

// Resolve applies, in increasing precedence: category selection, the category
// action transform, the rule action transform, then suppression unless the rule
// was explicitly enabled. The result is ordered by sid.
func Resolve(in Input) []EffectiveRule {
	byRule := make(map[uint][]models.Threshold)
	for _, t := range in.Thresholds {
		if t.RuleID != nil {
			byRule[*t.RuleID] = append(byRule[*t.RuleID], t)
		}
	}

	out := make([]EffectiveRule, 0, len(in.Rules))
	for _, rule := range in.Rules {
		if !in.Categories[rule.CategoryID] || !rule.Available() {
			continue
		}
		ov, hasOverride := in.Overrides[rule.ID]
		if in.Suppressed[rule.ID] && !(hasOverride && ov.Enabled) {
			continue
		}

		eff := EffectiveRule{Rule: rule, Content: rule.Content}
		if action := in.CategoryTransforms[rule.CategoryID]; action != models.ActionNone {
			eff.Transform, eff.From = action, FromCategory
		}
		if hasOverride && ov.Action != models.ActionNone {
			eff.Transform, eff.From = ov.Action, FromRule
		}
		eff.Content = ruleparser.SetAction(rule.Content, eff.Transform)
		eff.Action = ruleparser.ActionOf(eff.Content)
		eff.Thresholds = byRule[rule.ID]
		out = append(out, eff)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Rule.SID < out[j].Rule.SID })
	return out
}

// RulesetWide returns the thresholds that are not attached to a rule.
func RulesetWide(thresholds []models.Threshold) []models.Threshold {
	var out []models.Threshold
	for _, t := range thresholds {
		if t.RuleID == nil {
			out = append(out, t)
		}
	}
	return out
}
