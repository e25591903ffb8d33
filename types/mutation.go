package types

import (
	"fmt"
	"strings"
)

// MutationAction is how a mutation changes a target attribute.
type MutationAction string

const (
	// ActionAppend adds the payload to a list-valued attribute. A payload
	// of several lines adds one expression per line.
	ActionAppend MutationAction = "append"
	// ActionSetPhaseSnippet replaces a phase hook with the payload.
	ActionSetPhaseSnippet MutationAction = "set_phase_snippet"
	// ActionSetEnvVar sets an environment variable in the derivation.
	ActionSetEnvVar MutationAction = "set_env_var"
)

// Valid reports whether a is a known action.
func (a MutationAction) Valid() bool {
	switch a {
	case ActionAppend, ActionSetPhaseSnippet, ActionSetEnvVar:
		return true
	default:
		return false
	}
}

// Mutation is a single additive edit to a package's override set.
type Mutation struct {
	// TargetAttribute is the derivation attribute (e.g. "buildInputs",
	// "postPatch", or the env var name for set_env_var).
	TargetAttribute string         `json:"target_attribute" msgpack:"target_attribute"`
	Action          MutationAction `json:"action" msgpack:"action"`
	// Payload is the Nix expression or literal text to apply.
	Payload string `json:"payload" msgpack:"payload"`
	// SourceRuleID names the rule that produced this mutation.
	SourceRuleID string `json:"source_rule_id" msgpack:"source_rule_id"`
	// Package is the package whose override set is edited.
	Package PackageTarget `json:"package" msgpack:"package"`
}

// Entries returns the expressions an append adds, one per payload line.
// Other actions have a single entry, the payload itself.
func (m Mutation) Entries() []string {
	if m.Action != ActionAppend {
		return []string{m.Payload}
	}
	var out []string
	for line := range strings.SplitSeq(m.Payload, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// String is a one-line rendering for progress output and commit messages.
func (m Mutation) String() string {
	switch m.Action {
	case ActionAppend:
		return fmt.Sprintf("%s: %s += %s [%s]", m.Package, m.TargetAttribute, strings.Join(m.Entries(), ", "), m.SourceRuleID)
	case ActionSetEnvVar:
		return fmt.Sprintf("%s: env.%s = %q [%s]", m.Package, m.TargetAttribute, m.Payload, m.SourceRuleID)
	default:
		return fmt.Sprintf("%s: %s = <snippet> [%s]", m.Package, m.TargetAttribute, m.SourceRuleID)
	}
}

// SameEffect reports whether two mutations edit the store identically,
// ignoring which rule produced them.
func (m Mutation) SameEffect(other Mutation) bool {
	return m.Package == other.Package &&
		m.TargetAttribute == other.TargetAttribute &&
		m.Action == other.Action &&
		m.Payload == other.Payload
}
