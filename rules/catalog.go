// Package rules maps failure signatures to override mutations.
//
// A Catalog is an explicit, ordered table of rules. Order is total and
// fixed at construction: rules are ranked by the specificity of their
// category, then by the order they were declared. FindMutation returns
// the mutation of the first rule that matches and whose mutation is not
// already present in the override store.
package rules

import (
	"slices"

	"github.com/TyberiusPrime/uv2nix-hammer/overrides"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// Rule is one remediation. Match and Produce are pure.
type Rule struct {
	ID          string
	Category    types.FailureCategory
	Description string
	// Match reports whether the rule applies to sig given the current overrides.
	Match func(sig types.FailureSignature, view overrides.View) bool
	// Produce returns the mutation for sig. Only called after Match.
	Produce func(sig types.FailureSignature) types.Mutation
}

// Catalog is an immutable ordered rule set.
type Catalog struct {
	rules []Rule
}

// NewCatalog orders rules by category rank, keeping declaration order
// within a category.
func NewCatalog(rules ...Rule) *Catalog {
	ordered := slices.Clone(rules)
	slices.SortStableFunc(ordered, func(a, b Rule) int {
		return a.Category.Rank() - b.Category.Rank()
	})
	return &Catalog{rules: ordered}
}

// Rules returns the rules in evaluation order.
func (c *Catalog) Rules() []Rule {
	return slices.Clone(c.rules)
}

// Len returns the number of rules.
func (c *Catalog) Len() int {
	return len(c.rules)
}

// FindMutation returns the first admissible mutation for sig. The result
// targets sig.Package. ok is false when no rule applies or every matching
// rule's mutation is already in the store.
func (c *Catalog) FindMutation(sig types.FailureSignature, view overrides.View) (types.Mutation, bool) {
	for _, r := range c.rules {
		if r.Category != sig.Category {
			continue
		}
		if !r.Match(sig, view) {
			continue
		}
		m := r.Produce(sig)
		m.Package = sig.Package
		m.SourceRuleID = r.ID
		if view.Contains(m) {
			continue
		}
		return m, true
	}
	return types.Mutation{}, false
}
