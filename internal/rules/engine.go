package rules

import (
	"fmt"
	"strings"

	"github.com/janhalen/azure-smartmail/internal/model"
)

// RuleSpec is the configuration form of a rule: a condition plus the routing
// key(s) it returns and a human-readable name.
type RuleSpec struct {
	Condition ConditionSpec `mapstructure:"condition" yaml:"condition"`
	Name      string        `mapstructure:"name" yaml:"name"`
	Keys      []string      `mapstructure:"keys" yaml:"keys"`
}

// Rule pairs a condition with the routing keys it yields. Keys are
// lower-cased at construction so downstream destination lookups can be
// case-insensitive by construction. Rules are immutable once built.
type Rule struct {
	Name      string
	condition Condition
	keys      []string
}

// NewRule builds a rule from a spec, failing fast on bad conditions.
func NewRule(spec RuleSpec) (Rule, error) {
	if spec.Name == "" {
		return Rule{}, fmt.Errorf("rule has no name")
	}
	if len(spec.Keys) == 0 {
		return Rule{}, fmt.Errorf("rule %q has no routing keys", spec.Name)
	}

	cond, err := ParseCondition(spec.Condition)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", spec.Name, err)
	}

	keys := make([]string, len(spec.Keys))
	for i, k := range spec.Keys {
		keys[i] = strings.ToLower(k)
	}

	return Rule{Name: spec.Name, condition: cond, keys: keys}, nil
}

// Keys returns a copy of the rule's routing keys.
func (r *Rule) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Match describes the first rule satisfied by a message.
type Match struct {
	RuleName string
	Keys     []string
}

// Engine holds an ordered rule list and evaluates it first-match-wins.
type Engine struct {
	rules []Rule
}

// NewEngine builds an engine from rule specs, in order. Any unknown condition
// type or invalid pattern is a construction error, not an evaluation error.
func NewEngine(specs []RuleSpec) (*Engine, error) {
	engine := &Engine{rules: make([]Rule, 0, len(specs))}
	for _, spec := range specs {
		rule, err := NewRule(spec)
		if err != nil {
			return nil, err
		}
		engine.rules = append(engine.rules, rule)
	}
	return engine, nil
}

// Rules returns the configured rules in evaluation order.
func (e *Engine) Rules() []Rule {
	return e.rules
}

// Execute evaluates rules in insertion order and returns the first match.
// The second return value is false when no rule applied.
func (e *Engine) Execute(m *model.Message) (Match, bool) {
	for i := range e.rules {
		r := &e.rules[i]
		if Evaluate(r.condition, m) {
			return Match{RuleName: r.Name, Keys: r.Keys()}, true
		}
	}
	return Match{}, false
}
