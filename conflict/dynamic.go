package conflict

import (
	"context"
	"errors"
	"fmt"
)

// Matcher selects the conflicts a Rule applies to.
type Matcher func(Metadata) bool

// And requires both matchers to match.
func And(a, b Matcher) Matcher {
	return func(m Metadata) bool { return a != nil && b != nil && a(m) && b(m) }
}

// Or requires at least one matcher to match.
func Or(a, b Matcher) Matcher {
	return func(m Metadata) bool { return (a != nil && a(m)) || (b != nil && b(m)) }
}

// Not negates a matcher.
func Not(a Matcher) Matcher {
	return func(m Metadata) bool { return a == nil || !a(m) }
}

// OperationIs matches conflicts raised by the named operation.
func OperationIs(name string) Matcher {
	return func(m Metadata) bool { return m.Operation == name }
}

// ClientChanged matches when the client changed any of fields.
func ClientChanged(fields ...string) Matcher {
	return func(m Metadata) bool {
		for _, f := range fields {
			if _, ok := m.ClientDiff[f]; ok {
				return true
			}
		}
		return false
	}
}

// Clashes matches when both sides changed any of fields.
func Clashes(fields ...string) Matcher {
	return func(m Metadata) bool {
		for _, f := range fields {
			_, c := m.ClientDiff[f]
			_, s := m.ServerDiff[f]
			if c && s {
				return true
			}
		}
		return false
	}
}

// Rule binds a Matcher to a Strategy. Rules are evaluated in insertion
// order, first match wins.
type Rule struct {
	Name     string
	Matcher  Matcher
	Strategy Strategy
}

// Hooks are optional callbacks around resolution.
type Hooks struct {
	OnRuleMatched func(m Metadata, rule Rule)
	OnResolved    func(m Metadata, resolved Entity)
	OnFallback    func(m Metadata)
	OnError       func(m Metadata, err error)
}

type dynamicOptions struct {
	rules    []Rule
	fallback Strategy
	hooks    Hooks
}

// DynamicOption configures a DynamicStrategy.
type DynamicOption interface{ apply(*dynamicOptions) }

type dynamicOptionFn func(*dynamicOptions)

func (f dynamicOptionFn) apply(o *dynamicOptions) { f(o) }

// WithFallback sets the strategy used when no rule matches.
func WithFallback(s Strategy) DynamicOption {
	return dynamicOptionFn(func(o *dynamicOptions) { o.fallback = s })
}

// WithRule appends a rule.
func WithRule(name string, matcher Matcher, s Strategy) DynamicOption {
	return dynamicOptionFn(func(o *dynamicOptions) {
		o.rules = append(o.rules, Rule{Name: name, Matcher: matcher, Strategy: s})
	})
}

// WithOperationRule appends a rule matching one operation name.
func WithOperationRule(name, operation string, s Strategy) DynamicOption {
	return WithRule(name, OperationIs(operation), s)
}

// WithHooks sets observability hooks.
func WithHooks(h Hooks) DynamicOption {
	return dynamicOptionFn(func(o *dynamicOptions) { o.hooks = h })
}

// ErrNoRuleMatched is returned when no rule matches and there is no fallback.
var ErrNoRuleMatched = errors.New("no rule matched and no fallback configured")

// DynamicStrategy dispatches to strategies by rule.
type DynamicStrategy struct {
	rules    []Rule
	fallback Strategy
	hooks    Hooks
}

var _ Strategy = (*DynamicStrategy)(nil)

// NewDynamicStrategy requires at least one rule or a fallback, and rejects
// rules with a nil matcher or strategy.
func NewDynamicStrategy(opts ...DynamicOption) (*DynamicStrategy, error) {
	cfg := &dynamicOptions{}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if len(cfg.rules) == 0 && cfg.fallback == nil {
		return nil, errors.New("dynamic strategy requires at least one rule or a fallback")
	}
	for i, r := range cfg.rules {
		if r.Matcher == nil {
			return nil, fmt.Errorf("rule %q has nil matcher at index %d", r.Name, i)
		}
		if r.Strategy == nil {
			return nil, fmt.Errorf("rule %q has nil strategy at index %d", r.Name, i)
		}
	}
	return &DynamicStrategy{rules: cfg.rules, fallback: cfg.fallback, hooks: cfg.hooks}, nil
}

// Resolve implements Strategy.
func (d *DynamicStrategy) Resolve(ctx context.Context, m Metadata) (Entity, error) {
	for _, r := range d.rules {
		if !r.Matcher(m) {
			continue
		}
		if d.hooks.OnRuleMatched != nil {
			d.hooks.OnRuleMatched(m, r)
		}
		return d.run(ctx, m, r.Strategy)
	}
	if d.fallback == nil {
		if d.hooks.OnError != nil {
			d.hooks.OnError(m, ErrNoRuleMatched)
		}
		return nil, ErrNoRuleMatched
	}
	if d.hooks.OnFallback != nil {
		d.hooks.OnFallback(m)
	}
	return d.run(ctx, m, d.fallback)
}

func (d *DynamicStrategy) run(ctx context.Context, m Metadata, s Strategy) (Entity, error) {
	res, err := s.Resolve(ctx, m)
	if err != nil {
		if d.hooks.OnError != nil {
			d.hooks.OnError(m, err)
		}
		return nil, err
	}
	if d.hooks.OnResolved != nil {
		d.hooks.OnResolved(m, res)
	}
	return res, nil
}
