// Package policy evaluates classified statements against an ordered rule
// chain and produces Allow/Block decisions. The first rule that blocks wins;
// every Block carries the rule name, a human-readable reason, and a
// remediation hint interpolated from the concrete table and threshold.
package policy

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/vibedb/vibedb/internal/classify"
)

// Outcome is the result of rule evaluation.
type Outcome int

const (
	Allow Outcome = iota
	Block
)

// String returns "allow" or "block".
func (o Outcome) String() string {
	if o == Block {
		return "block"
	}
	return "allow"
}

// Rule names, used as audit keys and remediation-hint lookup keys.
const (
	RuleHoneytoken = "honeytoken"
	RuleDangerous  = "dangerous_statement"
	RuleRowImpact  = "row_impact"
)

// Decision is the outcome of evaluating one statement. RowEstimate is -1
// when no probe ran. Advisory marks an over-threshold statement that was
// allowed because enforcement is off.
type Decision struct {
	Outcome     Outcome
	Rule        string
	Reason      string
	Hint        string
	RowEstimate int64
	Advisory    bool
}

// Blocked reports whether the statement must not reach upstream.
func (d Decision) Blocked() bool { return d.Outcome == Block }

// Estimator produces a live row-impact estimate for a DELETE/UPDATE
// statement. An error means the impact could not be verified; the engine
// treats that as a forced Block, never a silent Allow.
type Estimator interface {
	Estimate(ctx context.Context, table, sql string) (int64, error)
}

// Config is the policy engine's own config type.
type Config struct {
	MaxRows     int64
	Enforce     bool
	Honeytokens []string // shell-style patterns, matched case-insensitively
}

// Engine evaluates the ordered rule chain. Safe for concurrent use.
type Engine struct {
	config     Config
	estimator  Estimator
	honeytoken []string // lowercased patterns
}

// NewEngine creates an Engine. Returns an error for invalid honeytoken
// patterns.
func NewEngine(config Config, estimator Estimator) (*Engine, error) {
	patterns := make([]string, len(config.Honeytokens))
	for i, p := range config.Honeytokens {
		lp := strings.ToLower(p)
		if _, err := path.Match(lp, "probe"); err != nil {
			return nil, fmt.Errorf("policy: invalid honeytoken pattern %q: %w", p, err)
		}
		patterns[i] = lp
	}
	return &Engine{config: config, estimator: estimator, honeytoken: patterns}, nil
}

// Evaluate runs the rule chain for one classified statement. sql is the
// original statement text, needed by the row-impact estimator. The decision
// is final before any byte of the statement may be forwarded.
func (e *Engine) Evaluate(ctx context.Context, c classify.Classification, sql string) Decision {
	if d, ok := e.honeytokenRule(c, sql); ok {
		return d
	}
	if d, ok := e.dangerousRule(c); ok {
		return d
	}
	if d, ok := e.rowImpactRule(ctx, c, sql); ok {
		return d
	}
	return Decision{Outcome: Allow, RowEstimate: -1}
}

// honeytokenRule blocks any statement whose target table matches a canary
// pattern. Literal (wildcard-free) patterns additionally match anywhere in
// the statement text, so a canary referenced in a join or subquery still
// trips the rule.
func (e *Engine) honeytokenRule(c classify.Classification, sql string) (Decision, bool) {
	lowerSQL := strings.ToLower(sql)
	table := strings.ToLower(c.Table)
	last := table
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		last = table[i+1:]
	}
	for _, p := range e.honeytoken {
		matched := false
		if table != "" {
			if ok, _ := path.Match(p, table); ok {
				matched = true
			}
			if ok, _ := path.Match(p, last); ok {
				matched = true
			}
		}
		if !matched && !strings.ContainsAny(p, "*?[") && strings.Contains(lowerSQL, p) {
			matched = true
		}
		if matched {
			name := c.Table
			if name == "" {
				name = p
			}
			return Decision{
				Outcome:     Block,
				Rule:        RuleHoneytoken,
				Reason:      "honeytoken access denied",
				Hint:        fmt.Sprintf("%q is a canary table; any access to it is reported. Check the statement for typos or remove the reference.", name),
				RowEstimate: -1,
			}, true
		}
	}
	return Decision{}, false
}

// dangerousRule blocks DROP/TRUNCATE unconditionally and DELETE/UPDATE
// without a top-level WHERE clause.
func (e *Engine) dangerousRule(c classify.Classification) (Decision, bool) {
	switch c.Kind {
	case classify.KindDrop, classify.KindTruncate:
		target := c.Table
		if target == "" {
			target = "the target object"
		}
		return Decision{
			Outcome:     Block,
			Rule:        RuleDangerous,
			Reason:      fmt.Sprintf("%s statements are blocked", c.Kind),
			Hint:        fmt.Sprintf("%s on %s is never allowed through this proxy; run it over a direct, privileged connection if it is intentional.", c.Kind, target),
			RowEstimate: -1,
		}, true
	case classify.KindDelete, classify.KindUpdate:
		if !c.HasWhere {
			return Decision{
				Outcome:     Block,
				Rule:        RuleDangerous,
				Reason:      "missing WHERE clause",
				Hint:        fmt.Sprintf("add a WHERE clause so the %s targets specific rows of %s; a full-table write must be run over a direct connection.", c.Kind, c.Table),
				RowEstimate: -1,
			}, true
		}
	}
	return Decision{}, false
}

// rowImpactRule probes the upstream for an estimate of rows a DELETE/UPDATE
// with WHERE would touch. Probe failure is a forced Block in both modes;
// an over-threshold estimate blocks only when enforcement is on, otherwise
// the statement passes with an advisory mark.
func (e *Engine) rowImpactRule(ctx context.Context, c classify.Classification, sql string) (Decision, bool) {
	if c.Kind != classify.KindDelete && c.Kind != classify.KindUpdate {
		return Decision{}, false
	}
	if e.config.MaxRows <= 0 || e.estimator == nil {
		return Decision{}, false
	}

	estimate, err := e.estimator.Estimate(ctx, c.Table, sql)
	if err != nil {
		return Decision{
			Outcome:     Block,
			Rule:        RuleRowImpact,
			Reason:      "cannot verify row impact",
			Hint:        fmt.Sprintf("the row-impact probe against %s failed (%v); retry, or run the statement over a direct connection.", c.Table, err),
			RowEstimate: -1,
		}, true
	}

	if estimate > e.config.MaxRows {
		if !e.config.Enforce {
			return Decision{Outcome: Allow, Rule: RuleRowImpact, RowEstimate: estimate, Advisory: true}, true
		}
		return Decision{
			Outcome:     Block,
			Rule:        RuleRowImpact,
			Reason:      fmt.Sprintf("exceeds row limit (%d > %d)", estimate, e.config.MaxRows),
			Hint:        fmt.Sprintf("narrow the WHERE clause on %s so fewer than %d rows are affected, or raise limits.max_rows.", c.Table, e.config.MaxRows),
			RowEstimate: estimate,
		}, true
	}

	return Decision{Outcome: Allow, Rule: RuleRowImpact, RowEstimate: estimate}, true
}
