package probe

import (
	"fmt"
	"regexp"
	"time"
)

type compiledRule struct {
	pattern *regexp.Regexp
	timeout time.Duration
}

// manager resolves per-statement probe timeouts by SQL pattern matching.
// First matching rule wins; falls back to the default.
type manager struct {
	rules          []compiledRule
	defaultTimeout time.Duration
}

func newManager(config Config) (*manager, error) {
	compiled := make([]compiledRule, len(config.Rules))
	for i, r := range config.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("probe: invalid timeout rule pattern %q: %w", r.Pattern, err)
		}
		if r.Timeout <= 0 {
			return nil, fmt.Errorf("probe: timeout rule %q has non-positive timeout", r.Pattern)
		}
		compiled[i] = compiledRule{pattern: re, timeout: r.Timeout}
	}
	return &manager{rules: compiled, defaultTimeout: config.DefaultTimeout}, nil
}

func (m *manager) timeoutFor(sql string) time.Duration {
	for _, rule := range m.rules {
		if rule.pattern.MatchString(sql) {
			return rule.timeout
		}
	}
	return m.defaultTimeout
}
