// Package ethics checks AI suggestions before they reach the user.
// Suggestions are screened for embedded secrets, privacy leaks, and
// destructive operations using regex rules loaded from .mel/ethics.yaml
// (with built-in defaults when no policy file exists).
package ethics

import (
	"context"
	"strings"
	"sync"

	"mel/internal/config"
	"mel/internal/logging"
)

// Result is the outcome of an ethics check.
type Result string

const (
	ResultApproved    Result = "approved"
	ResultRejected    Result = "rejected"
	ResultNeedsReview Result = "needs_review"
)

// Severity ranks how serious a finding is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Finding is one rule match in checked content. The matched secret is
// masked in Context.
type Finding struct {
	Type     string   `json:"type"`
	Line     int      `json:"line"`
	Context  string   `json:"context"`
	Severity Severity `json:"severity"`
}

// CheckResult carries the verdict and the findings behind it.
type CheckResult struct {
	Result   Result    `json:"result"`
	Findings []Finding `json:"findings,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Checker screens content against a rule set. Safe for concurrent use;
// the rule set may be swapped at runtime by the policy watcher.
type Checker struct {
	mu       sync.RWMutex
	rules    []*Rule
	disabled bool
}

// NewChecker creates a checker with the given rules.
func NewChecker(rules []*Rule) *Checker {
	return &Checker{rules: rules}
}

// NewCheckerFromConfig builds a checker from Mel config: the policy
// file if present, built-in defaults otherwise.
func NewCheckerFromConfig(cfg config.EthicsConfig, workspace string) (*Checker, error) {
	if cfg.Disabled {
		logging.Ethics("ethics checks disabled by config")
		return &Checker{disabled: true}, nil
	}

	rules, err := LoadPolicyOrDefaults(policyPath(cfg, workspace))
	if err != nil {
		return nil, err
	}

	logging.Ethics("ethics checker ready with %d rules", len(rules))
	return NewChecker(rules), nil
}

// SetRules replaces the rule set. Used by the policy watcher.
func (c *Checker) SetRules(rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = rules
	logging.Ethics("rule set replaced: %d rules", len(rules))
}

// RuleCount returns the number of active rules.
func (c *Checker) RuleCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}

// CheckSuggestion screens an AI suggestion before display.
// Empty content is trivially approved.
func (c *Checker) CheckSuggestion(ctx context.Context, suggestion string) (*CheckResult, error) {
	return c.check(ctx, suggestion)
}

// CheckPrivacy screens learning data before it is persisted, so the
// local database never accumulates secrets or personal data.
func (c *Checker) CheckPrivacy(ctx context.Context, data string) (*CheckResult, error) {
	return c.check(ctx, data)
}

func (c *Checker) check(ctx context.Context, content string) (*CheckResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.disabled || strings.TrimSpace(content) == "" {
		return &CheckResult{Result: ResultApproved}, nil
	}

	timer := logging.StartTimer(logging.CategoryEthics, "Checker.check")
	defer timer.Stop()

	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	var findings []Finding
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		findings = append(findings, rule.Match(content)...)
	}

	if len(findings) == 0 {
		return &CheckResult{Result: ResultApproved}, nil
	}

	worst := worstSeverity(findings)
	result := &CheckResult{Findings: findings}

	switch worst {
	case SeverityCritical, SeverityHigh:
		result.Result = ResultRejected
		result.Reason = describeFindings(findings, worst)
		logging.Ethics("content rejected: %s", result.Reason)
	default:
		result.Result = ResultNeedsReview
		result.Reason = describeFindings(findings, worst)
		logging.Ethics("content flagged for review: %s", result.Reason)
	}

	return result, nil
}

func worstSeverity(findings []Finding) Severity {
	worst := SeverityLow
	for _, f := range findings {
		if severityRank(f.Severity) > severityRank(worst) {
			worst = f.Severity
		}
	}
	return worst
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

func describeFindings(findings []Finding, worst Severity) string {
	types := make([]string, 0, len(findings))
	seen := make(map[string]bool)
	for _, f := range findings {
		if seen[f.Type] {
			continue
		}
		seen[f.Type] = true
		types = append(types, f.Type)
	}
	return string(worst) + ": " + strings.Join(types, ", ")
}
