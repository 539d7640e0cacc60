package ethics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"mel/internal/config"
	"mel/internal/logging"
)

// Policy is the on-disk rule policy at .mel/ethics.yaml.
type Policy struct {
	// Mode is "extend" (default: policy rules added to built-ins) or
	// "replace" (policy rules only).
	Mode string `yaml:"mode,omitempty"`

	Rules []PolicyRule `yaml:"rules"`
}

// PolicyRule is the YAML form of a Rule.
type PolicyRule struct {
	Type               string   `yaml:"type"`
	Description        string   `yaml:"description,omitempty"`
	Pattern            string   `yaml:"pattern"`
	Severity           string   `yaml:"severity"`
	FalsePositiveHints []string `yaml:"false_positive_hints,omitempty"`
}

func policyPath(cfg config.EthicsConfig, workspace string) string {
	path := cfg.PolicyFile
	if path == "" {
		path = filepath.Join(".mel", "ethics.yaml")
	}
	if !filepath.IsAbs(path) && workspace != "" {
		path = filepath.Join(workspace, path)
	}
	return path
}

// LoadPolicy parses a policy file into rules.
func LoadPolicy(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	rules := make([]*Rule, 0, len(policy.Rules))
	for i, pr := range policy.Rules {
		if pr.Pattern == "" {
			return nil, fmt.Errorf("policy rule %d (%s): pattern required", i, pr.Type)
		}
		severity := Severity(pr.Severity)
		switch severity {
		case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		default:
			return nil, fmt.Errorf("policy rule %d (%s): unknown severity %q", i, pr.Type, pr.Severity)
		}
		rules = append(rules, &Rule{
			Type:               pr.Type,
			Description:        pr.Description,
			Pattern:            pr.Pattern,
			Severity:           severity,
			FalsePositiveHints: pr.FalsePositiveHints,
		})
	}

	if policy.Mode != "replace" {
		rules = append(rules, DefaultRules()...)
	}

	logging.EthicsDebug("policy loaded from %s: %d rules (mode=%s)", path, len(rules), policy.Mode)
	return rules, nil
}

// LoadPolicyOrDefaults loads the policy file, falling back to built-in
// defaults when the file does not exist. A malformed policy is an
// error, not a silent fallback.
func LoadPolicyOrDefaults(path string) ([]*Rule, error) {
	rules, err := LoadPolicy(path)
	if errors.Is(err, os.ErrNotExist) {
		logging.EthicsDebug("no policy file at %s, using defaults", path)
		return DefaultRules(), nil
	}
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// WatchPolicy hot-reloads the checker's rules when the policy file
// changes. Blocks until ctx is cancelled; run it in a goroutine.
func WatchPolicy(ctx context.Context, path string, checker *Checker) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so create/rename (editor atomic saves) are seen.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	logging.Ethics("watching policy file: %s", path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			rules, err := LoadPolicyOrDefaults(path)
			if err != nil {
				// Keep the previous rules on a bad edit
				logging.Get(logging.CategoryEthics).Error("policy reload failed, keeping previous rules: %v", err)
				continue
			}
			checker.SetRules(rules)
			logging.Ethics("policy reloaded: %d rules", len(rules))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryEthics).Error("policy watcher error: %v", err)
		}
	}
}

// WritePolicyTemplate writes a starter policy file if none exists.
// Used by `mel init`.
func WritePolicyTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil // never clobber an existing policy
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create policy directory: %w", err)
	}

	template := `# Mel ethics policy.
# Rules here extend the built-in rule set; set "mode: replace" to use
# only these rules.
mode: extend
rules: []
  # - type: internal_hostname
  #   description: Internal hostnames must not appear in suggestions
  #   pattern: '\b\w+\.corp\.example\.com\b'
  #   severity: medium
`
	if err := os.WriteFile(path, []byte(template), 0644); err != nil {
		return fmt.Errorf("failed to write policy template: %w", err)
	}
	return nil
}
