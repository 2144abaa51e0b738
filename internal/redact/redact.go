// Package redact strips credential material from text before it leaves the
// process. Agent output is mirrored into issue comments, pull request bodies,
// and stored artifacts verbatim; anything token-shaped in it must not reach
// GitHub.
package redact

import (
	"fmt"
	"regexp"
	"sort"
)

// Config configures outbound redaction.
type Config struct {
	// Enabled controls whether redaction is active (default: true)
	Enabled bool `koanf:"enabled"`

	// Replacement substitutes each detected secret (default: "[REDACTED]")
	Replacement string `koanf:"replacement"`

	// ExtraPatterns adds repository-specific regexes to the built-in rules
	ExtraPatterns []string `koanf:"extra_patterns"`

	// AllowList contains patterns whose matches are never redacted
	AllowList []string `koanf:"allow_list"`
}

// DefaultConfig returns a configuration with the built-in rules enabled.
func DefaultConfig() Config {
	return Config{Enabled: true, Replacement: "[REDACTED]"}
}

// Rule is one secret detector. Patterns target self-identifying token
// prefixes and key/value assignments, same territory as gitleaks.
type Rule struct {
	ID      string
	Pattern string
}

func builtinRules() []Rule {
	return []Rule{
		{ID: "github-token", Pattern: `gh[pousr]_[A-Za-z0-9]{36,}`},
		{ID: "github-fine-grained", Pattern: `github_pat_[A-Za-z0-9_]{22,}`},
		{ID: "gitlab-token", Pattern: `glpat-[A-Za-z0-9\-]{20,}`},
		{ID: "slack-token", Pattern: `xox[baprs]-[A-Za-z0-9\-]{10,}`},
		{ID: "aws-access-key-id", Pattern: `(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|ASIA)[A-Z0-9]{16}`},
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`},
		{ID: "bearer-header", Pattern: `(?i)authorization:\s*bearer\s+[A-Za-z0-9._\-]{16,}`},
		{ID: "assigned-secret", Pattern: `(?i)(?:api[_-]?key|secret|token|password|passwd)\s*[:=]\s*['"]?[A-Za-z0-9/+_\-]{16,}['"]?`},
	}
}

type compiled struct {
	id string
	re *regexp.Regexp
}

// Redactor applies the rule set to outbound text. Safe for concurrent use
// after construction.
type Redactor struct {
	enabled     bool
	replacement string
	rules       []compiled
	allow       []*regexp.Regexp
}

// New compiles the built-in rules plus any configured extras.
func New(cfg Config) (*Redactor, error) {
	r := &Redactor{enabled: cfg.Enabled, replacement: cfg.Replacement}
	if r.replacement == "" {
		r.replacement = "[REDACTED]"
	}
	if !cfg.Enabled {
		return r, nil
	}
	for _, rule := range builtinRules() {
		r.rules = append(r.rules, compiled{id: rule.ID, re: regexp.MustCompile(rule.Pattern)})
	}
	for i, pattern := range cfg.ExtraPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("extra pattern %d: %w", i, err)
		}
		r.rules = append(r.rules, compiled{id: fmt.Sprintf("extra-%d", i), re: re})
	}
	for i, pattern := range cfg.AllowList {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: %w", i, err)
		}
		r.allow = append(r.allow, re)
	}
	return r, nil
}

// Apply redacts text and returns it together with the sorted, deduplicated
// IDs of the rules that fired.
func (r *Redactor) Apply(text string) (string, []string) {
	if !r.enabled || text == "" {
		return text, nil
	}
	hits := map[string]struct{}{}
	for _, rule := range r.rules {
		text = rule.re.ReplaceAllStringFunc(text, func(match string) string {
			if r.allowed(match) {
				return match
			}
			hits[rule.id] = struct{}{}
			return r.replacement
		})
	}
	if len(hits) == 0 {
		return text, nil
	}
	ids := make([]string, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return text, ids
}

// Clean returns the redacted text, discarding rule IDs.
func (r *Redactor) Clean(text string) string {
	out, _ := r.Apply(text)
	return out
}

func (r *Redactor) allowed(match string) bool {
	for _, re := range r.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
