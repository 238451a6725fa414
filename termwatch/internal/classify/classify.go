// Package classify assigns a severity to a structured diff using an ordered,
// data-driven rule list. Rules are loaded once at startup from YAML; the
// first rule whose conditions all hold decides the severity.
package classify

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/termwatch/termwatch/internal/diff"
)

// Severity of a detected change.
type Severity string

const (
	Critical Severity = "critical"
	Major    Severity = "major"
	Minor    Severity = "minor"
	Patch    Severity = "patch"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case Critical, Major, Minor, Patch:
		return true
	}
	return false
}

// Rank orders severities, critical highest.
func (s Severity) Rank() int {
	switch s {
	case Critical:
		return 4
	case Major:
		return 3
	case Minor:
		return 2
	case Patch:
		return 1
	}
	return 0
}

//go:embed default_rules.yaml
var defaultRules []byte

// ErrInvalidRules is returned for a rule file that does not load.
var ErrInvalidRules = errors.New("classify: invalid rules")

// Decision is the outcome of Classify.
type Decision struct {
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
}

// Classifier evaluates the rule list. It is immutable and safe for
// concurrent use.
type Classifier struct {
	rules    []rule
	metadata []*regexp.Regexp
}

// Default returns the classifier built from the embedded rule set.
func Default() *Classifier {
	c, err := Load(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("classify: embedded rules: %v", err))
	}
	return c
}

// LoadFile reads a YAML rule file. An empty path returns Default().
func LoadFile(path string) (*Classifier, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("classify: read %s: %w", path, err)
	}
	return Load(data)
}

// Load parses and compiles a YAML rule set.
func Load(data []byte) (*Classifier, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("%w: no rules", ErrInvalidRules)
	}

	c := &Classifier{}
	for _, p := range f.MetadataPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata pattern %q: %v", ErrInvalidRules, p, err)
		}
		c.metadata = append(c.metadata, re)
	}
	for i, rs := range f.Rules {
		r, err := compileRule(rs)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d (%s): %v", ErrInvalidRules, i, rs.Name, err)
		}
		if r.when.metadataOnly && len(c.metadata) == 0 {
			return nil, fmt.Errorf("%w: rule %s uses metadata_only without metadata_patterns", ErrInvalidRules, rs.Name)
		}
		c.rules = append(c.rules, r)
	}
	return c, nil
}

// Classify returns the severity of d. It is a pure function of d: the same
// diff always yields the same decision, and every diff yields one. When no
// rule matches the result is minor.
func (c *Classifier) Classify(d *diff.Result) Decision {
	for _, r := range c.rules {
		if r.when.match(c, d) {
			return Decision{Severity: r.severity, Rule: r.name}
		}
	}
	return Decision{Severity: Minor, Rule: "fallback"}
}

// Rules returns the rule names in evaluation order.
func (c *Classifier) Rules() []string {
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.name
	}
	return names
}

func (c *Classifier) isMetadata(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	for _, re := range c.metadata {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
