package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hazyhaar/termwatch/termwatch/internal/diff"
)

type ruleFile struct {
	MetadataPatterns []string   `yaml:"metadata_patterns"`
	Rules            []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name     string   `yaml:"name"`
	Severity string   `yaml:"severity"`
	When     whenSpec `yaml:"when"`
}

type whenSpec struct {
	Phrases         *phraseSpec `yaml:"phrases"`
	TotalWordsOver  *int        `yaml:"total_words_over"`
	SectionsAtLeast *int        `yaml:"sections_at_least"`
	MetadataOnly    bool        `yaml:"metadata_only"`
	Any             bool        `yaml:"any"`
}

type phraseSpec struct {
	Scope    string   `yaml:"scope"`
	Patterns []string `yaml:"patterns"`
}

type scope int

const (
	scopeChanged scope = iota
	scopeInserted
	scopeDeleted
)

type rule struct {
	name     string
	severity Severity
	when     predicate
}

type predicate struct {
	phrases         []*regexp.Regexp
	phraseScope     scope
	totalWordsOver  int // -1 when unset
	sectionsAtLeast int // -1 when unset
	metadataOnly    bool
	any             bool
}

func compileRule(rs ruleSpec) (rule, error) {
	r := rule{name: rs.Name, severity: Severity(strings.ToLower(rs.Severity))}
	if r.name == "" {
		return r, fmt.Errorf("missing name")
	}
	if !r.severity.Valid() {
		return r, fmt.Errorf("unknown severity %q", rs.Severity)
	}

	p := predicate{totalWordsOver: -1, sectionsAtLeast: -1}
	set := 0
	if w := rs.When.Phrases; w != nil {
		switch w.Scope {
		case "", "changed":
			p.phraseScope = scopeChanged
		case "inserted":
			p.phraseScope = scopeInserted
		case "deleted":
			p.phraseScope = scopeDeleted
		default:
			return r, fmt.Errorf("unknown phrase scope %q", w.Scope)
		}
		if len(w.Patterns) == 0 {
			return r, fmt.Errorf("phrases without patterns")
		}
		for _, pat := range w.Patterns {
			re, err := regexp.Compile(pat)
			if err != nil {
				return r, fmt.Errorf("pattern %q: %w", pat, err)
			}
			p.phrases = append(p.phrases, re)
		}
		set++
	}
	if v := rs.When.TotalWordsOver; v != nil {
		if *v < 0 {
			return r, fmt.Errorf("total_words_over must be >= 0")
		}
		p.totalWordsOver = *v
		set++
	}
	if v := rs.When.SectionsAtLeast; v != nil {
		if *v < 1 {
			return r, fmt.Errorf("sections_at_least must be >= 1")
		}
		p.sectionsAtLeast = *v
		set++
	}
	if rs.When.MetadataOnly {
		p.metadataOnly = true
		set++
	}
	if rs.When.Any {
		p.any = true
		set++
	}
	if set == 0 {
		return r, fmt.Errorf("empty when clause")
	}
	r.when = p
	return r, nil
}

// match reports whether every condition set on p holds for d.
func (p predicate) match(c *Classifier, d *diff.Result) bool {
	if p.totalWordsOver >= 0 && d.Metrics.TotalWords() <= p.totalWordsOver {
		return false
	}
	if p.sectionsAtLeast >= 0 && d.Metrics.SectionsChanged < p.sectionsAtLeast {
		return false
	}
	if p.metadataOnly && !metadataOnly(c, d) {
		return false
	}
	if len(p.phrases) > 0 && !p.phraseMatch(d) {
		return false
	}
	return true
}

// phraseMatch compares pattern hits per hunk. The inserted and deleted
// scopes need the hit count to move in their direction, so a phrase that
// merely sits on a rewritten line does not count. The changed scope matches
// any hit on either side of a hunk.
func (p predicate) phraseMatch(d *diff.Result) bool {
	for _, h := range d.Hunks {
		oldText := strings.Join(h.Deleted, "\n")
		newText := strings.Join(h.Inserted, "\n")
		for _, re := range p.phrases {
			before := len(re.FindAllStringIndex(oldText, -1))
			after := len(re.FindAllStringIndex(newText, -1))
			switch p.phraseScope {
			case scopeInserted:
				if after > before {
					return true
				}
			case scopeDeleted:
				if before > after {
					return true
				}
			default:
				if after > 0 || before > 0 {
					return true
				}
			}
		}
	}
	return false
}

func metadataOnly(c *Classifier, d *diff.Result) bool {
	if len(d.Hunks) == 0 {
		return false
	}
	for _, h := range d.Hunks {
		for _, l := range h.Deleted {
			if !c.isMetadata(l) {
				return false
			}
		}
		for _, l := range h.Inserted {
			if !c.isMetadata(l) {
				return false
			}
		}
	}
	return true
}
