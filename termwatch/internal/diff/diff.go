// Package diff computes a line-level structural diff between two normalized
// document texts and derives the change metrics used for classification.
//
// Lines are aligned with a longest-common-subsequence pass; each contiguous
// changed region (a hunk) is then compared word by word to count words added
// and removed. The output carries no rendering concerns.
package diff

import (
	"strings"
	"unicode"
)

// Op is the kind of a span.
type Op string

const (
	OpEqual    Op = "equal"
	OpInserted Op = "inserted"
	OpDeleted  Op = "deleted"
)

// Span is a run of lines sharing one Op.
type Span struct {
	Op    Op       `json:"op"`
	Lines []string `json:"lines"`
	// Skipped counts equal lines elided by Compact.
	Skipped int `json:"skipped,omitempty"`
}

// Metrics summarise a diff.
type Metrics struct {
	SectionsChanged int `json:"sections_changed"`
	WordsAdded      int `json:"words_added"`
	WordsRemoved    int `json:"words_removed"`
}

// TotalWords is WordsAdded + WordsRemoved.
func (m Metrics) TotalWords() int { return m.WordsAdded + m.WordsRemoved }

// Hunk is one contiguous changed region.
type Hunk struct {
	Deleted      []string `json:"deleted"`
	Inserted     []string `json:"inserted"`
	WordsAdded   int      `json:"words_added"`
	WordsRemoved int      `json:"words_removed"`
}

// Result is the structured diff of two texts.
type Result struct {
	Spans   []Span  `json:"spans"`
	Hunks   []Hunk  `json:"hunks"`
	Metrics Metrics `json:"metrics"`
	// Changed is false when the texts are identical or the word-level change
	// falls below the noise threshold.
	Changed bool `json:"changed"`
}

// Config tunes change detection.
type Config struct {
	// NoiseWords: a diff with fewer changed words than this reports no
	// change. Default: 1 (any changed word counts).
	NoiseWords int `yaml:"noise_words"`
	// MinSectionWords: a hunk counts toward sections_changed only when it
	// changes at least this many words. Default and minimum: 1.
	MinSectionWords int `yaml:"min_section_words"`
	// MaxWordCells caps the word-level LCS table per hunk; larger hunks are
	// counted by token frequency. Default: 4,000,000.
	MaxWordCells int `yaml:"max_word_cells"`
	// MaxLineCells caps the line-level LCS table after trimming the common
	// prefix and suffix; larger inputs are treated as one replaced region.
	// Default: 4,000,000.
	MaxLineCells int `yaml:"max_line_cells"`
}

func (c *Config) defaults() {
	if c.NoiseWords <= 0 {
		c.NoiseWords = 1
	}
	if c.MinSectionWords <= 0 {
		c.MinSectionWords = 1
	}
	if c.MaxWordCells <= 0 {
		c.MaxWordCells = 4_000_000
	}
	if c.MaxLineCells <= 0 {
		c.MaxLineCells = 4_000_000
	}
}

// Differ compares snapshots.
type Differ struct {
	cfg Config
}

// New creates a Differ.
func New(cfg Config) *Differ {
	cfg.defaults()
	return &Differ{cfg: cfg}
}

// Diff compares oldText to newText line by line.
func (d *Differ) Diff(oldText, newText string) *Result {
	a, b := splitLines(oldText), splitLines(newText)
	res := &Result{}
	if oldText == newText {
		if len(a) > 0 {
			res.Spans = []Span{{Op: OpEqual, Lines: a}}
		}
		return res
	}

	// Trim the common prefix and suffix; only the middle needs the table.
	pre := 0
	for pre < len(a) && pre < len(b) && a[pre] == b[pre] {
		pre++
	}
	suf := 0
	for suf < len(a)-pre && suf < len(b)-pre && a[len(a)-1-suf] == b[len(b)-1-suf] {
		suf++
	}
	midA, midB := a[pre:len(a)-suf], b[pre:len(b)-suf]

	var sb spanBuilder
	for _, l := range a[:pre] {
		sb.add(OpEqual, l)
	}
	if len(midA)*len(midB) > d.cfg.MaxLineCells {
		for _, l := range midA {
			sb.add(OpDeleted, l)
		}
		for _, l := range midB {
			sb.add(OpInserted, l)
		}
	} else {
		for _, e := range script(midA, midB) {
			switch e.op {
			case opEqual:
				sb.add(OpEqual, midA[e.ai])
			case opDelete:
				sb.add(OpDeleted, midA[e.ai])
			case opInsert:
				sb.add(OpInserted, midB[e.bi])
			}
		}
	}
	for _, l := range a[len(a)-suf:] {
		sb.add(OpEqual, l)
	}
	res.Spans = sb.spans

	res.Hunks = d.hunks(res.Spans)
	for _, h := range res.Hunks {
		res.Metrics.WordsAdded += h.WordsAdded
		res.Metrics.WordsRemoved += h.WordsRemoved
		if h.WordsAdded+h.WordsRemoved >= d.cfg.MinSectionWords {
			res.Metrics.SectionsChanged++
		}
	}
	res.Changed = res.Metrics.TotalWords() >= d.cfg.NoiseWords
	return res
}

func (d *Differ) hunks(spans []Span) []Hunk {
	var out []Hunk
	var cur *Hunk
	flush := func() {
		if cur == nil {
			return
		}
		oldWords := Words(strings.Join(cur.Deleted, "\n"))
		newWords := Words(strings.Join(cur.Inserted, "\n"))
		if len(oldWords)*len(newWords) > d.cfg.MaxWordCells {
			cur.WordsAdded, cur.WordsRemoved = countMultiset(oldWords, newWords)
		} else {
			cur.WordsAdded, cur.WordsRemoved = countChanges(oldWords, newWords)
		}
		out = append(out, *cur)
		cur = nil
	}
	for _, s := range spans {
		if s.Op == OpEqual {
			flush()
			continue
		}
		if cur == nil {
			cur = &Hunk{}
		}
		if s.Op == OpDeleted {
			cur.Deleted = append(cur.Deleted, s.Lines...)
		} else {
			cur.Inserted = append(cur.Inserted, s.Lines...)
		}
	}
	flush()
	return out
}

// Compact returns the spans with equal runs longer than 2*context lines
// reduced to context lines on each side of a change.
func (r *Result) Compact(context int) []Span {
	out := make([]Span, 0, len(r.Spans))
	for i, s := range r.Spans {
		if s.Op != OpEqual {
			out = append(out, s)
			continue
		}
		head, tail := context, context
		if i == 0 {
			head = 0
		}
		if i == len(r.Spans)-1 {
			tail = 0
		}
		if len(s.Lines) <= head+tail {
			out = append(out, s)
			continue
		}
		lines := make([]string, 0, head+tail)
		lines = append(lines, s.Lines[:head]...)
		lines = append(lines, s.Lines[len(s.Lines)-tail:]...)
		out = append(out, Span{Op: OpEqual, Lines: lines, Skipped: len(s.Lines) - head - tail})
	}
	return out
}

// Inserted returns all inserted lines in order.
func (r *Result) Inserted() []string { return r.collect(OpInserted) }

// Deleted returns all deleted lines in order.
func (r *Result) Deleted() []string { return r.collect(OpDeleted) }

func (r *Result) collect(op Op) []string {
	var out []string
	for _, s := range r.Spans {
		if s.Op == op {
			out = append(out, s.Lines...)
		}
	}
	return out
}

// Words splits text into letter/digit runs.
func Words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

type spanBuilder struct {
	spans []Span
}

func (b *spanBuilder) add(op Op, line string) {
	if n := len(b.spans); n > 0 && b.spans[n-1].Op == op {
		b.spans[n-1].Lines = append(b.spans[n-1].Lines, line)
		return
	}
	b.spans = append(b.spans, Span{Op: op, Lines: []string{line}})
}
