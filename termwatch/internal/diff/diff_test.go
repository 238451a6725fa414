package diff

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func TestDiff_Identical(t *testing.T) {
	// WHAT: Identical texts report no change and a single equal span.
	// WHY: Identical consecutive fetches must never create a change.
	text := "# Terms\nPayment terms: 30 days"
	res := New(Config{}).Diff(text, text)
	if res.Changed || len(res.Hunks) != 0 || res.Metrics != (Metrics{}) {
		t.Fatalf("res = %+v", res)
	}
	if len(res.Spans) != 1 || res.Spans[0].Op != OpEqual {
		t.Fatalf("spans = %+v", res.Spans)
	}
}

func TestDiff_PaymentTerms(t *testing.T) {
	// WHAT: A one-word substitution is one section, one word added, one removed.
	// WHY: This is the canonical minor change.
	old := "# Terms\nIntro paragraph.\nPayment terms: 30 days\nGoverning law: Delaware"
	new := "# Terms\nIntro paragraph.\nPayment terms: 15 days\nGoverning law: Delaware"
	res := New(Config{}).Diff(old, new)
	if !res.Changed {
		t.Fatal("expected change")
	}
	want := Metrics{SectionsChanged: 1, WordsAdded: 1, WordsRemoved: 1}
	if res.Metrics != want {
		t.Fatalf("metrics = %+v, want %+v", res.Metrics, want)
	}
	ops := []Op{OpEqual, OpDeleted, OpInserted, OpEqual}
	if len(res.Spans) != len(ops) {
		t.Fatalf("spans = %+v", res.Spans)
	}
	for i, op := range ops {
		if res.Spans[i].Op != op {
			t.Fatalf("span %d op = %s, want %s", i, res.Spans[i].Op, op)
		}
	}
	if !reflect.DeepEqual(res.Deleted(), []string{"Payment terms: 30 days"}) ||
		!reflect.DeepEqual(res.Inserted(), []string{"Payment terms: 15 days"}) {
		t.Fatalf("deleted=%v inserted=%v", res.Deleted(), res.Inserted())
	}
}

func TestDiff_SeparateSections(t *testing.T) {
	old := "A one\nB two\nC three\nD four\nE five"
	new := "A one\nB twenty\nC three\nD four\nE five\nF six seven"
	res := New(Config{}).Diff(old, new)
	if res.Metrics.SectionsChanged != 2 {
		t.Fatalf("sections = %d, want 2", res.Metrics.SectionsChanged)
	}
	if res.Metrics.WordsAdded != 4 || res.Metrics.WordsRemoved != 1 {
		t.Fatalf("metrics = %+v", res.Metrics)
	}
}

func TestDiff_NoiseThreshold(t *testing.T) {
	// WHAT: Below the noise threshold hashes differ but no change is reported.
	// WHY: Rotating tokens or timestamps in the body would otherwise alert daily.
	old := "Session id abc\nBody text"
	new := "Session id xyz\nBody text"
	if res := New(Config{NoiseWords: 3}).Diff(old, new); res.Changed {
		t.Fatalf("change below threshold reported: %+v", res.Metrics)
	}
	if res := New(Config{NoiseWords: 2}).Diff(old, new); !res.Changed {
		t.Fatal("change at threshold not reported")
	}
}

func TestDiff_PunctuationOnly(t *testing.T) {
	res := New(Config{}).Diff("Fees apply, see below.", "Fees apply; see below!")
	if res.Changed || res.Metrics.TotalWords() != 0 {
		t.Fatalf("punctuation-only change reported: %+v", res.Metrics)
	}
	if len(res.Hunks) != 1 {
		t.Fatalf("hunks = %d, want 1 (line still differs)", len(res.Hunks))
	}
}

func TestDiff_MinSectionWords(t *testing.T) {
	old := "a b c\nkeep\nd e f"
	new := "a b c d\nkeep\nq r s"
	res := New(Config{MinSectionWords: 2}).Diff(old, new)
	if res.Metrics.SectionsChanged != 1 {
		t.Fatalf("sections = %d, want 1", res.Metrics.SectionsChanged)
	}
}

func TestDiff_FromEmpty(t *testing.T) {
	res := New(Config{}).Diff("", "New policy text")
	if !res.Changed || res.Metrics.WordsAdded != 3 || res.Metrics.WordsRemoved != 0 {
		t.Fatalf("res = %+v", res.Metrics)
	}
}

func TestDiff_MetricsInvariant(t *testing.T) {
	// WHAT: sections_changed <= words_added + words_removed on random edits.
	// WHY: Downstream severity rules assume this bound.
	rng := rand.New(rand.NewSource(7))
	vocab := []string{"data", "share", "fees", "terms", "user", "30", "15", "party", "may", "law"}
	line := func() string {
		n := rng.Intn(5)
		w := make([]string, n)
		for i := range w {
			w[i] = vocab[rng.Intn(len(vocab))]
		}
		return strings.Join(w, " ")
	}
	doc := func(n int) []string {
		l := make([]string, n)
		for i := range l {
			l[i] = line()
		}
		return l
	}
	d := New(Config{})
	for i := 0; i < 200; i++ {
		a := doc(rng.Intn(12))
		b := append([]string(nil), a...)
		for k := 0; k < rng.Intn(4); k++ {
			if len(b) > 0 && rng.Intn(2) == 0 {
				b[rng.Intn(len(b))] = line()
			} else {
				b = append(b, line())
			}
		}
		res := d.Diff(strings.Join(a, "\n"), strings.Join(b, "\n"))
		m := res.Metrics
		if m.SectionsChanged < 0 || m.WordsAdded < 0 || m.WordsRemoved < 0 {
			t.Fatalf("negative metrics: %+v", m)
		}
		if m.SectionsChanged > m.WordsAdded+m.WordsRemoved {
			t.Fatalf("sections %d > words %d", m.SectionsChanged, m.TotalWords())
		}
		if res.Changed != (m.TotalWords() >= 1) {
			t.Fatalf("changed flag inconsistent: %+v", res)
		}
	}
}

func TestDiff_Deterministic(t *testing.T) {
	old := "x\ny\nz\ny\nx"
	new := "y\nx\nz\nx\ny"
	d := New(Config{})
	first := d.Diff(old, new)
	for i := 0; i < 5; i++ {
		if !reflect.DeepEqual(first, d.Diff(old, new)) {
			t.Fatal("diff not deterministic")
		}
	}
}

func TestDiff_LargeInputFallback(t *testing.T) {
	a := make([]string, 300)
	b := make([]string, 300)
	for i := range a {
		a[i] = "old line"
		b[i] = "new line"
	}
	res := New(Config{MaxLineCells: 100}).Diff(strings.Join(a, "\n"), strings.Join(b, "\n"))
	if len(res.Hunks) != 1 || res.Metrics.WordsAdded != 300 || res.Metrics.WordsRemoved != 300 {
		t.Fatalf("metrics = %+v, hunks = %d", res.Metrics, len(res.Hunks))
	}
}

func TestCountMultiset(t *testing.T) {
	added, removed := countMultiset([]string{"a", "b", "b"}, []string{"b", "c", "c"})
	if added != 2 || removed != 2 {
		t.Fatalf("added=%d removed=%d", added, removed)
	}
}

func TestCompact(t *testing.T) {
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = "same"
	}
	old := strings.Join(append(append([]string{}, lines...), "tail old"), "\n")
	new := strings.Join(append(append([]string{}, lines...), "tail new"), "\n")
	res := New(Config{}).Diff(old, new)
	c := res.Compact(3)
	if c[0].Op != OpEqual || len(c[0].Lines) != 3 || c[0].Skipped != 17 {
		t.Fatalf("compact head = %+v", c[0])
	}
}

func TestWords(t *testing.T) {
	got := Words("Payment terms: 30 days (net); l'utilisateur")
	want := []string{"Payment", "terms", "30", "days", "net", "l", "utilisateur"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Words = %v", got)
	}
}
