package delivery

import (
	"strings"
	"testing"

	"github.com/hazyhaar/termwatch/termwatch/internal/store"
)

func testChange() (*store.Document, *store.Change) {
	doc := &store.Document{ID: "doc1", Service: "Acme", URL: "https://acme.test/terms", Kind: store.KindTerms}
	c := &store.Change{
		ID:              "chg1",
		DocumentID:      "doc1",
		ChangeType:      "tos_update",
		Severity:        "major",
		Title:           "Acme terms-of-service updated",
		DiffJSON:        `[{"op":"inserted","lines":["New arbitration clause."]}]`,
		SectionsChanged: 1,
		WordsAdded:      3,
		DetectedAt:      1000,
	}
	return doc, c
}

func TestRoute_RealtimeVsDigest(t *testing.T) {
	// WHAT: Realtime plans get an immediate notification; free goes to the weekly digest.
	// WHY: A subscriber with realtime_alerts=false must only see the change in a digest.
	doc, c := testChange()
	subs := []Subscriber{
		{ID: "free1", Plan: "free", Services: []string{"Acme"}},
		{ID: "pro1", Plan: "pro", Services: []string{"acme"}},
	}
	plan := Route(doc, c, subs)

	if len(plan.Immediate) != 1 || plan.Immediate[0].Subscriber.ID != "pro1" {
		t.Fatalf("immediate = %+v, want pro1 only", plan.Immediate)
	}
	if len(plan.Digest) != 1 || plan.Digest[0].Subscriber.ID != "free1" {
		t.Fatalf("digest = %+v, want free1 only", plan.Digest)
	}
	if plan.Digest[0].Frequency != FrequencyWeekly {
		t.Fatalf("frequency = %s, want weekly", plan.Digest[0].Frequency)
	}
}

func TestRoute_DiffGating(t *testing.T) {
	// WHAT: Plans without can_view_diff get no diff and an upgrade prompt.
	doc, c := testChange()
	plan := Route(doc, c, []Subscriber{
		{ID: "free1", Plan: "free", Services: []string{"Acme"}},
		{ID: "biz1", Plan: "business", Services: []string{"Acme"}},
	})

	free := plan.Digest[0].Payload
	if free.Diff != nil || free.UpgradePrompt == "" {
		t.Fatalf("free payload: diff=%v prompt=%q", free.Diff, free.UpgradePrompt)
	}
	biz := plan.Immediate[0].Payload
	if len(biz.Diff) != 1 || biz.UpgradePrompt != "" {
		t.Fatalf("business payload: diff=%v prompt=%q", biz.Diff, biz.UpgradePrompt)
	}
	if biz.Metrics.WordsAdded != 3 || biz.Service != "Acme" {
		t.Fatalf("business payload: %+v", biz)
	}
}

func TestRoute_ServiceAllowance(t *testing.T) {
	// WHAT: Services beyond the plan's max_services are not followed.
	doc, c := testChange()
	plan := Route(doc, c, []Subscriber{
		{ID: "free1", Plan: "free", Services: []string{"Globex", "Initech", "Acme"}},
		{ID: "other", Plan: "pro", Services: []string{"Globex"}},
	})
	if !plan.Empty() {
		t.Fatalf("expected empty plan, got %+v", plan)
	}
}

func TestRoute_Pure(t *testing.T) {
	doc, c := testChange()
	subs := []Subscriber{{ID: "pro1", Plan: "pro", Services: []string{"Acme"}}}
	a := Route(doc, c, subs)
	b := Route(doc, c, subs)
	if len(a.Immediate) != len(b.Immediate) || a.Immediate[0].Payload.Title != b.Immediate[0].Payload.Title {
		t.Fatal("Route is not deterministic")
	}
	if c.Title != "Acme terms-of-service updated" {
		t.Fatal("Route mutated the change")
	}
}

func TestPlanFor_UnknownIsFree(t *testing.T) {
	if p := PlanFor("platinum"); p.Name != "free" {
		t.Fatalf("PlanFor(unknown) = %s", p.Name)
	}
}

func TestUpgradeReason(t *testing.T) {
	if r := UpgradeReason(Plans["business"], FeatureWebhook); r != "" {
		t.Fatalf("business webhook reason = %q", r)
	}
	if r := UpgradeReason(Plans["pro"], FeatureWebhook); !strings.Contains(r, "Business") {
		t.Fatalf("pro webhook reason = %q", r)
	}
	if r := UpgradeReason(Plans["free"], FeatureServices); !strings.Contains(r, "2") {
		t.Fatalf("free services reason = %q", r)
	}
}
