package snapshot

import (
	"testing"
)

func floatPtr(f float64) *float64 { return &f }

func mergeEl(id int, href, text string, importance int, docY *float64) Element {
	return Element{
		ID:         id,
		Role:       "link",
		Text:       text,
		Href:       href,
		Importance: importance,
		BBox:       BBox{X: 10, Y: 20, Width: 100, Height: 30},
		VisualCues: VisualCues{IsClickable: true},
		InViewport: true,
		DocY:       docY,
	}
}

func hrefs(snap *Snapshot) []string {
	var out []string
	for _, e := range snap.Elements {
		if e.Href != "" {
			out = append(out, e.Href)
		}
	}
	return out
}

func TestMergeDedupesByHrefAndPrefersHigherImportance(t *testing.T) {
	s1 := &Snapshot{
		Status: "success",
		URL:    "https://example.com",
		Elements: []Element{
			mergeEl(1, "https://example.com/a", "A", 120, floatPtr(10)),
			mergeEl(2, "https://example.com/b", "B", 110, floatPtr(20)),
		},
	}
	// Same href "a" appears again with higher importance; should replace.
	s2 := &Snapshot{
		Status: "success",
		URL:    "https://example.com",
		Elements: []Element{
			mergeEl(9, "https://example.com/a", "A", 220, floatPtr(10)),
			mergeEl(3, "https://example.com/c", "C", 105, floatPtr(30)),
		},
	}

	merged, err := Merge([]*Snapshot{s1, s2}, 0)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	got := hrefs(merged)
	if len(got) != len(want) {
		t.Fatalf("got %d hrefs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("hrefs[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	for _, e := range merged.Elements {
		if e.Href == "https://example.com/a" && e.Importance != 220 {
			t.Errorf("kept importance %d for href a, want 220", e.Importance)
		}
	}
}

func TestMergeOrdersByDocYThenImportance(t *testing.T) {
	s1 := &Snapshot{
		Status: "success",
		URL:    "https://example.com",
		Elements: []Element{
			mergeEl(1, "https://example.com/b", "B", 150, floatPtr(20)),
			mergeEl(2, "https://example.com/a", "A", 100, floatPtr(10)),
		},
	}
	s2 := &Snapshot{
		Status: "success",
		URL:    "https://example.com",
		Elements: []Element{
			mergeEl(3, "https://example.com/c", "C", 90, floatPtr(30)),
		},
	}

	merged, err := Merge([]*Snapshot{s1, s2}, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	got := hrefs(merged)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("hrefs[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestMergeElementsWithoutDocYGoLast(t *testing.T) {
	s := &Snapshot{
		Status: "success",
		URL:    "https://example.com",
		Elements: []Element{
			mergeEl(1, "https://example.com/nodocy", "X", 500, nil),
			mergeEl(2, "https://example.com/a", "A", 100, floatPtr(10)),
		},
	}
	merged, err := Merge([]*Snapshot{s}, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := hrefs(merged)
	if got[len(got)-1] != "https://example.com/nodocy" {
		t.Errorf("element without doc_y should sort last, got order %v", got)
	}
}

func TestMergeRespectsUnionLimitAndDropsScreenshot(t *testing.T) {
	s := &Snapshot{
		Status:     "success",
		URL:        "https://example.com",
		Screenshot: "data:fake",
		Elements: []Element{
			mergeEl(1, "https://example.com/a", "A", 100, floatPtr(10)),
			mergeEl(2, "https://example.com/b", "B", 100, floatPtr(20)),
			mergeEl(3, "https://example.com/c", "C", 100, floatPtr(30)),
		},
	}
	merged, err := Merge([]*Snapshot{s}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.Elements) != 2 {
		t.Errorf("len(elements) = %d, want 2", len(merged.Elements))
	}
	if merged.Screenshot != "" {
		t.Error("merged snapshot must drop the screenshot")
	}
}

// Merging a single snapshot preserves its elements modulo dedupe.
func TestMergeSingleSnapshotPreservesElements(t *testing.T) {
	s := &Snapshot{
		Status: "success",
		URL:    "https://example.com",
		Elements: []Element{
			mergeEl(1, "https://example.com/a", "A", 100, floatPtr(10)),
			mergeEl(2, "https://example.com/b", "B", 100, floatPtr(20)),
		},
	}
	merged, err := Merge([]*Snapshot{s}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.Elements) != 2 {
		t.Errorf("len(elements) = %d, want 2", len(merged.Elements))
	}
}

func TestMergeRequiresNonEmptyList(t *testing.T) {
	if _, err := Merge(nil, 0); err == nil {
		t.Error("Merge(nil) should error")
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 1}, {-5, 1}, {1, 1}, {250, 250}, {500, 500}, {501, 500},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestOptionsEffectiveLimit(t *testing.T) {
	var nilOpts *Options
	if got := nilOpts.EffectiveLimit(); got != DefaultLimit {
		t.Errorf("nil options limit = %d, want %d", got, DefaultLimit)
	}
	opts := &Options{Limit: 900}
	if got := opts.EffectiveLimit(); got != 500 {
		t.Errorf("limit 900 clamps to %d, want 500", got)
	}
}

func TestOptionsCloneIsDeep(t *testing.T) {
	opts := &Options{
		Limit:      10,
		Screenshot: &ScreenshotOptions{Format: "jpeg", Quality: 60},
		Filter:     &Filter{MinArea: 100},
	}
	clone := opts.Clone()
	clone.Screenshot.Quality = 90
	clone.Filter.MinArea = 1
	if opts.Screenshot.Quality != 60 || opts.Filter.MinArea != 100 {
		t.Error("Clone must not share nested structs")
	}
}
