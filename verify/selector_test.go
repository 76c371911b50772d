package verify

import (
	"testing"

	"github.com/predicatelabs/predicate-go/snapshot"
)

func strPtr(s string) *string { return &s }

func makeSnapshot(elements ...snapshot.Element) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Status:   "success",
		URL:      "https://example.com",
		Elements: elements,
	}
}

func el(id int, role, text string) snapshot.Element {
	return snapshot.Element{
		ID:   id,
		Role: role,
		Text: text,
		BBox: snapshot.BBox{X: 10, Y: 20, Width: 100, Height: 30},
	}
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"role=button", false},
		{"role=button text~'continue'", false},
		{"role=textbox name~'email'", false},
		{`text~"two words"`, false},
		{"", true},
		{"bogus", true},
		{"color=red", true},
		{"text~'unterminated", true},
	}
	for _, tt := range tests {
		_, err := ParseSelector(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSelector(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestSelectorMatches(t *testing.T) {
	snap := makeSnapshot(
		el(1, "button", "Continue to checkout"),
		el(2, "button", "Cancel"),
		el(3, "textbox", ""),
	)
	snap.Elements[2].Name = "Email address"

	tests := []struct {
		expr   string
		wantID int
		found  bool
	}{
		{"role=button", 1, true},
		{"role=button text~'continue'", 1, true},
		{"role=button text~'CONTINUE'", 1, true}, // contains is case-insensitive
		{"role=button text=Cancel", 2, true},
		{"role=textbox name~'email'", 3, true},
		{"role=link", 0, false},
		{"role=button text~'missing'", 0, false},
	}
	for _, tt := range tests {
		sel, err := ParseSelector(tt.expr)
		if err != nil {
			t.Fatalf("ParseSelector(%q) failed: %v", tt.expr, err)
		}
		got, found := sel.FindFirst(snap)
		if found != tt.found {
			t.Errorf("FindFirst(%q) found = %v, want %v", tt.expr, found, tt.found)
			continue
		}
		if found && got.ID != tt.wantID {
			t.Errorf("FindFirst(%q).ID = %d, want %d", tt.expr, got.ID, tt.wantID)
		}
	}
}

func TestSelectorExactIsCaseSensitive(t *testing.T) {
	snap := makeSnapshot(el(1, "button", "OK"))
	sel, err := ParseSelector("text=ok")
	if err != nil {
		t.Fatal(err)
	}
	if _, found := sel.FindFirst(snap); found {
		t.Error("exact match should be case-sensitive")
	}
}

func TestSelectorFindAll(t *testing.T) {
	snap := makeSnapshot(
		el(1, "button", "A"),
		el(2, "link", "B"),
		el(3, "button", "C"),
	)
	sel, err := ParseSelector("role=button")
	if err != nil {
		t.Fatal(err)
	}
	all := sel.FindAll(snap)
	if len(all) != 2 {
		t.Fatalf("FindAll returned %d matches, want 2", len(all))
	}
	if all[0].ID != 1 || all[1].ID != 3 {
		t.Errorf("FindAll order = [%d, %d], want [1, 3]", all[0].ID, all[1].ID)
	}
}

func TestSelectorValueField(t *testing.T) {
	snap := makeSnapshot(el(1, "textbox", ""))
	snap.Elements[0].Value = strPtr("hello@example.com")

	sel, err := ParseSelector("value~'example'")
	if err != nil {
		t.Fatal(err)
	}
	if _, found := sel.FindFirst(snap); !found {
		t.Error("value contains should match")
	}
}
