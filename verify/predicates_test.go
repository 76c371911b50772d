package verify

import (
	"testing"

	"github.com/predicatelabs/predicate-go/backend"
)

func boolPtr(b bool) *bool { return &b }

func TestExists(t *testing.T) {
	snap := makeSnapshot(el(1, "button", "OK"))

	t.Run("match", func(t *testing.T) {
		out := Exists("role=button")(&AssertContext{Snapshot: snap})
		if !out.Passed {
			t.Errorf("Exists should pass: %s", out.Reason)
		}
		if out.Details["match_count"] != 1 {
			t.Errorf("match_count = %v, want 1", out.Details["match_count"])
		}
	})

	t.Run("no match", func(t *testing.T) {
		out := Exists("role=link")(&AssertContext{Snapshot: snap})
		if out.Passed {
			t.Error("Exists should fail for missing role")
		}
		if out.Details["selector"] != "role=link" {
			t.Errorf("details.selector = %v", out.Details["selector"])
		}
	})

	t.Run("nil snapshot", func(t *testing.T) {
		out := Exists("role=button")(&AssertContext{})
		if out.Passed {
			t.Error("Exists should fail without snapshot")
		}
	})

	t.Run("order independent", func(t *testing.T) {
		a := makeSnapshot(el(1, "button", "OK"), el(2, "link", "Go"))
		b := makeSnapshot(el(2, "link", "Go"), el(1, "button", "OK"))
		outA := Exists("role=button")(&AssertContext{Snapshot: a})
		outB := Exists("role=button")(&AssertContext{Snapshot: b})
		if outA.Passed != outB.Passed {
			t.Error("Exists must be order-independent")
		}
	})
}

func TestURLPredicates(t *testing.T) {
	ctx := &AssertContext{URL: "https://shop.example.com/cart?step=2"}

	if out := URLContains("example.com")(ctx); !out.Passed {
		t.Errorf("URLContains should pass: %s", out.Reason)
	}
	if out := URLContains("other.com")(ctx); out.Passed {
		t.Error("URLContains should fail")
	}
	if out := URLMatches(`cart\?step=\d`)(ctx); !out.Passed {
		t.Errorf("URLMatches should pass: %s", out.Reason)
	}
	if out := URLMatches(`^ftp://`)(ctx); out.Passed {
		t.Error("URLMatches should fail")
	}
	if out := URLMatches(`(unclosed`)(ctx); out.Passed {
		t.Error("invalid regex must fail, not panic")
	}
	if out := URLContains("x")(&AssertContext{}); out.Passed {
		t.Error("empty url must fail")
	}
}

// url_matches passing implies url_contains of any literal substring of the
// pattern also passes.
func TestURLMatchesImpliesContains(t *testing.T) {
	ctx := &AssertContext{URL: "https://example.com/done"}
	if out := URLMatches(`example\.com/done`)(ctx); !out.Passed {
		t.Fatal("precondition: pattern should match")
	}
	for _, literal := range []string{"example", "done", "com/done"} {
		if out := URLContains(literal)(ctx); !out.Passed {
			t.Errorf("URLContains(%q) should pass when the regex matched", literal)
		}
	}
}

func TestStatePredicates(t *testing.T) {
	snap := makeSnapshot(
		el(1, "button", "Submit"),
		el(2, "checkbox", ""),
		el(3, "button", "Ghost"),
	)
	snap.Elements[0].Disabled = boolPtr(false)
	snap.Elements[1].Checked = boolPtr(true)
	// Element 3 reports no state at all.

	ctx := &AssertContext{Snapshot: snap}

	if out := IsEnabled("text=Submit")(ctx); !out.Passed {
		t.Errorf("IsEnabled should pass: %s", out.Reason)
	}
	if out := IsDisabled("text=Submit")(ctx); out.Passed {
		t.Error("IsDisabled should fail for enabled element")
	}
	if out := IsChecked("role=checkbox")(ctx); !out.Passed {
		t.Errorf("IsChecked should pass: %s", out.Reason)
	}
	// Absent state must fail, never pass implicitly.
	if out := IsEnabled("text=Ghost")(ctx); out.Passed {
		t.Error("IsEnabled must fail when the state flag is not reported")
	}
	if out := IsExpanded("text=Ghost")(ctx); out.Passed {
		t.Error("IsExpanded must fail when the state flag is not reported")
	}
}

func TestValuePredicates(t *testing.T) {
	snap := makeSnapshot(el(1, "textbox", ""))
	snap.Elements[0].Value = strPtr("alice@example.com")
	ctx := &AssertContext{Snapshot: snap}

	if out := ValueEquals("role=textbox", "alice@example.com")(ctx); !out.Passed {
		t.Errorf("ValueEquals should pass: %s", out.Reason)
	}
	if out := ValueEquals("role=textbox", "bob@example.com")(ctx); out.Passed {
		t.Error("ValueEquals should fail")
	}
	if out := ValueContains("role=textbox", "alice")(ctx); !out.Passed {
		t.Errorf("ValueContains should pass: %s", out.Reason)
	}

	// Element without a reported value fails explicitly.
	noValue := makeSnapshot(el(1, "textbox", ""))
	if out := ValueContains("role=textbox", "x")(&AssertContext{Snapshot: noValue}); out.Passed {
		t.Error("ValueContains must fail when no value is reported")
	}
}

func TestDownloadPredicates(t *testing.T) {
	ctx := &AssertContext{
		Downloads: []backend.DownloadRecord{
			{URL: "https://example.com/report.pdf", Filename: "report.pdf", Size: 1024},
		},
	}

	if out := HasDownload("report")(ctx); !out.Passed {
		t.Errorf("HasDownload should pass: %s", out.Reason)
	}
	if out := HasDownload("REPORT")(ctx); !out.Passed {
		t.Error("HasDownload should be case-insensitive")
	}
	if out := HasDownload("invoice")(ctx); out.Passed {
		t.Error("HasDownload should fail")
	}
	if out := DownloadCountAtLeast(1)(ctx); !out.Passed {
		t.Error("DownloadCountAtLeast(1) should pass")
	}
	if out := DownloadCountAtLeast(2)(ctx); out.Passed {
		t.Error("DownloadCountAtLeast(2) should fail")
	}
}

func TestEvalRecoversPanic(t *testing.T) {
	var panicky Predicate = func(ctx *AssertContext) AssertOutcome {
		panic("boom")
	}
	out := Eval(panicky, &AssertContext{})
	if out.Passed {
		t.Error("panicking predicate must convert to failure")
	}
	if out.Reason == "" {
		t.Error("panic reason should be captured")
	}
}

func TestCombinators(t *testing.T) {
	snap := makeSnapshot(el(1, "button", "OK"))
	ctx := &AssertContext{Snapshot: snap, URL: "https://example.com"}

	if out := Not(Exists("role=link"))(ctx); !out.Passed {
		t.Error("Not(missing) should pass")
	}
	if out := AllOf(Exists("role=button"), URLContains("example"))(ctx); !out.Passed {
		t.Errorf("AllOf should pass: %s", out.Reason)
	}
	out := AllOf(Exists("role=button"), Exists("role=link"))(ctx)
	if out.Passed {
		t.Error("AllOf should fail when one fails")
	}
	if out.Details["failed_index"] != 1 {
		t.Errorf("failed_index = %v, want 1", out.Details["failed_index"])
	}
}
