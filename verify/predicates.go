package verify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/predicatelabs/predicate-go/snapshot"
)

// Exists passes when at least one element in the snapshot matches the
// selector.
func Exists(selector string) Predicate {
	sel, parseErr := ParseSelector(selector)
	return func(ctx *AssertContext) AssertOutcome {
		if parseErr != nil {
			return fail(parseErr.Error(), map[string]any{"selector": selector})
		}
		if ctx.Snapshot == nil {
			return fail("no snapshot in context", map[string]any{"selector": selector})
		}
		matches := sel.FindAll(ctx.Snapshot)
		details := map[string]any{"selector": selector, "match_count": len(matches)}
		if len(matches) == 0 {
			return fail(fmt.Sprintf("no element matches %q", selector), details)
		}
		details["first_match_id"] = matches[0].ID
		return pass(details)
	}
}

// URLContains passes when the context URL contains the substring.
func URLContains(substring string) Predicate {
	return func(ctx *AssertContext) AssertOutcome {
		details := map[string]any{"substring": substring, "url": ctx.URL}
		if ctx.URL == "" {
			return fail("no url in context", details)
		}
		if !strings.Contains(ctx.URL, substring) {
			return fail(fmt.Sprintf("url %q does not contain %q", ctx.URL, substring), details)
		}
		return pass(details)
	}
}

// URLMatches passes when the context URL matches the regular expression.
// Use inline flags like (?i) for case-insensitive matching.
func URLMatches(expr string) Predicate {
	re, compileErr := regexp.Compile(expr)
	return func(ctx *AssertContext) AssertOutcome {
		details := map[string]any{"pattern": expr, "url": ctx.URL}
		if compileErr != nil {
			return fail(compileErr.Error(), details)
		}
		if ctx.URL == "" {
			return fail("no url in context", details)
		}
		if !re.MatchString(ctx.URL) {
			return fail(fmt.Sprintf("url %q does not match %q", ctx.URL, expr), details)
		}
		return pass(details)
	}
}

// statePredicate builds a predicate over one of the optional element state
// flags. The flag must be explicitly reported by the producer; an absent
// flag fails rather than being assumed.
func statePredicate(selector, stateName string, get func(*snapshot.Element) *bool, want bool) Predicate {
	sel, parseErr := ParseSelector(selector)
	return func(ctx *AssertContext) AssertOutcome {
		details := map[string]any{"selector": selector, "state": stateName, "expected": want}
		if parseErr != nil {
			return fail(parseErr.Error(), details)
		}
		if ctx.Snapshot == nil {
			return fail("no snapshot in context", details)
		}
		el, ok := sel.FindFirst(ctx.Snapshot)
		if !ok {
			return fail(fmt.Sprintf("no element matches %q", selector), details)
		}
		details["element_id"] = el.ID
		flag := get(el)
		if flag == nil {
			return fail(fmt.Sprintf("element %d does not report %s state", el.ID, stateName), details)
		}
		details["actual"] = *flag
		if *flag != want {
			return fail(fmt.Sprintf("element %d %s=%v, expected %v", el.ID, stateName, *flag, want), details)
		}
		return pass(details)
	}
}

// IsEnabled passes when the first matching element explicitly reports
// disabled=false.
func IsEnabled(selector string) Predicate {
	return statePredicate(selector, "disabled", func(el *snapshot.Element) *bool { return el.Disabled }, false)
}

// IsDisabled passes when the first matching element explicitly reports
// disabled=true.
func IsDisabled(selector string) Predicate {
	return statePredicate(selector, "disabled", func(el *snapshot.Element) *bool { return el.Disabled }, true)
}

// IsChecked passes when the first matching element explicitly reports
// checked=true.
func IsChecked(selector string) Predicate {
	return statePredicate(selector, "checked", func(el *snapshot.Element) *bool { return el.Checked }, true)
}

// IsExpanded passes when the first matching element explicitly reports
// expanded=true.
func IsExpanded(selector string) Predicate {
	return statePredicate(selector, "expanded", func(el *snapshot.Element) *bool { return el.Expanded }, true)
}

func valuePredicate(selector, expected string, exact bool) Predicate {
	sel, parseErr := ParseSelector(selector)
	return func(ctx *AssertContext) AssertOutcome {
		details := map[string]any{"selector": selector, "expected": expected}
		if parseErr != nil {
			return fail(parseErr.Error(), details)
		}
		if ctx.Snapshot == nil {
			return fail("no snapshot in context", details)
		}
		el, ok := sel.FindFirst(ctx.Snapshot)
		if !ok {
			return fail(fmt.Sprintf("no element matches %q", selector), details)
		}
		details["element_id"] = el.ID
		if el.Value == nil {
			return fail(fmt.Sprintf("element %d does not report a value", el.ID), details)
		}
		got := *el.Value
		details["actual"] = got
		if exact {
			if got != expected {
				return fail(fmt.Sprintf("element %d value %q != %q", el.ID, got, expected), details)
			}
		} else if !strings.Contains(got, expected) {
			return fail(fmt.Sprintf("element %d value %q does not contain %q", el.ID, got, expected), details)
		}
		return pass(details)
	}
}

// ValueEquals passes when the first matching element's value equals expected.
func ValueEquals(selector, expected string) Predicate {
	return valuePredicate(selector, expected, true)
}

// ValueContains passes when the first matching element's value contains
// expected.
func ValueContains(selector, expected string) Predicate {
	return valuePredicate(selector, expected, false)
}

// HasDownload passes when a recorded download's filename or URL contains the
// substring (case-insensitive).
func HasDownload(substring string) Predicate {
	return func(ctx *AssertContext) AssertOutcome {
		details := map[string]any{"substring": substring, "download_count": len(ctx.Downloads)}
		needle := strings.ToLower(substring)
		for _, d := range ctx.Downloads {
			if strings.Contains(strings.ToLower(d.Filename), needle) ||
				strings.Contains(strings.ToLower(d.URL), needle) {
				details["filename"] = d.Filename
				return pass(details)
			}
		}
		return fail(fmt.Sprintf("no download matches %q", substring), details)
	}
}

// DownloadCountAtLeast passes when at least n downloads were recorded.
func DownloadCountAtLeast(n int) Predicate {
	return func(ctx *AssertContext) AssertOutcome {
		details := map[string]any{"expected_min": n, "download_count": len(ctx.Downloads)}
		if len(ctx.Downloads) < n {
			return fail(fmt.Sprintf("%d downloads recorded, expected at least %d", len(ctx.Downloads), n), details)
		}
		return pass(details)
	}
}

// Not inverts a predicate's verdict, preserving its details.
func Not(p Predicate) Predicate {
	return func(ctx *AssertContext) AssertOutcome {
		out := Eval(p, ctx)
		out.Passed = !out.Passed
		if out.Passed {
			out.Reason = ""
		} else if out.Reason == "" {
			out.Reason = "negated predicate passed"
		}
		return out
	}
}

// AllOf passes when every predicate passes, short-circuiting on the first
// failure.
func AllOf(preds ...Predicate) Predicate {
	return func(ctx *AssertContext) AssertOutcome {
		for i, p := range preds {
			out := Eval(p, ctx)
			if !out.Passed {
				if out.Details == nil {
					out.Details = map[string]any{}
				}
				out.Details["failed_index"] = i
				return out
			}
		}
		return pass(map[string]any{"count": len(preds)})
	}
}
