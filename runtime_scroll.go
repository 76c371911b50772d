package predicate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/predicatelabs/predicate-go/verify"
)

// scrollMetricsJS is a single bounded expression; it must never dump the DOM.
const scrollMetricsJS = `(() => {
  try {
    const el = document.scrollingElement || document.documentElement || document.body;
    const top =
      (el && typeof el.scrollTop === 'number')
        ? el.scrollTop
        : (typeof window.scrollY === 'number' ? window.scrollY : 0);
    const height = (el && typeof el.scrollHeight === 'number') ? el.scrollHeight : null;
    const client = (el && typeof el.clientHeight === 'number') ? el.clientHeight : null;
    return { top, height, client };
  } catch (e) {
    return { top: null, height: null, client: null, error: String(e && e.message ? e.message : e) };
  }
})()`

func (r *Runtime) scrollMetrics(ctx context.Context) map[string]any {
	v, err := r.backend.Eval(ctx, scrollMetricsJS)
	if err != nil {
		return map[string]any{"top": nil, "height": nil, "client": nil, "error": err.Error()}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"top": v, "height": nil, "client": nil}
}

func metricTop(m map[string]any, fallback float64) float64 {
	if v, ok := m["top"].(float64); ok {
		return v
	}
	return fallback
}

// ScrollByOptions tunes ScrollBy verification.
type ScrollByOptions struct {
	// Verify enables the effectiveness check; false performs a bare wheel.
	Verify bool
	// MinDeltaPX is the minimum scrollTop movement counted as effective;
	// zero means 50px.
	MinDeltaPX float64
	Label      string
	Required   bool
	// TimeoutS bounds the poll loop; zero means 10s.
	TimeoutS float64
	// PollS is the poll interval; zero means 250ms.
	PollS float64
	// X/Y position the wheel event; nil means the viewport center.
	X *float64
	Y *float64
	// JSFallback retries once with window.scrollBy when the wheel had no
	// effect.
	JSFallback bool
}

// DefaultScrollByOptions returns the baseline verified-scroll configuration.
func DefaultScrollByOptions() ScrollByOptions {
	return ScrollByOptions{
		Verify:     true,
		MinDeltaPX: 50,
		Label:      "scroll_effective",
		Required:   true,
		TimeoutS:   10,
		PollS:      0.25,
		JSFallback: true,
	}
}

// ScrollBy scrolls by dy and deterministically verifies that the scroll had
// effect. This targets a common agent failure mode: the "scroll" happens but
// the page never advances (overlays, focus, nested scrollers). The outcome
// is recorded as a scroll_effective assertion with the observed delta.
func (r *Runtime) ScrollBy(ctx context.Context, dy float64, opts ScrollByOptions) (bool, error) {
	if opts.MinDeltaPX == 0 {
		opts.MinDeltaPX = 50
	}
	if opts.Label == "" {
		opts.Label = "scroll_effective"
	}
	if opts.TimeoutS == 0 {
		opts.TimeoutS = 10
	}
	if opts.PollS == 0 {
		opts.PollS = 0.25
	}

	url, _ := r.GetURL(ctx)
	r.RecordAction(ctx, fmt.Sprintf("scroll_by(dy=%g)", dy), url)

	if !opts.Verify {
		return true, r.backend.Wheel(ctx, dy, opts.X, opts.Y)
	}

	before := r.scrollMetrics(ctx)
	beforeTop := metricTop(before, 0)

	usedJSFallback := false
	deadline := time.Now().Add(time.Duration(opts.TimeoutS * float64(time.Second)))

	if err := r.backend.Wheel(ctx, dy, opts.X, opts.Y); err != nil {
		return false, err
	}

	for {
		after := r.scrollMetrics(ctx)
		afterTop := metricTop(after, beforeTop)
		delta := afterTop - beforeTop

		if math.Abs(delta) >= opts.MinDeltaPX {
			r.recordOutcome(verify.AssertOutcome{
				Passed: true,
				Details: map[string]any{
					"dy":               dy,
					"min_delta_px":     opts.MinDeltaPX,
					"before":           before,
					"after":            after,
					"delta_px":         delta,
					"js_fallback_used": usedJSFallback,
				},
			}, opts.Label, opts.Required, "scroll", true, nil)
			return true, nil
		}

		if time.Now().After(deadline) {
			r.recordOutcome(verify.AssertOutcome{
				Passed: false,
				Reason: fmt.Sprintf("scroll delta %.1fpx < min_delta_px=%.1fpx", delta, opts.MinDeltaPX),
				Details: map[string]any{
					"dy":               dy,
					"min_delta_px":     opts.MinDeltaPX,
					"before":           before,
					"after":            after,
					"delta_px":         delta,
					"js_fallback_used": usedJSFallback,
					"timeout_s":        opts.TimeoutS,
				},
			}, opts.Label, opts.Required, "scroll", true, nil)
			if opts.Required {
				r.persistFailureArtifacts("scroll_failed:" + opts.Label)
			}
			return false, nil
		}

		// If the wheel had no effect at all, try one bounded JS fallback.
		if opts.JSFallback && !usedJSFallback && math.Abs(delta) < 1.0 {
			usedJSFallback = true
			_, _ = r.backend.Eval(ctx, fmt.Sprintf("window.scrollBy(0, %g)", dy))
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Duration(opts.PollS * float64(time.Second))):
		}
	}
}
