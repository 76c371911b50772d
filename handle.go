package predicate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/predicatelabs/predicate-go/captcha"
	"github.com/predicatelabs/predicate-go/llm"
	"github.com/predicatelabs/predicate-go/snapshot"
	"github.com/predicatelabs/predicate-go/verify"
)

// AssertionHandle binds a predicate to the retry/confidence/vision policy.
// It is a plain value; nothing is evaluated until Once or Eventually runs.
type AssertionHandle struct {
	runtime   *Runtime
	predicate verify.Predicate
	label     string
	required  bool
}

// Label returns the handle's label.
func (h *AssertionHandle) Label() string { return h.label }

// Required reports whether the assertion gates step success.
func (h *AssertionHandle) Required() bool { return h.required }

// Once evaluates the predicate against the current context exactly once.
func (h *AssertionHandle) Once(ctx context.Context) bool {
	return h.runtime.Assert(ctx, h.predicate, h.label, h.required)
}

// LimitGrowthApplyOn selects which attempts grow the snapshot limit.
type LimitGrowthApplyOn string

const (
	// GrowOnAll escalates the limit on every attempt.
	GrowOnAll LimitGrowthApplyOn = "all"
	// GrowOnlyOnFail holds the start limit until an attempt fails, then
	// escalates on each following attempt.
	GrowOnlyOnFail LimitGrowthApplyOn = "only_on_fail"
)

// LimitGrowth widens the snapshot element limit across retries:
// limit(k) = min(max_limit, start_limit + step*(k-1)), clamped to [1,500].
// Useful on long or virtualized pages where a small first snapshot misses
// the target element.
type LimitGrowth struct {
	StartLimit int
	Step       int
	MaxLimit   int
	ApplyOn    LimitGrowthApplyOn
}

// EventuallyOptions tunes the bounded retry loop.
type EventuallyOptions struct {
	// TimeoutS bounds total wall time; zero means 10s.
	TimeoutS float64
	// PollS is the sleep between attempts; negative means 0. Zero means
	// 250ms.
	PollS float64
	// PollSSet marks PollS as explicitly configured, allowing a true zero
	// poll interval.
	PollSSet bool

	// MinConfidence gates predicate evaluation on snapshot confidence.
	// Nil disables gating; snapshots without diagnostics never block.
	MinConfidence *float64

	// MaxSnapshotAttempts caps low-confidence snapshots before exhaustion;
	// zero means 3.
	MaxSnapshotAttempts int

	// SnapshotCall tunes the per-attempt snapshots.
	SnapshotCall *SnapshotCall

	// LimitGrowth escalates the snapshot limit across attempts.
	LimitGrowth *LimitGrowth

	// VisionProvider, when set and vision-capable, is consulted once after
	// snapshot exhaustion with a strict YES/NO screenshot prompt.
	VisionProvider     llm.Provider
	VisionSystemPrompt string
	VisionUserPrompt   string
}

func (o *EventuallyOptions) timeout() time.Duration {
	if o.TimeoutS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(o.TimeoutS * float64(time.Second))
}

func (o *EventuallyOptions) poll() time.Duration {
	if o.PollS > 0 {
		return time.Duration(o.PollS * float64(time.Second))
	}
	if o.PollSSet || o.PollS < 0 {
		return 0
	}
	return 250 * time.Millisecond
}

func (o *EventuallyOptions) maxSnapshotAttempts() int {
	if o.MaxSnapshotAttempts <= 0 {
		return 3
	}
	return o.MaxSnapshotAttempts
}

// resolveGrowth fills growth defaults from the per-call and runtime options.
func (h *AssertionHandle) resolveGrowth(opts *EventuallyOptions) *LimitGrowth {
	g := opts.LimitGrowth
	if g == nil {
		return nil
	}
	resolved := *g
	if resolved.ApplyOn == "" {
		resolved.ApplyOn = GrowOnlyOnFail
	}
	if resolved.StartLimit == 0 {
		if opts.SnapshotCall != nil && opts.SnapshotCall.Limit > 0 {
			resolved.StartLimit = opts.SnapshotCall.Limit
		} else if h.runtime.snapshotOptions != nil && h.runtime.snapshotOptions.Limit > 0 {
			resolved.StartLimit = h.runtime.snapshotOptions.Limit
		} else {
			resolved.StartLimit = snapshot.DefaultLimit
		}
	}
	if resolved.Step == 0 {
		resolved.Step = resolved.StartLimit
		if resolved.Step < 1 {
			resolved.Step = 1
		}
	}
	if resolved.MaxLimit == 0 {
		resolved.MaxLimit = 500
	}
	return &resolved
}

func (g *LimitGrowth) limitForAttempt(attempt int) int {
	base := g.StartLimit + g.Step*(attempt-1)
	if base > g.MaxLimit {
		base = g.MaxLimit
	}
	return snapshot.ClampLimit(base)
}

// Eventually retries the predicate until it passes or the deadline expires,
// with optional confidence gating, snapshot-limit growth, and a vision
// fallback after snapshot exhaustion. Intermediate attempts emit
// verification events but only the final outcome is accumulated into the
// step.
func (h *AssertionHandle) Eventually(ctx context.Context, opts EventuallyOptions) bool {
	r := h.runtime
	deadline := time.Now().Add(opts.timeout())
	poll := opts.poll()
	growth := h.resolveGrowth(&opts)

	attempt := 0
	snapshotAttempt := 0
	var lastOutcome *verify.AssertOutcome

	for {
		attempt++

		call := &SnapshotCall{}
		if opts.SnapshotCall != nil {
			c := *opts.SnapshotCall
			call = &c
		}
		snapshotLimit := 0
		if growth != nil {
			apply := growth.ApplyOn == GrowOnAll
			if growth.ApplyOn == GrowOnlyOnFail {
				// The first attempt always uses the start limit; later
				// attempts grow, since a passing attempt would have
				// returned already.
				apply = attempt == 1 || (lastOutcome != nil && !lastOutcome.Passed)
			}
			if apply {
				snapshotLimit = growth.limitForAttempt(attempt)
			} else {
				snapshotLimit = snapshot.ClampLimit(growth.StartLimit)
			}
			call.Limit = snapshotLimit
		} else if call.Limit > 0 {
			snapshotLimit = call.Limit
		}

		if _, err := r.Snapshot(ctx, call); err != nil {
			// Snapshot failures surface as failed attempts rather than
			// escaping the retry loop; CAPTCHA aborts are the exception.
			if isCaptchaError(err) {
				r.recordOutcome(verify.AssertOutcome{Passed: false, Reason: err.Error()}, h.label, h.required, "assert", true, map[string]any{
					"eventually": true, "attempt": attempt, "final": true,
				})
				return false
			}
			lastOutcome = &verify.AssertOutcome{
				Passed:  false,
				Reason:  err.Error(),
				Details: map[string]any{"snapshot_error": err.Error()},
			}
			r.recordOutcome(*lastOutcome, h.label, h.required, "assert", false, map[string]any{
				"eventually": true, "attempt": attempt,
			})
			if time.Now().After(deadline) {
				r.recordOutcome(*lastOutcome, h.label, h.required, "assert", true, map[string]any{
					"eventually": true, "attempt": attempt, "final": true, "timeout": true,
				})
				if h.required {
					r.persistFailureArtifacts("assert_eventually_timeout:" + h.label)
				}
				return false
			}
			if !sleepCtx(ctx, poll) {
				return false
			}
			continue
		}
		snapshotAttempt++

		// Confidence gating: snapshots without diagnostics never block.
		confidence, hasConfidence := 0.0, false
		if r.lastSnapshot != nil {
			confidence, hasConfidence = r.lastSnapshot.Confidence()
		}

		if opts.MinConfidence != nil && hasConfidence && confidence < *opts.MinConfidence {
			lastOutcome = &verify.AssertOutcome{
				Passed: false,
				Reason: fmt.Sprintf("Snapshot confidence %.3f < min_confidence %.3f", confidence, *opts.MinConfidence),
				Details: map[string]any{
					"reason_code":      "snapshot_low_confidence",
					"confidence":       confidence,
					"min_confidence":   *opts.MinConfidence,
					"snapshot_attempt": snapshotAttempt,
					"diagnostics":      r.lastSnapshot.Diagnostics,
				},
			}
			r.recordOutcome(*lastOutcome, h.label, h.required, "assert", false, map[string]any{
				"eventually":       true,
				"attempt":          attempt,
				"snapshot_attempt": snapshotAttempt,
				"snapshot_limit":   snapshotLimit,
			})

			if snapshotAttempt >= opts.maxSnapshotAttempts() {
				if opts.VisionProvider != nil && opts.VisionProvider.SupportsVision() {
					if passed, ok := h.visionFallback(ctx, &opts, attempt, snapshotAttempt); ok {
						return passed
					}
				}

				final := verify.AssertOutcome{
					Passed: false,
					Reason: fmt.Sprintf("Snapshot exhausted after %d attempt(s) below min_confidence %.3f", snapshotAttempt, *opts.MinConfidence),
					Details: map[string]any{
						"reason_code":       "snapshot_exhausted",
						"confidence":        confidence,
						"min_confidence":    *opts.MinConfidence,
						"snapshot_attempts": snapshotAttempt,
						"diagnostics":       lastOutcome.Details["diagnostics"],
					},
				}
				r.recordOutcome(final, h.label, h.required, "assert", true, map[string]any{
					"eventually":       true,
					"attempt":          attempt,
					"snapshot_attempt": snapshotAttempt,
					"final":            true,
					"exhausted":        true,
				})
				if h.required {
					r.persistFailureArtifacts("assert_eventually_failed:" + h.label)
				}
				return false
			}

			if time.Now().After(deadline) {
				r.recordOutcome(*lastOutcome, h.label, h.required, "assert", true, map[string]any{
					"eventually":       true,
					"attempt":          attempt,
					"snapshot_attempt": snapshotAttempt,
					"snapshot_limit":   snapshotLimit,
					"final":            true,
					"timeout":          true,
				})
				if h.required {
					r.persistFailureArtifacts("assert_eventually_timeout:" + h.label)
				}
				return false
			}

			if !sleepCtx(ctx, poll) {
				return false
			}
			continue
		}

		outcome := verify.Eval(h.predicate, r.assertCtx(ctx))
		lastOutcome = &outcome

		r.recordOutcome(outcome, h.label, h.required, "assert", false, map[string]any{
			"eventually":       true,
			"attempt":          attempt,
			"snapshot_attempt": snapshotAttempt,
			"snapshot_limit":   snapshotLimit,
		})

		if outcome.Passed {
			r.recordOutcome(outcome, h.label, h.required, "assert", true, map[string]any{
				"eventually": true, "attempt": attempt, "final": true,
			})
			return true
		}

		if time.Now().After(deadline) {
			r.recordOutcome(outcome, h.label, h.required, "assert", true, map[string]any{
				"eventually": true, "attempt": attempt, "final": true, "timeout": true,
			})
			if h.required {
				r.persistFailureArtifacts("assert_eventually_timeout:" + h.label)
			}
			return false
		}

		if !sleepCtx(ctx, poll) {
			return false
		}
	}
}

// visionFallback runs the strict YES/NO screenshot verification. The second
// return is false when the fallback errored and the caller should fall
// through to snapshot_exhausted.
func (h *AssertionHandle) visionFallback(ctx context.Context, opts *EventuallyOptions, attempt, snapshotAttempt int) (bool, bool) {
	r := h.runtime

	pngBytes, err := r.backend.ScreenshotPNG(ctx)
	if err != nil {
		return false, false
	}
	imageB64 := base64.StdEncoding.EncodeToString(pngBytes)

	sysPrompt := opts.VisionSystemPrompt
	if sysPrompt == "" {
		sysPrompt = "You are a strict visual verifier. Answer only YES or NO."
	}
	userPrompt := opts.VisionUserPrompt
	if userPrompt == "" {
		userPrompt = fmt.Sprintf("Given the screenshot, is the following condition satisfied?\n\n%s\n\nAnswer YES or NO.", h.label)
	}

	resp, err := opts.VisionProvider.GenerateWithImage(ctx, sysPrompt, userPrompt, imageB64, llm.GenerateOptions{Temperature: 0})
	if err != nil {
		return false, false
	}

	passed := startsWithYes(resp.Content)
	reason := "vision_fallback_no"
	reasonCode := "vision_fallback_fail"
	if passed {
		reason = "vision_fallback_yes"
		reasonCode = "vision_fallback_pass"
	}
	final := verify.AssertOutcome{
		Passed: passed,
		Reason: reason,
		Details: map[string]any{
			"reason_code":       reasonCode,
			"vision_response":   resp.Content,
			"min_confidence":    opts.MinConfidence,
			"snapshot_attempts": snapshotAttempt,
		},
	}
	r.recordOutcome(final, h.label, h.required, "assert", true, map[string]any{
		"eventually":       true,
		"attempt":          attempt,
		"snapshot_attempt": snapshotAttempt,
		"final":            true,
		"vision_fallback":  true,
	})
	if h.required && !passed {
		r.persistFailureArtifacts("assert_eventually_failed:" + h.label)
	}
	return passed, true
}

func startsWithYes(s string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "yes")
}

func isCaptchaError(err error) bool {
	var herr *captcha.HandlingError
	return errors.As(err, &herr)
}

// sleepCtx sleeps for d, returning false when the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
