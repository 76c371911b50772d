package predicate

import (
	"context"
	"fmt"
	"time"

	"github.com/predicatelabs/predicate-go/captcha"
	"github.com/predicatelabs/predicate-go/snapshot"
	"github.com/predicatelabs/predicate-go/trace"
)

// SetCaptchaOptions enables CAPTCHA handling. Handling stays disabled until
// this is called.
func (r *Runtime) SetCaptchaOptions(opts captcha.Options) {
	if opts.MinConfidence == 0 {
		opts.MinConfidence = 0.7
	}
	if opts.TimeoutMS == 0 {
		opts.TimeoutMS = 120_000
	}
	if opts.PollMS == 0 {
		opts.PollMS = 1_000
	}
	if opts.MaxRetriesNewSession == 0 {
		opts.MaxRetriesNewSession = 1
	}
	r.captchaOptions = &opts
	r.captchaRetryCount = 0
}

func (r *Runtime) isCaptchaBlocking(snap *snapshot.Snapshot) bool {
	if r.captchaOptions == nil || snap == nil || snap.Diagnostics == nil {
		return false
	}
	return captcha.IsBlocking(snap.Diagnostics.Captcha, r.captchaOptions.MinConfidence)
}

func (r *Runtime) emitCaptchaEvent(reasonCode string, details map[string]any) {
	merged := map[string]any{"reason_code": reasonCode}
	for k, v := range details {
		merged[k] = v
	}
	r.tracer.Emit(trace.EventVerification, map[string]any{
		"kind":    "captcha",
		"passed":  false,
		"label":   reasonCode,
		"details": merged,
	}, r.stepID)
}

func (r *Runtime) buildCaptchaContext(snap *snapshot.Snapshot, source captcha.Source) captcha.Context {
	var diag *snapshot.CaptchaDiagnostics
	if snap.Diagnostics != nil {
		diag = snap.Diagnostics.Captcha
	}
	return captcha.Context{
		RunID:     r.tracer.RunID(),
		StepIndex: r.stepIndex,
		URL:       snap.URL,
		Source:    source,
		Captcha:   diag,
		PageControl: captcha.PageControl{
			EvaluateJS: func(ctx context.Context, code string) (any, error) {
				res, err := r.EvaluateJS(ctx, EvaluateJSRequest{Code: code})
				if err != nil {
					return nil, err
				}
				if !res.OK {
					return nil, fmt.Errorf("evaluate_js failed: %s", res.Error)
				}
				return res.Value, nil
			},
		},
	}
}

// handleCaptchaIfNeeded routes a blocking detection per the configured
// policy. It returns a *captcha.HandlingError for every aborting state.
func (r *Runtime) handleCaptchaIfNeeded(ctx context.Context, snap *snapshot.Snapshot, source captcha.Source) error {
	if r.captchaOptions == nil || !r.isCaptchaBlocking(snap) {
		return nil
	}

	var diagDetails map[string]any
	if snap.Diagnostics != nil && snap.Diagnostics.Captcha != nil {
		diagDetails = map[string]any{"captcha": snap.Diagnostics.Captcha}
	}
	r.emitCaptchaEvent("captcha_detected", diagDetails)

	var resolution captcha.Resolution
	if r.captchaOptions.Policy == captcha.PolicyCallback {
		if r.captchaOptions.Handler == nil {
			r.emitCaptchaEvent("captcha_handler_error", nil)
			return captcha.NewHandlingError("captcha_handler_error", `captcha handler is required for policy "callback"`)
		}
		res, err := r.captchaOptions.Handler(ctx, r.buildCaptchaContext(snap, source))
		if err != nil {
			r.emitCaptchaEvent("captcha_handler_error", map[string]any{"error": err.Error()})
			return captcha.NewHandlingError("captcha_handler_error", fmt.Sprintf("captcha handler failed: %v", err))
		}
		resolution = res
	} else {
		resolution = captcha.Resolution{Action: captcha.ActionAbort}
	}

	return r.applyCaptchaResolution(ctx, resolution, source)
}

func (r *Runtime) applyCaptchaResolution(ctx context.Context, resolution captcha.Resolution, source captcha.Source) error {
	switch resolution.Action {
	case captcha.ActionAbort:
		r.emitCaptchaEvent("captcha_policy_abort", map[string]any{"message": resolution.Message})
		msg := resolution.Message
		if msg == "" {
			msg = "Captcha detected. Aborting per policy."
		}
		return captcha.NewHandlingError("captcha_policy_abort", msg)

	case captcha.ActionRetryNewSession:
		r.captchaRetryCount++
		r.emitCaptchaEvent("captcha_retry_new_session", nil)
		if r.captchaRetryCount > r.captchaOptions.MaxRetriesNewSession {
			r.emitCaptchaEvent("captcha_retry_exhausted", nil)
			return captcha.NewHandlingError("captcha_retry_exhausted", "captcha retry_new_session exhausted")
		}
		if r.captchaOptions.ResetSession == nil {
			return captcha.NewHandlingError("captcha_retry_new_session", "reset_session callback is required for retry_new_session")
		}
		if err := r.captchaOptions.ResetSession(ctx); err != nil {
			return captcha.NewHandlingError("captcha_retry_new_session", fmt.Sprintf("reset_session failed: %v", err))
		}
		// The caller re-issues the step against the fresh session.
		return nil

	case captcha.ActionWaitUntilCleared:
		timeoutMS := r.captchaOptions.TimeoutMS
		if resolution.TimeoutMS > 0 {
			timeoutMS = resolution.TimeoutMS
		}
		pollMS := r.captchaOptions.PollMS
		if resolution.PollMS > 0 {
			pollMS = resolution.PollMS
		}
		if err := r.waitUntilCaptchaCleared(ctx, timeoutMS, pollMS, source); err != nil {
			return err
		}
		r.emitCaptchaEvent("captcha_resumed", nil)
		return nil
	}
	return nil
}

func (r *Runtime) waitUntilCaptchaCleared(ctx context.Context, timeoutMS, pollMS int, source captcha.Source) error {
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	for !time.Now().After(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(pollMS) * time.Millisecond):
		}
		snap, err := r.Snapshot(ctx, &SnapshotCall{skipCaptchaHandling: true})
		if err != nil {
			continue
		}
		if !r.isCaptchaBlocking(snap) {
			r.emitCaptchaEvent("captcha_cleared", map[string]any{"source": string(source)})
			return nil
		}
	}
	r.emitCaptchaEvent("captcha_wait_timeout", map[string]any{"timeout_ms": timeoutMS})
	return captcha.NewHandlingError("captcha_wait_timeout", "captcha wait_until_cleared timed out")
}
