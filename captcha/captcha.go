// Package captcha defines the CAPTCHA interrupt protocol: detection
// thresholds, handler contracts, and the bundled handler strategies. The
// runtime detects and routes; solving is always the caller's business.
package captcha

import (
	"context"
	"strings"

	"github.com/predicatelabs/predicate-go/snapshot"
)

// Policy selects what the runtime does on a blocking detection.
type Policy string

const (
	// PolicyAbort fails the run immediately.
	PolicyAbort Policy = "abort"
	// PolicyCallback routes the detection to a caller-supplied handler.
	PolicyCallback Policy = "callback"
)

// Action is a handler's requested resolution.
type Action string

const (
	ActionAbort            Action = "abort"
	ActionRetryNewSession  Action = "retry_new_session"
	ActionWaitUntilCleared Action = "wait_until_cleared"
)

// Source identifies which layer produced the detection.
type Source string

const (
	SourceExtension Source = "extension"
	SourceGateway   Source = "gateway"
	SourceRuntime   Source = "runtime"
)

// PageControl is the bounded escape hatch a handler may use to inspect the
// page while resolving.
type PageControl struct {
	// EvaluateJS evaluates a JavaScript expression in the stuck page.
	EvaluateJS func(ctx context.Context, code string) (any, error)
}

// Context is handed to handlers on a blocking detection.
type Context struct {
	RunID       string
	StepIndex   int
	URL         string
	Source      Source
	Captcha     *snapshot.CaptchaDiagnostics
	PageControl PageControl
}

// Resolution is a handler's answer.
type Resolution struct {
	Action  Action
	Message string
	// TimeoutMS/PollMS override the configured wait bounds for
	// wait_until_cleared. Zero keeps the configured values.
	TimeoutMS int
	PollMS    int
}

// Handler resolves a detected CAPTCHA.
type Handler func(ctx context.Context, c Context) (Resolution, error)

// Options configures CAPTCHA handling on the runtime. Handling is disabled
// until options are set.
type Options struct {
	Policy               Policy
	MinConfidence        float64
	TimeoutMS            int
	PollMS               int
	MaxRetriesNewSession int
	Handler              Handler
	// ResetSession tears down and recreates the browser session; required
	// for retry_new_session resolutions.
	ResetSession func(ctx context.Context) error
}

// DefaultOptions returns the baseline CAPTCHA configuration.
func DefaultOptions() Options {
	return Options{
		Policy:               PolicyAbort,
		MinConfidence:        0.7,
		TimeoutMS:            120_000,
		PollMS:               1_000,
		MaxRetriesNewSession: 1,
	}
}

// HandlingError is the typed error surfaced for every CAPTCHA state that
// aborts a run.
type HandlingError struct {
	Code    string
	Message string
}

func (e *HandlingError) Error() string { return e.Message }

// ReasonCode returns the stable reason code for switching on.
func (e *HandlingError) ReasonCode() string { return e.Code }

// NewHandlingError builds a HandlingError with the given reason code.
func NewHandlingError(code, message string) *HandlingError {
	return &HandlingError{Code: code, Message: message}
}

// Phrases and fragments that mark an interactive challenge rather than a
// passive badge or a preloaded library.
var (
	strongTextPhrases = []string{
		"i'm not a robot",
		"verify you are human",
		"human verification",
		"complete the security check",
		"please verify",
	}
	strongIframeFragments = []string{"recaptcha/api2", "api2/bframe", "hcaptcha", "turnstile"}
	strongSelectorFragments = []string{
		"g-recaptcha-response",
		"h-captcha-response",
		"cf-turnstile-response",
		"recaptcha-checkbox",
		"hcaptcha-checkbox",
	}
)

// IsBlocking decides whether a detection should interrupt execution. Many
// sites preload CAPTCHA libraries or render a passive badge; blocking on
// those would stall interactive runs for nothing. The detection must carry
// iframe/url/text evidence, not merely generic tokens, and clear the
// confidence threshold.
func IsBlocking(diag *snapshot.CaptchaDiagnostics, minConfidence float64) bool {
	if diag == nil || !diag.Detected {
		return false
	}

	ev := diag.Evidence
	iframeHits := lower(ev.IframeSrcHits)
	urlHits := lower(ev.URLHits)
	textHits := lower(ev.TextHits)
	selectorHits := lower(ev.SelectorHits)

	// Selector/script hints alone are non-blocking.
	if len(iframeHits) == 0 && len(urlHits) == 0 && len(textHits) == 0 {
		return false
	}

	all := make([]string, 0, len(iframeHits)+len(urlHits)+len(textHits)+len(selectorHits))
	all = append(all, iframeHits...)
	all = append(all, urlHits...)
	all = append(all, textHits...)
	all = append(all, selectorHits...)

	joined := strings.Join(all, " ")
	strongText := containsAny(joined, strongTextPhrases)
	strongIframe := anyHitContains(all, strongIframeFragments)
	strongSelector := anyHitContains(all, strongSelectorFragments)

	if !strongText && !strongIframe && !strongSelector {
		// Only generic captcha/recaptcha tokens: a passive badge.
		onlyGeneric := true
		for _, h := range all {
			if !strings.Contains(h, "captcha") {
				onlyGeneric = false
				break
			}
		}
		if onlyGeneric {
			return false
		}
	}

	return diag.Confidence >= minConfidence
}

func lower(hits []string) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if h != "" {
			out = append(out, strings.ToLower(h))
		}
	}
	return out
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func anyHitContains(hits []string, fragments []string) bool {
	for _, h := range hits {
		for _, f := range fragments {
			if strings.Contains(h, f) {
				return true
			}
		}
	}
	return false
}
