// Package predicate provides a verification-first browser-agent runtime: a
// step lifecycle that snapshots the page, executes actions, and drives
// deterministic, retrying verifications against the snapshot, emitting a
// structured trace stream and failure artifacts along the way.
package predicate

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/predicatelabs/predicate-go/backend"
	"github.com/predicatelabs/predicate-go/captcha"
	"github.com/predicatelabs/predicate-go/snapshot"
	"github.com/predicatelabs/predicate-go/trace"
	"github.com/predicatelabs/predicate-go/verify"
)

// AssertionRecord is the persisted outcome of one assertion within a step.
type AssertionRecord struct {
	Label    string         `json:"label"`
	Passed   bool           `json:"passed"`
	Required bool           `json:"required"`
	Reason   string         `json:"reason"`
	Details  map[string]any `json:"details,omitempty"`
	Kind     string         `json:"kind"`
	Extra    map[string]any `json:"extra,omitempty"`
}

func (r AssertionRecord) toMap() map[string]any {
	m := map[string]any{
		"label":    r.Label,
		"passed":   r.Passed,
		"required": r.Required,
		"reason":   r.Reason,
		"details":  r.Details,
	}
	for k, v := range r.Extra {
		m[k] = v
	}
	return m
}

// Runtime owns all mutable step state for one agent: the current step, the
// last snapshot, accumulated assertions, and the artifact buffer. It is the
// single writer of that state; run one Runtime per browser session.
type Runtime struct {
	backend backend.Backend
	tracer  *trace.Tracer
	logger  *slog.Logger

	snapshotOptions *snapshot.Options

	stepID    string
	stepIndex int
	stepGoal  string

	lastSnapshot    *snapshot.Snapshot
	stepPreSnapshot *snapshot.Snapshot
	stepPreURL      string
	cachedURL       string

	assertions []AssertionRecord

	lastAction           string
	lastActionError      string
	lastActionOutcome    string
	lastActionDurationMS int
	lastActionSuccess    *bool

	taskDone      bool
	taskDoneLabel string

	captchaOptions    *captcha.Options
	captchaRetryCount int

	artifactState artifactState
}

// RuntimeOption customizes a Runtime.
type RuntimeOption func(*Runtime)

// WithSnapshotOptions sets the default options applied to every snapshot.
func WithSnapshotOptions(opts *snapshot.Options) RuntimeOption {
	return func(r *Runtime) { r.snapshotOptions = opts }
}

// WithAPIKey enables refinement-service routing with the given credential.
func WithAPIKey(apiKey string) RuntimeOption {
	return func(r *Runtime) {
		if apiKey == "" {
			return
		}
		if r.snapshotOptions == nil {
			r.snapshotOptions = &snapshot.Options{}
		}
		r.snapshotOptions.APIKey = apiKey
		r.snapshotOptions.UseAPI = true
	}
}

// WithLogger sets the slog logger; nil keeps slog.Default().
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRuntime creates a runtime over the given backend and tracer.
func NewRuntime(b backend.Backend, tracer *trace.Tracer, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		backend: b,
		tracer:  tracer,
		logger:  slog.Default(),
		// First auto-generated step id is "step-0".
		stepIndex: -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.snapshotOptions == nil {
		r.snapshotOptions = &snapshot.Options{}
	}
	return r
}

// Backend returns the underlying backend port.
func (r *Runtime) Backend() backend.Backend { return r.backend }

// Tracer returns the runtime's tracer.
func (r *Runtime) Tracer() *trace.Tracer { return r.tracer }

// StepID returns the current step id ("step-N"), empty before the first
// BeginStep.
func (r *Runtime) StepID() string { return r.stepID }

// StepIndex returns the current 0-based step index, -1 before the first
// BeginStep.
func (r *Runtime) StepIndex() int { return r.stepIndex }

// LastSnapshot returns the most recent snapshot.
func (r *Runtime) LastSnapshot() *snapshot.Snapshot { return r.lastSnapshot }

// assertCtx builds the assertion context from current state.
func (r *Runtime) assertCtx(ctx context.Context) *verify.AssertContext {
	url := r.cachedURL
	if r.lastSnapshot != nil {
		url = r.lastSnapshot.URL
	}
	var downloads []backend.DownloadRecord
	if db := backend.DownloadsOf(r.backend); db != nil {
		if list, err := db.Downloads(ctx); err == nil {
			downloads = list
		}
	}
	return &verify.AssertContext{
		Snapshot:  r.lastSnapshot,
		URL:       url,
		StepID:    r.stepID,
		Downloads: downloads,
	}
}

// GetURL fetches and caches the current page URL.
func (r *Runtime) GetURL(ctx context.Context) (string, error) {
	url, err := r.backend.GetURL(ctx)
	if err != nil {
		return "", err
	}
	r.cachedURL = url
	return url, nil
}

// SnapshotCall tunes one Snapshot invocation.
type SnapshotCall struct {
	// Overrides merge over the runtime's default snapshot options; nil keeps
	// the defaults.
	Overrides *snapshot.Options

	// Limit, when > 0, overrides the element cap for this call only.
	Limit int

	// EmitTrace controls the automatic snapshot trace event. Nil means true.
	EmitTrace *bool

	// skipCaptchaHandling suppresses detection, used inside CAPTCHA wait
	// loops.
	skipCaptchaHandling bool
}

func (c *SnapshotCall) emitTrace() bool {
	return c == nil || c.EmitTrace == nil || *c.EmitTrace
}

// resolveOptions merges the per-call tuning over the runtime defaults.
func (r *Runtime) resolveOptions(call *SnapshotCall) *snapshot.Options {
	opts := r.snapshotOptions.Clone()
	if call != nil && call.Overrides != nil {
		o := call.Overrides
		if o.Limit != 0 {
			opts.Limit = o.Limit
		}
		if o.Goal != "" {
			opts.Goal = o.Goal
		}
		if o.Screenshot != nil {
			opts.Screenshot = o.Screenshot
		}
		if o.Filter != nil {
			opts.Filter = o.Filter
		}
		if o.UseAPI {
			opts.UseAPI = true
		}
		if o.APIKey != "" {
			opts.APIKey = o.APIKey
		}
		if o.GatewayTimeoutS != 0 {
			opts.GatewayTimeoutS = o.GatewayTimeoutS
		}
		if o.ShowOverlay {
			opts.ShowOverlay = true
		}
	}
	if call != nil && call.Limit > 0 {
		opts.Limit = call.Limit
	}
	return opts
}

// Snapshot takes a snapshot of the current page and records it as the
// runtime's last snapshot. The first snapshot of a step also becomes the
// step's pre-snapshot. Detected CAPTCHAs are routed per the configured
// policy before the snapshot is returned.
func (r *Runtime) Snapshot(ctx context.Context, call *SnapshotCall) (*snapshot.Snapshot, error) {
	opts := r.resolveOptions(call)

	snap, err := snapshot.Take(ctx, r.backend, opts)
	if err != nil {
		return nil, err
	}

	r.lastSnapshot = snap
	r.cachedURL = snap.URL
	if r.stepPreSnapshot == nil {
		r.stepPreSnapshot = snap
		r.stepPreURL = snap.URL
	}

	if call == nil || !call.skipCaptchaHandling {
		if err := r.handleCaptchaIfNeeded(ctx, snap, captcha.SourceGateway); err != nil {
			return nil, err
		}
	}

	if call.emitTrace() {
		r.emitSnapshotTrace(snap)
	}
	return snap, nil
}

func (r *Runtime) emitSnapshotTrace(snap *snapshot.Snapshot) {
	data := map[string]any{
		"step_id":           r.stepID,
		"step_index":        r.stepIndex,
		"url":               snap.URL,
		"element_count":     len(snap.Elements),
		"screenshot_format": snap.ScreenshotFormat,
	}
	if conf, ok := snap.Confidence(); ok {
		data["confidence"] = conf
	}
	r.tracer.Emit(trace.EventSnapshot, data, r.stepID)
}

// SampledSnapshot takes several snapshots while scrolling and merges them
// into a union snapshot for extraction. The result is NOT recorded as the
// runtime's last snapshot: its bboxes are unusable for clicking and must not
// leak into verification loops.
func (r *Runtime) SampledSnapshot(ctx context.Context, call *SnapshotCall, sampled snapshot.SampledOptions) (*snapshot.Snapshot, error) {
	opts := r.resolveOptions(call)
	return snapshot.Sampled(ctx, r.backend, opts, sampled)
}

// BeginStep starts a new step: clears the previous step's state, advances
// the index, and emits step_start. Returns the new step id.
func (r *Runtime) BeginStep(goal string, stepIndex *int, emitTrace bool, preURL string) string {
	r.assertions = nil
	r.stepPreSnapshot = nil
	r.stepPreURL = ""
	r.stepGoal = goal
	r.lastAction = ""
	r.lastActionError = ""
	r.lastActionOutcome = ""
	r.lastActionDurationMS = 0
	r.lastActionSuccess = nil

	if stepIndex != nil {
		r.stepIndex = *stepIndex
	} else {
		r.stepIndex++
	}
	r.stepID = fmt.Sprintf("step-%d", r.stepIndex)

	if emitTrace {
		url := preURL
		if url == "" {
			url = r.cachedURL
		}
		r.tracer.EmitStepStart(r.stepID, r.stepIndex, goal, 0, url)
	}
	return r.stepID
}

func snapshotDigest(snap *snapshot.Snapshot) string {
	if snap == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(snap.URL + snap.Timestamp))
	return fmt.Sprintf("sha256:%x", sum)
}

// StepEndInfo carries the caller-supplied pieces of a step_end event; zero
// values are filled from runtime state.
type StepEndInfo struct {
	Action     string
	Success    *bool
	Error      string
	Outcome    string
	DurationMS int
	Attempt    int
	// VerifyPassed overrides the default "all required assertions passed".
	VerifyPassed  *bool
	VerifySignals map[string]any
	PostURL       string
	LLMData       map[string]any
}

// EndStep composes and emits the step_end event and returns its data
// payload.
func (r *Runtime) EndStep(ctx context.Context, info StepEndInfo) map[string]any {
	preSnap := r.stepPreSnapshot
	if preSnap == nil {
		preSnap = r.lastSnapshot
	}
	preURL := r.stepPreURL
	if preURL == "" && preSnap != nil {
		preURL = preSnap.URL
	}
	if preURL == "" {
		preURL = r.cachedURL
	}

	postURL := info.PostURL
	if postURL == "" {
		if url, err := r.GetURL(ctx); err == nil {
			postURL = url
		} else if r.lastSnapshot != nil {
			postURL = r.lastSnapshot.URL
		} else {
			postURL = r.cachedURL
		}
	}
	if postURL == "" {
		postURL = preURL
	}

	urlChanged := preURL != "" && postURL != "" && preURL != postURL

	signals := map[string]any{}
	for k, v := range info.VerifySignals {
		signals[k] = v
	}
	if _, ok := signals["url_changed"]; !ok {
		signals["url_changed"] = urlChanged
	}
	if info.Error != "" {
		if _, ok := signals["error"]; !ok {
			signals["error"] = info.Error
		}
	}

	passed := r.RequiredAssertionsPassed()
	if info.VerifyPassed != nil {
		passed = *info.VerifyPassed
	}

	execSuccess := passed
	if info.Success != nil {
		execSuccess = *info.Success
	} else if r.lastActionSuccess != nil {
		execSuccess = *r.lastActionSuccess
	}

	action := info.Action
	if action == "" {
		action = r.lastAction
	}
	if action == "" {
		action = "unknown"
	}
	outcome := info.Outcome
	if outcome == "" {
		outcome = r.lastActionOutcome
	}
	durationMS := info.DurationMS
	if durationMS == 0 {
		durationMS = r.lastActionDurationMS
	}
	errMsg := info.Error
	if errMsg == "" {
		errMsg = r.lastActionError
	}

	assertions := make([]map[string]any, 0, len(r.assertions))
	for _, rec := range r.assertions {
		assertions = append(assertions, rec.toMap())
	}

	data := trace.BuildStepEndEvent(trace.StepEnd{
		StepID:             r.stepID,
		StepIndex:          r.stepIndex,
		Goal:               r.stepGoal,
		Attempt:            info.Attempt,
		PreURL:             preURL,
		PostURL:            postURL,
		SnapshotDigest:     snapshotDigest(preSnap),
		PostSnapshotDigest: snapshotDigest(r.lastSnapshot),
		Exec: trace.ExecData{
			Success:    execSuccess,
			Action:     action,
			Outcome:    outcome,
			DurationMS: durationMS,
			Error:      errMsg,
		},
		Verify:     trace.VerifyData{Passed: passed, Signals: signals},
		Assertions: assertions,
		LLMData:    info.LLMData,
	})
	r.tracer.Emit(trace.EventStepEnd, data, r.stepID)
	return data
}

// Assert evaluates a predicate once against the current context, records the
// outcome in the step, and emits a verification event. A failed required
// assertion persists failure artifacts.
func (r *Runtime) Assert(ctx context.Context, p verify.Predicate, label string, required bool) bool {
	outcome := verify.Eval(p, r.assertCtx(ctx))
	r.recordOutcome(outcome, label, required, "assert", true, nil)
	if required && !outcome.Passed {
		r.persistFailureArtifacts("assert_failed:" + label)
	}
	return outcome.Passed
}

// Check builds an AssertionHandle without evaluating the predicate.
func (r *Runtime) Check(p verify.Predicate, label string, required bool) *AssertionHandle {
	return &AssertionHandle{runtime: r, predicate: p, label: label, required: required}
}

// AssertDone runs a required assertion that, when passing, marks the run's
// task as complete and emits a task_done verification event.
func (r *Runtime) AssertDone(ctx context.Context, p verify.Predicate, label string) bool {
	ok := r.Assert(ctx, p, label, true)
	if ok {
		r.taskDone = true
		r.taskDoneLabel = label
		r.tracer.Emit(trace.EventVerification, map[string]any{
			"kind":   "task_done",
			"passed": true,
			"label":  label,
		}, r.stepID)
	}
	return ok
}

// recordOutcome emits a verification event and optionally accumulates the
// record for step_end.
func (r *Runtime) recordOutcome(outcome verify.AssertOutcome, label string, required bool, kind string, recordInStep bool, extra map[string]any) {
	details := map[string]any{}
	for k, v := range outcome.Details {
		details[k] = v
	}

	// Failure intelligence: nearest matches for selector-driven assertions.
	if !outcome.Passed && r.lastSnapshot != nil {
		if selRaw, ok := details["selector"]; ok {
			if _, present := details["nearest_matches"]; !present {
				sel, _ := selRaw.(string)
				if matches := r.nearestMatches(sel, 3); len(matches) > 0 {
					details["nearest_matches"] = matches
				}
			}
		}
	}

	record := AssertionRecord{
		Label:    label,
		Passed:   outcome.Passed,
		Required: required,
		Reason:   outcome.Reason,
		Details:  details,
		Kind:     kind,
		Extra:    extra,
	}
	if recordInStep {
		r.assertions = append(r.assertions, record)
	}

	data := map[string]any{
		"kind":     kind,
		"passed":   outcome.Passed,
		"label":    label,
		"required": required,
		"reason":   outcome.Reason,
		"details":  details,
	}
	for k, v := range extra {
		data[k] = v
	}
	r.tracer.Emit(trace.EventVerification, data, r.stepID)
}

// nearestMatches scores snapshot elements against a failed selector by text
// similarity, for debugging assertion failures.
func (r *Runtime) nearestMatches(selector string, limit int) []map[string]any {
	if r.lastSnapshot == nil {
		return nil
	}
	needle := strings.ToLower(strings.TrimSpace(selector))
	if needle == "" {
		return nil
	}

	type scored struct {
		score float64
		el    *snapshot.Element
	}
	var candidates []scored
	for i := range r.lastSnapshot.Elements {
		el := &r.lastSnapshot.Elements[i]
		hay := strings.TrimSpace(el.Name)
		if hay == "" {
			hay = strings.TrimSpace(el.Text)
		}
		if hay == "" {
			continue
		}
		candidates = append(candidates, scored{score: similarityRatio(needle, strings.ToLower(hay)), el: el})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	var out []map[string]any
	for i := 0; i < len(candidates) && i < limit; i++ {
		c := candidates[i]
		out = append(out, map[string]any{
			"id":    c.el.ID,
			"role":  c.el.Role,
			"text":  truncate(c.el.Text, 80),
			"name":  truncate(c.el.Name, 80),
			"score": float64(int(c.score*10000)) / 10000,
		})
	}
	return out
}

// similarityRatio approximates difflib's ratio: 2*matches/total using the
// longest-common-subsequence length over bytes.
func similarityRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	lcs := prev[len(b)]
	return 2 * float64(lcs) / float64(len(a)+len(b))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Assertions returns a copy of the assertions accumulated in the current
// step.
func (r *Runtime) Assertions() []AssertionRecord {
	out := make([]AssertionRecord, len(r.assertions))
	copy(out, r.assertions)
	return out
}

// FlushAssertions returns and clears the current step's assertions.
func (r *Runtime) FlushAssertions() []AssertionRecord {
	out := r.Assertions()
	r.assertions = nil
	return out
}

// IsTaskDone reports whether AssertDone has marked the task complete.
func (r *Runtime) IsTaskDone() bool { return r.taskDone }

// TaskDoneLabel returns the label of the passing AssertDone assertion.
func (r *Runtime) TaskDoneLabel() string { return r.taskDoneLabel }

// ResetTaskDone clears task-done state for multi-task runs.
func (r *Runtime) ResetTaskDone() {
	r.taskDone = false
	r.taskDoneLabel = ""
}

// AllAssertionsPassed reports whether every assertion in the current step
// passed (vacuously true when none).
func (r *Runtime) AllAssertionsPassed() bool {
	for _, a := range r.assertions {
		if !a.Passed {
			return false
		}
	}
	return true
}

// RequiredAssertionsPassed reports whether every required assertion in the
// current step passed (vacuously true when none).
func (r *Runtime) RequiredAssertionsPassed() bool {
	for _, a := range r.assertions {
		if a.Required && !a.Passed {
			return false
		}
	}
	return true
}

// SetLastActionResult records the outcome of the last executed action; the
// executor loop calls this so EndStep can default its exec block.
func (r *Runtime) SetLastActionResult(success bool, outcome, errMsg string, durationMS int) {
	r.lastActionSuccess = &success
	r.lastActionOutcome = outcome
	r.lastActionError = errMsg
	r.lastActionDurationMS = durationMS
}

// LastAction returns the most recently recorded action string.
func (r *Runtime) LastAction() string { return r.lastAction }

// LastActionError returns the error recorded for the last action, if any.
func (r *Runtime) LastActionError() string { return r.lastActionError }

// Capabilities reports what the attached backend supports.
func (r *Runtime) Capabilities() backend.Capabilities {
	caps := r.backend.Capabilities()
	caps.Tabs = backend.Tabs(r.backend) != nil
	caps.Downloads = backend.DownloadsOf(r.backend) != nil
	caps.Permissions = backend.PermissionsOf(r.backend) != nil
	return caps
}

// Can reports a single capability by name.
func (r *Runtime) Can(capability string) bool {
	caps := r.Capabilities()
	switch capability {
	case "tabs":
		return caps.Tabs
	case "evaluate_js":
		return caps.EvaluateJS
	case "downloads":
		return caps.Downloads
	case "filesystem_tools":
		return caps.FilesystemTools
	case "keyboard":
		return caps.Keyboard
	case "permissions":
		return caps.Permissions
	}
	return false
}
