package predicate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/predicatelabs/predicate-go/artifacts"
	"github.com/predicatelabs/predicate-go/captcha"
	"github.com/predicatelabs/predicate-go/snapshot"
	"github.com/predicatelabs/predicate-go/trace"
	"github.com/predicatelabs/predicate-go/verify"
)

func TestBeginStepIDsAndIndices(t *testing.T) {
	rt, sink := newTestRuntime(newFakeBackend())

	id0 := rt.BeginStep("first", nil, true, "")
	if id0 != "step-0" {
		t.Errorf("first step id = %s, want step-0", id0)
	}
	id1 := rt.BeginStep("second", nil, true, "")
	if id1 != "step-1" {
		t.Errorf("second step id = %s, want step-1", id1)
	}

	idx := 7
	id7 := rt.BeginStep("explicit", &idx, true, "")
	if id7 != "step-7" {
		t.Errorf("explicit step id = %s, want step-7", id7)
	}
	if rt.StepIndex() != 7 {
		t.Errorf("StepIndex = %d, want 7", rt.StepIndex())
	}

	starts := sink.EventsOfType(trace.EventStepStart)
	if len(starts) != 3 {
		t.Fatalf("step_start events = %d, want 3", len(starts))
	}
	if starts[2].Data["goal"] != "explicit" {
		t.Errorf("goal = %v", starts[2].Data["goal"])
	}
}

func TestBeginStepClearsPreviousState(t *testing.T) {
	rt, _ := newTestRuntime(newFakeBackend())
	ctx := context.Background()

	rt.BeginStep("one", nil, false, "")
	rt.Assert(ctx, verify.URLContains("nope"), "fails", false)
	if len(rt.Assertions()) != 1 {
		t.Fatal("assertion not accumulated")
	}

	rt.BeginStep("two", nil, false, "")
	if len(rt.Assertions()) != 0 {
		t.Error("BeginStep must clear assertions")
	}
}

func TestSnapshotSetsPreSnapshotAndLastSnapshot(t *testing.T) {
	b := newFakeBackend()
	b.queueSnapshot(snapMap(makeSnap("https://example.com/a", nil, buttonElement(1))))
	b.queueSnapshot(snapMap(makeSnap("https://example.com/b", nil, buttonElement(1))))

	rt, sink := newTestRuntime(b)
	ctx := context.Background()
	rt.BeginStep("go", nil, false, "")

	first, err := rt.Snapshot(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.URL != "https://example.com/a" {
		t.Errorf("first url = %s", first.URL)
	}
	second, err := rt.Snapshot(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rt.LastSnapshot() != second {
		t.Error("last snapshot should be the newest")
	}

	// The step's pre-snapshot stays the first one.
	rt.EndStep(ctx, StepEndInfo{})
	ends := sink.EventsOfType(trace.EventStepEnd)
	if len(ends) != 1 {
		t.Fatal("no step_end emitted")
	}
	if ends[0].Data["pre_url"] != "https://example.com/a" {
		t.Errorf("pre_url = %v, want first snapshot url", ends[0].Data["pre_url"])
	}
	if ends[0].Data["post_url"] != "https://example.com/b" {
		t.Errorf("post_url = %v", ends[0].Data["post_url"])
	}

	snaps := sink.EventsOfType(trace.EventSnapshot)
	if len(snaps) != 2 {
		t.Errorf("snapshot events = %d, want 2", len(snaps))
	}
}

func TestAssertRecordsOutcomeAndEmitsVerification(t *testing.T) {
	b := newFakeBackend()
	b.queueSnapshot(snapMap(makeSnap("https://example.com", nil, buttonElement(1))))
	rt, sink := newTestRuntime(b)
	ctx := context.Background()

	rt.BeginStep("verify", nil, false, "")
	if _, err := rt.Snapshot(ctx, nil); err != nil {
		t.Fatal(err)
	}

	if !rt.Assert(ctx, verify.Exists("role=button"), "has_button", false) {
		t.Error("assertion should pass")
	}
	if rt.Assert(ctx, verify.Exists("role=link"), "has_link", true) {
		t.Error("assertion should fail")
	}

	recs := rt.Assertions()
	if len(recs) != 2 {
		t.Fatalf("assertions = %d, want 2", len(recs))
	}
	if recs[0].Label != "has_button" || !recs[0].Passed {
		t.Errorf("first record wrong: %+v", recs[0])
	}
	if recs[1].Label != "has_link" || recs[1].Passed || !recs[1].Required {
		t.Errorf("second record wrong: %+v", recs[1])
	}

	if rt.RequiredAssertionsPassed() {
		t.Error("required assertion failed; RequiredAssertionsPassed must be false")
	}
	if rt.AllAssertionsPassed() {
		t.Error("AllAssertionsPassed must be false")
	}

	events := sink.EventsOfType(trace.EventVerification)
	if len(events) != 2 {
		t.Errorf("verification events = %d, want 2", len(events))
	}
}

func TestFailedSelectorAssertionIncludesNearestMatches(t *testing.T) {
	b := newFakeBackend()
	snap := makeSnap("https://example.com", nil, buttonElement(1))
	snap.Elements[0].Text = "Submit order"
	b.queueSnapshot(snapMap(snap))

	rt, _ := newTestRuntime(b)
	ctx := context.Background()
	rt.BeginStep("verify", nil, false, "")
	if _, err := rt.Snapshot(ctx, nil); err != nil {
		t.Fatal(err)
	}

	rt.Assert(ctx, verify.Exists("role=button text~'submit your order'"), "submit", false)
	recs := rt.Assertions()
	if len(recs) != 1 {
		t.Fatal("missing assertion record")
	}
	if _, ok := recs[0].Details["nearest_matches"]; !ok {
		t.Error("failed selector assertion should carry nearest_matches")
	}
}

func TestAssertDoneMarksTaskDone(t *testing.T) {
	b := newFakeBackend()
	b.queueSnapshot(snapMap(makeSnap("https://example.com/done", nil, buttonElement(1))))
	rt, sink := newTestRuntime(b)
	ctx := context.Background()

	rt.BeginStep("finish", nil, false, "")
	if _, err := rt.Snapshot(ctx, nil); err != nil {
		t.Fatal(err)
	}

	if !rt.AssertDone(ctx, verify.URLContains("/done"), "task_complete") {
		t.Fatal("AssertDone should pass")
	}
	if !rt.IsTaskDone() {
		t.Error("IsTaskDone should be true")
	}
	if rt.TaskDoneLabel() != "task_complete" {
		t.Errorf("TaskDoneLabel = %s", rt.TaskDoneLabel())
	}

	var taskDoneSeen bool
	for _, ev := range sink.EventsOfType(trace.EventVerification) {
		if ev.Data["kind"] == "task_done" {
			taskDoneSeen = true
		}
	}
	if !taskDoneSeen {
		t.Error("task_done verification event not emitted")
	}

	rt.ResetTaskDone()
	if rt.IsTaskDone() {
		t.Error("ResetTaskDone should clear the flag")
	}
}

func TestEndStepDigestsAndURLChanged(t *testing.T) {
	b := newFakeBackend()
	b.queueSnapshot(snapMap(makeSnap("https://example.com/a", nil, buttonElement(1))))
	rt, sink := newTestRuntime(b)
	ctx := context.Background()

	rt.BeginStep("step", nil, false, "")
	if _, err := rt.Snapshot(ctx, nil); err != nil {
		t.Fatal(err)
	}
	b.url = "https://example.com/b"

	data := rt.EndStep(ctx, StepEndInfo{Action: "CLICK(1)", DurationMS: 42})

	verifyData := data["verify"].(map[string]any)
	signals := verifyData["signals"].(map[string]any)
	if signals["url_changed"] != true {
		t.Error("url_changed should be true")
	}
	digest, _ := data["snapshot_digest"].(string)
	if !strings.HasPrefix(digest, "sha256:") {
		t.Errorf("snapshot_digest = %q", digest)
	}
	if len(sink.EventsOfType(trace.EventStepEnd)) != 1 {
		t.Error("step_end not emitted")
	}
}

func TestCaptchaAbortPolicy(t *testing.T) {
	b := newFakeBackend()
	snap := makeSnap("https://example.com", confPtr(0.9), buttonElement(1))
	snap.Diagnostics.Captcha = &snapshot.CaptchaDiagnostics{
		Detected:   true,
		Confidence: 0.9,
		Evidence: snapshot.CaptchaEvidence{
			IframeSrcHits: []string{"https://www.google.com/recaptcha/api2/anchor"},
		},
	}
	b.queueSnapshot(snapMap(snap))

	rt, sink := newTestRuntime(b)
	rt.SetCaptchaOptions(captcha.Options{Policy: captcha.PolicyAbort, MinConfidence: 0.7})

	_, err := rt.Snapshot(context.Background(), nil)
	if err == nil {
		t.Fatal("snapshot should abort on blocking captcha")
	}
	herr, ok := err.(*captcha.HandlingError)
	if !ok {
		t.Fatalf("error type = %T, want HandlingError", err)
	}
	if herr.ReasonCode() != "captcha_policy_abort" {
		t.Errorf("reason code = %s", herr.ReasonCode())
	}

	var detected, aborted bool
	for _, ev := range sink.EventsOfType(trace.EventVerification) {
		if ev.Data["kind"] != "captcha" {
			continue
		}
		switch ev.Data["label"] {
		case "captcha_detected":
			detected = true
		case "captcha_policy_abort":
			aborted = true
		}
	}
	if !detected || !aborted {
		t.Errorf("captcha events: detected=%v aborted=%v", detected, aborted)
	}
}

func TestCaptchaPassiveBadgeIsNonBlocking(t *testing.T) {
	b := newFakeBackend()
	snap := makeSnap("https://example.com", confPtr(0.9), buttonElement(1))
	snap.Diagnostics.Captcha = &snapshot.CaptchaDiagnostics{
		Detected:   true,
		Confidence: 0.9,
		Evidence: snapshot.CaptchaEvidence{
			SelectorHits: []string{"recaptcha-badge"},
		},
	}
	b.queueSnapshot(snapMap(snap))

	rt, _ := newTestRuntime(b)
	rt.SetCaptchaOptions(captcha.Options{Policy: captcha.PolicyAbort, MinConfidence: 0.7})

	got, err := rt.Snapshot(context.Background(), nil)
	if err != nil {
		t.Fatalf("passive badge must not block: %v", err)
	}
	if got.URL != "https://example.com" {
		t.Errorf("url = %s", got.URL)
	}
}

func blockingCaptchaSnap(url string) *snapshot.Snapshot {
	snap := makeSnap(url, confPtr(0.9), buttonElement(1))
	snap.Diagnostics.Captcha = &snapshot.CaptchaDiagnostics{
		Detected:   true,
		Confidence: 0.9,
		Evidence: snapshot.CaptchaEvidence{
			TextHits: []string{"verify you are human"},
		},
	}
	return snap
}

func TestCaptchaWaitUntilCleared(t *testing.T) {
	b := newFakeBackend()
	b.queueSnapshot(snapMap(blockingCaptchaSnap("https://example.com")))
	// The wait loop re-snapshots with detection suppressed; this one is
	// clean.
	b.queueSnapshot(snapMap(makeSnap("https://example.com", confPtr(0.9), buttonElement(1))))

	rt, sink := newTestRuntime(b)
	rt.SetCaptchaOptions(captcha.Options{
		Policy:        captcha.PolicyCallback,
		MinConfidence: 0.7,
		TimeoutMS:     2000,
		PollMS:        10,
		Handler: func(ctx context.Context, c captcha.Context) (captcha.Resolution, error) {
			return captcha.Resolution{Action: captcha.ActionWaitUntilCleared}, nil
		},
	})

	if _, err := rt.Snapshot(context.Background(), nil); err != nil {
		t.Fatalf("snapshot should resume after captcha clears: %v", err)
	}

	var cleared, resumed bool
	for _, ev := range sink.EventsOfType(trace.EventVerification) {
		switch ev.Data["label"] {
		case "captcha_cleared":
			cleared = true
		case "captcha_resumed":
			resumed = true
		}
	}
	if !cleared || !resumed {
		t.Errorf("captcha events: cleared=%v resumed=%v", cleared, resumed)
	}
}

func TestCaptchaRetryNewSessionExhausted(t *testing.T) {
	b := newFakeBackend()
	b.queueSnapshot(snapMap(blockingCaptchaSnap("https://example.com")))
	b.queueSnapshot(snapMap(blockingCaptchaSnap("https://example.com")))

	rt, _ := newTestRuntime(b)
	resets := 0
	rt.SetCaptchaOptions(captcha.Options{
		Policy:               captcha.PolicyCallback,
		MinConfidence:        0.7,
		MaxRetriesNewSession: 1,
		Handler: func(ctx context.Context, c captcha.Context) (captcha.Resolution, error) {
			return captcha.Resolution{Action: captcha.ActionRetryNewSession}, nil
		},
		ResetSession: func(ctx context.Context) error {
			resets++
			return nil
		},
	})

	ctx := context.Background()
	// First detection: reset and return for the caller to retry.
	if _, err := rt.Snapshot(ctx, nil); err != nil {
		t.Fatalf("first retry_new_session should not error: %v", err)
	}
	if resets != 1 {
		t.Errorf("resets = %d, want 1", resets)
	}

	// Second detection exceeds the budget.
	_, err := rt.Snapshot(ctx, nil)
	herr, ok := err.(*captcha.HandlingError)
	if !ok || herr.ReasonCode() != "captcha_retry_exhausted" {
		t.Errorf("err = %v, want captcha_retry_exhausted", err)
	}
}

func TestScrollByEffective(t *testing.T) {
	b := newFakeBackend()
	rt, _ := newTestRuntime(b)
	rt.BeginStep("scroll", nil, false, "")

	opts := DefaultScrollByOptions()
	opts.TimeoutS = 1
	opts.PollS = 0.01
	ok, err := rt.ScrollBy(context.Background(), 500, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("scroll should be effective")
	}

	recs := rt.Assertions()
	if len(recs) != 1 || recs[0].Kind != "scroll" || !recs[0].Passed {
		t.Fatalf("scroll assertion wrong: %+v", recs)
	}
	if recs[0].Details["js_fallback_used"] != false {
		t.Error("no fallback expected")
	}
}

func TestScrollByUsesJSFallbackWhenWheelInert(t *testing.T) {
	b := newFakeBackend()
	b.wheelMoves = false // wheel has no effect; JS fallback must kick in
	rt, _ := newTestRuntime(b)
	rt.BeginStep("scroll", nil, false, "")

	opts := DefaultScrollByOptions()
	opts.TimeoutS = 2
	opts.PollS = 0.01
	ok, err := rt.ScrollBy(context.Background(), 500, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("scroll should succeed via JS fallback")
	}
	recs := rt.Assertions()
	if recs[0].Details["js_fallback_used"] != true {
		t.Error("js_fallback_used should be true")
	}
}

func TestScrollByTimesOutWhenNothingMoves(t *testing.T) {
	b := newFakeBackend()
	b.wheelMoves = false
	rt, _ := newTestRuntime(b)
	rt.BeginStep("scroll", nil, false, "")

	opts := DefaultScrollByOptions()
	opts.TimeoutS = 0.05
	opts.PollS = 0.01
	opts.JSFallback = false
	opts.Required = false
	ok, err := rt.ScrollBy(context.Background(), 500, opts)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("scroll should time out")
	}
	recs := rt.Assertions()
	if len(recs) != 1 || recs[0].Passed {
		t.Fatalf("expected failed scroll assertion: %+v", recs)
	}
}

func TestEvaluateJSTruncation(t *testing.T) {
	b := newFakeBackend()
	rt, _ := newTestRuntime(b)

	// The fake returns the url string for this expression.
	b.url = strings.Repeat("x", 100)
	res, err := rt.EvaluateJS(context.Background(), EvaluateJSRequest{
		Code:           "window.location.href",
		MaxOutputChars: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("eval failed: %s", res.Error)
	}
	if !res.Truncated {
		t.Error("output should be truncated")
	}
	if len(res.Text) != 13 { // 10 chars + "..."
		t.Errorf("text length = %d", len(res.Text))
	}
}

func TestTabsUnsupportedCapability(t *testing.T) {
	rt, _ := newTestRuntime(newFakeBackend())
	res := rt.ListTabs(context.Background())
	if res.OK {
		t.Error("fake backend has no tabs; ListTabs must fail")
	}
	if res.Error != "unsupported_capability" {
		t.Errorf("error = %s, want unsupported_capability", res.Error)
	}
	if op := rt.OpenTab(context.Background(), "https://x"); op.OK || op.Error != "unsupported_capability" {
		t.Errorf("OpenTab = %+v", op)
	}
}

func TestCapabilitiesReflectOptionalInterfaces(t *testing.T) {
	rt, _ := newTestRuntime(newFakeBackend())
	caps := rt.Capabilities()
	if caps.Tabs || caps.Downloads || caps.Permissions {
		t.Errorf("fake backend over-reports: %+v", caps)
	}
	if !caps.EvaluateJS || !caps.Keyboard {
		t.Errorf("fake backend under-reports: %+v", caps)
	}
	if !rt.Can("evaluate_js") || rt.Can("tabs") {
		t.Error("Can() disagrees with Capabilities()")
	}
}

func TestFinalizeRunPersistsOnFailure(t *testing.T) {
	b := newFakeBackend()
	b.queueSnapshot(snapMap(makeSnap("https://example.com", nil, buttonElement(1))))
	rt, _ := newTestRuntime(b)
	ctx := context.Background()

	outDir := filepath.Join(t.TempDir(), "bundles")
	opts := artifacts.DefaultOptions()
	opts.OutputDir = outDir
	if err := rt.EnableFailureArtifacts(opts); err != nil {
		t.Fatal(err)
	}

	rt.BeginStep("act", nil, false, "")
	if _, err := rt.Snapshot(ctx, nil); err != nil {
		t.Fatal(err)
	}
	rt.RecordAction(ctx, "CLICK(1)", "https://example.com")

	rt.FinalizeRun(false)

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("bundles = %d, want 1", len(entries))
	}
	if _, err := os.Stat(filepath.Join(outDir, entries[0].Name(), "manifest.json")); err != nil {
		t.Error("manifest.json missing from bundle")
	}
}

func TestRequiredAssertFailurePersistsArtifacts(t *testing.T) {
	b := newFakeBackend()
	b.queueSnapshot(snapMap(makeSnap("https://example.com", nil, buttonElement(1))))
	rt, _ := newTestRuntime(b)
	ctx := context.Background()

	outDir := filepath.Join(t.TempDir(), "bundles")
	opts := artifacts.DefaultOptions()
	opts.OutputDir = outDir
	if err := rt.EnableFailureArtifacts(opts); err != nil {
		t.Fatal(err)
	}

	rt.BeginStep("verify", nil, false, "")
	if _, err := rt.Snapshot(ctx, nil); err != nil {
		t.Fatal(err)
	}
	rt.Assert(ctx, verify.Exists("role=link"), "missing_link", true)

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("required failure should persist exactly one bundle, got %d", len(entries))
	}
}
