package agentloop

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	predicate "github.com/predicatelabs/predicate-go"
	"github.com/predicatelabs/predicate-go/backend"
	"github.com/predicatelabs/predicate-go/llm"
	"github.com/predicatelabs/predicate-go/snapshot"
	"github.com/predicatelabs/predicate-go/verify"
)

// StepVerification binds one predicate to the step's verification policy.
type StepVerification struct {
	Predicate verify.Predicate
	Label     string
	Required  bool

	// Eventually selects retrying evaluation; false evaluates once.
	Eventually bool
	TimeoutS   float64
	PollS      float64

	MinConfidence       *float64
	MaxSnapshotAttempts int
	LimitGrowth         *predicate.LimitGrowth
}

// RuntimeStep describes one observe-decide-act-verify cycle.
type RuntimeStep struct {
	Goal   string
	Intent string

	Verifications []StepVerification

	// Snapshot ramp: limit(k) = min(max, base + step*(k-1)).
	SnapshotLimitBase   int
	SnapshotLimitStep   int
	SnapshotLimitMax    int
	MaxSnapshotAttempts int

	// MinConfidence gates the ramp; nil accepts any snapshot.
	MinConfidence *float64
	// MinActionables is the minimum clickable-element count the ramp wants.
	MinActionables int

	VisionExecutorEnabled     bool
	MaxVisionExecutorAttempts int
}

func (s *RuntimeStep) limitForAttempt(attempt int) int {
	base := s.SnapshotLimitBase
	if base <= 0 {
		base = snapshot.DefaultLimit
	}
	step := s.SnapshotLimitStep
	if step <= 0 {
		step = base
	}
	max := s.SnapshotLimitMax
	if max <= 0 {
		max = 500
	}
	limit := base + step*(attempt-1)
	if limit > max {
		limit = max
	}
	return snapshot.ClampLimit(limit)
}

func (s *RuntimeStep) maxSnapshotAttempts() int {
	if s.MaxSnapshotAttempts <= 0 {
		return 3
	}
	return s.MaxSnapshotAttempts
}

// StepHookContext is passed to the step lifecycle hooks.
type StepHookContext struct {
	StepID    string
	StepIndex int
	Goal      string
	Success   bool
	Outcome   string
	Error     error
}

// StepHook observes step starts and ends.
type StepHook func(ctx context.Context, hook StepHookContext)

// PromptBuilder builds the (system, user) prompt pair for one proposal.
type PromptBuilder func(taskGoal, stepGoal, domContext string, snap *snapshot.Snapshot, historySummary string) (string, string)

// RuntimeAgent drives the executor loop over an AgentRuntime: snapshot ramp,
// LLM proposal, execution, settle, verification, and a bounded vision
// fallback when structured verification fails.
type RuntimeAgent struct {
	Runtime        *predicate.Runtime
	Executor       llm.Provider
	VisionExecutor llm.Provider
	// VisionVerifier is handed to Eventually as the assertion-level vision
	// fallback provider.
	VisionVerifier llm.Provider

	// ShortCircuitCanvas skips the structured executor when the page is a
	// canvas app with too few actionable elements.
	ShortCircuitCanvas bool

	// MaxPromptElements caps the element listing in proposals; zero means
	// 150.
	MaxPromptElements int

	// MaxPromptTokens trims the element listing to an estimated token
	// budget; zero disables trimming.
	MaxPromptTokens int

	// PromptBuilder overrides the default compact prompt.
	PromptBuilder PromptBuilder

	// HistorySummary supplies a bounded prior-step summary for prompts.
	HistorySummary func() string

	Logger *slog.Logger
}

func (a *RuntimeAgent) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

const settleTimeout = 5 * time.Second

// canvasProbeJS is bounded: it returns a count, never DOM content.
const canvasProbeJS = "document.querySelectorAll('canvas').length"

func actionableCount(snap *snapshot.Snapshot) int {
	if snap == nil {
		return 0
	}
	n := 0
	for i := range snap.Elements {
		if snap.Elements[i].VisualCues.IsClickable {
			n++
		}
	}
	return n
}

// RunStep executes one step and returns whether all required verifications
// passed. Backend errors during execution close the step as failed and
// persist failure artifacts; they are returned to the caller.
func (a *RuntimeAgent) RunStep(ctx context.Context, taskGoal string, step *RuntimeStep, onStart, onEnd StepHook) (bool, error) {
	rt := a.Runtime
	stepID := rt.BeginStep(step.Goal, nil, true, "")

	if onStart != nil {
		onStart(ctx, StepHookContext{StepID: stepID, StepIndex: rt.StepIndex(), Goal: step.Goal})
	}

	startedAt := time.Now()

	// Snapshot ramp: escalate the element limit until confidence and
	// actionable coverage are acceptable.
	var snap *snapshot.Snapshot
	for k := 1; k <= step.maxSnapshotAttempts(); k++ {
		s, err := rt.Snapshot(ctx, &predicate.SnapshotCall{Limit: step.limitForAttempt(k)})
		if err != nil {
			return a.failStep(ctx, step, onEnd, startedAt, "snapshot", err)
		}
		snap = s
		if a.rampAcceptable(step, s) {
			break
		}
	}

	useVision := false
	if a.ShortCircuitCanvas && actionableCount(snap) < step.MinActionables &&
		step.VisionExecutorEnabled && a.VisionExecutor != nil && a.VisionExecutor.SupportsVision() {
		if v, err := rt.Backend().Eval(ctx, canvasProbeJS); err == nil {
			if n, ok := evalInt(v); ok && n >= 1 {
				useVision = true
				a.logger().Debug("canvas short-circuit to vision executor", "step", stepID, "canvases", n)
			}
		}
	}

	// Propose and execute the first action.
	var action Action
	var err error
	if useVision {
		action, err = a.proposeVision(ctx, taskGoal, step)
	} else {
		action, err = a.proposeStructured(ctx, taskGoal, step, snap)
	}
	if err != nil {
		return a.failStep(ctx, step, onEnd, startedAt, "propose", err)
	}

	if err := a.execute(ctx, action); err != nil {
		return a.failStep(ctx, step, onEnd, startedAt, action.String(), err)
	}

	a.settle(ctx)

	verified := a.runVerifications(ctx, step)

	// Bounded vision fallback: re-propose with the vision executor when a
	// required verification failed.
	if !verified && step.VisionExecutorEnabled && a.VisionExecutor != nil && a.VisionExecutor.SupportsVision() {
		maxAttempts := step.MaxVisionExecutorAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		for attempt := 0; attempt < maxAttempts && !verified; attempt++ {
			visionAction, err := a.proposeVision(ctx, taskGoal, step)
			if err != nil {
				break
			}
			if err := a.execute(ctx, visionAction); err != nil {
				return a.failStep(ctx, step, onEnd, startedAt, visionAction.String(), err)
			}
			a.settle(ctx)
			verified = a.runVerifications(ctx, step)
			action = visionAction
		}
	}

	durationMS := int(time.Since(startedAt) / time.Millisecond)
	outcome := "ok"
	if action.Outcome != "" {
		outcome = action.Outcome
	}
	success := verified
	rt.SetLastActionResult(success, outcome, "", durationMS)
	rt.EndStep(ctx, predicate.StepEndInfo{
		Action:     action.String(),
		Success:    &success,
		Outcome:    outcome,
		DurationMS: durationMS,
		// The vision retry may have re-run a verification that first
		// failed; the loop's own verdict is authoritative for the step.
		VerifyPassed: &verified,
	})

	if onEnd != nil {
		onEnd(ctx, StepHookContext{
			StepID:    stepID,
			StepIndex: rt.StepIndex(),
			Goal:      step.Goal,
			Success:   success,
			Outcome:   outcome,
		})
	}
	return verified, nil
}

func (a *RuntimeAgent) failStep(ctx context.Context, step *RuntimeStep, onEnd StepHook, startedAt time.Time, action string, err error) (bool, error) {
	rt := a.Runtime
	durationMS := int(time.Since(startedAt) / time.Millisecond)
	rt.SetLastActionResult(false, "error", err.Error(), durationMS)
	success := false
	rt.EndStep(ctx, predicate.StepEndInfo{
		Action:     action,
		Success:    &success,
		Outcome:    "error",
		Error:      err.Error(),
		DurationMS: durationMS,
	})
	rt.PersistFailureArtifacts("step_error:" + action)
	if onEnd != nil {
		onEnd(ctx, StepHookContext{
			StepID:    rt.StepID(),
			StepIndex: rt.StepIndex(),
			Goal:      step.Goal,
			Success:   false,
			Outcome:   "error",
			Error:     err,
		})
	}
	return false, err
}

func (a *RuntimeAgent) rampAcceptable(step *RuntimeStep, snap *snapshot.Snapshot) bool {
	if step.MinConfidence != nil {
		conf, ok := snap.Confidence()
		if ok && conf < *step.MinConfidence {
			return false
		}
	}
	if step.MinActionables > 0 && actionableCount(snap) < step.MinActionables {
		return false
	}
	return true
}

func (a *RuntimeAgent) proposeStructured(ctx context.Context, taskGoal string, step *RuntimeStep, snap *snapshot.Snapshot) (Action, error) {
	maxElements := a.MaxPromptElements
	if maxElements <= 0 {
		maxElements = 150
	}
	domContext := FormatSnapshotForLLM(snap, maxElements)
	if a.MaxPromptTokens > 0 {
		domContext = trimToTokenBudget(domContext, a.MaxPromptTokens, TokenEstimator{})
	}

	history := ""
	if a.HistorySummary != nil {
		history = a.HistorySummary()
	}

	var system, user string
	if a.PromptBuilder != nil {
		system, user = a.PromptBuilder(taskGoal, step.Goal, domContext, snap, history)
	} else {
		system, user = BuildCompactPrompt(taskGoal, step.Goal, domContext, history)
	}

	resp, err := a.Executor.Generate(ctx, system, user, llm.GenerateOptions{Temperature: 0})
	if err != nil {
		return Action{}, fmt.Errorf("executor proposal failed: %w", err)
	}
	return ParseAction(resp.Content), nil
}

func (a *RuntimeAgent) proposeVision(ctx context.Context, taskGoal string, step *RuntimeStep) (Action, error) {
	png, err := a.Runtime.Backend().ScreenshotPNG(ctx)
	if err != nil {
		return Action{}, fmt.Errorf("vision screenshot failed: %w", err)
	}
	// Downscale before the vision call: full-viewport PNGs waste tokens.
	imageBytes, imgErr := llm.DownscaleForVision(png, 0, 0)
	if imgErr != nil {
		imageBytes = png
	}

	user := fmt.Sprintf("TASK: %s\n\nSTEP: %s\n\nLook at the screenshot and reply with exactly one action:\nCLICK_XY(<x>, <y>), TYPE(<element_id>, \"<text>\"), PRESS('<key>') or FINISH().", taskGoal, step.Goal)
	resp, err := a.VisionExecutor.GenerateWithImage(ctx, executorSystemPrompt, user, base64.StdEncoding.EncodeToString(imageBytes), llm.GenerateOptions{Temperature: 0})
	if err != nil {
		return Action{}, fmt.Errorf("vision executor proposal failed: %w", err)
	}
	return ParseAction(resp.Content), nil
}

// execute resolves and performs one action through the backend port,
// recording it in the artifact timeline.
func (a *RuntimeAgent) execute(ctx context.Context, action Action) error {
	rt := a.Runtime
	b := rt.Backend()

	url, _ := rt.GetURL(ctx)
	rt.RecordAction(ctx, action.String(), url)

	switch action.Kind {
	case ActionClick:
		el, ok := a.resolveElement(action.ID)
		if !ok {
			return fmt.Errorf("element %d not found in last snapshot", action.ID)
		}
		x, y := el.BBox.Center()
		if err := b.MouseMove(ctx, x, y); err != nil {
			return err
		}
		return b.MouseClick(ctx, x, y, backend.MouseLeft, 1)

	case ActionType:
		el, ok := a.resolveElement(action.ID)
		if !ok {
			return fmt.Errorf("element %d not found in last snapshot", action.ID)
		}
		x, y := el.BBox.Center()
		if err := b.MouseMove(ctx, x, y); err != nil {
			return err
		}
		if err := b.MouseClick(ctx, x, y, backend.MouseLeft, 1); err != nil {
			return err
		}
		return b.TypeText(ctx, action.Text)

	case ActionPress:
		if kb := backend.KeyboardOf(b); kb != nil {
			return kb.PressKey(ctx, action.Key)
		}
		return fmt.Errorf("press %q: %w", action.Key, backend.ErrUnsupportedCapability)

	case ActionClickXY:
		if err := b.MouseMove(ctx, action.X, action.Y); err != nil {
			return err
		}
		return b.MouseClick(ctx, action.X, action.Y, backend.MouseLeft, 1)

	case ActionFinish:
		return nil
	}
	return nil
}

func (a *RuntimeAgent) resolveElement(id int) (*snapshot.Element, bool) {
	snap := a.Runtime.LastSnapshot()
	if snap == nil {
		return nil, false
	}
	return snap.ElementByID(id)
}

func (a *RuntimeAgent) settle(ctx context.Context) {
	_ = a.Runtime.Backend().WaitReadyState(ctx, backend.ReadyStateInteractive, settleTimeout)
}

// runVerifications evaluates the step's verifications and returns whether
// every required one passed.
func (a *RuntimeAgent) runVerifications(ctx context.Context, step *RuntimeStep) bool {
	rt := a.Runtime
	allRequiredPassed := true
	for i := range step.Verifications {
		v := &step.Verifications[i]
		handle := rt.Check(v.Predicate, v.Label, v.Required)
		var ok bool
		if v.Eventually {
			ok = handle.Eventually(ctx, predicate.EventuallyOptions{
				TimeoutS:            v.TimeoutS,
				PollS:               v.PollS,
				PollSSet:            true,
				MinConfidence:       v.MinConfidence,
				MaxSnapshotAttempts: v.MaxSnapshotAttempts,
				LimitGrowth:         v.LimitGrowth,
				VisionProvider:      a.VisionVerifier,
			})
		} else {
			ok = handle.Once(ctx)
		}
		if v.Required && !ok {
			allRequiredPassed = false
		}
	}
	return allRequiredPassed
}

func evalInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
