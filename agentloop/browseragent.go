package agentloop

import (
	"context"
	"fmt"
	"strings"

	predicate "github.com/predicatelabs/predicate-go"
	"github.com/predicatelabs/predicate-go/captcha"
	"github.com/predicatelabs/predicate-go/llm"
)

// BrowserAgentConfig holds the operational knobs of the high-level agent.
type BrowserAgentConfig struct {
	// HistoryLastN bounds the LLM-facing step history; 0 disables it for
	// the lowest token usage.
	HistoryLastN int

	// MaxVisionCalls caps vision-executor usage across the run; 0 means
	// unlimited when vision is enabled.
	MaxVisionCalls int

	// Captcha, when non-nil, is applied to the runtime at construction.
	Captcha *captcha.Options

	PromptBuilder PromptBuilder
}

// StepOutcome summarizes one executed step.
type StepOutcome struct {
	StepGoal   string
	OK         bool
	UsedVision bool
	Err        error
}

// BrowserAgent is the snapshot-first, verification-first agent: a thin
// run-loop over RuntimeAgent with bounded prompt history and a run-level
// vision budget.
type BrowserAgent struct {
	runtime *predicate.Runtime
	runner  *RuntimeAgent
	config  BrowserAgentConfig

	history         []string
	visionCallsUsed int
}

// NewBrowserAgent wires the runtime, executor and optional vision providers
// into a run-loop agent.
func NewBrowserAgent(rt *predicate.Runtime, executor, visionExecutor, visionVerifier llm.Provider, cfg BrowserAgentConfig) *BrowserAgent {
	a := &BrowserAgent{runtime: rt, config: cfg}
	a.runner = &RuntimeAgent{
		Runtime:        rt,
		Executor:       executor,
		VisionExecutor: visionExecutor,
		VisionVerifier: visionVerifier,
		PromptBuilder:  cfg.PromptBuilder,
		HistorySummary: a.historySummary,
	}
	if cfg.Captcha != nil {
		rt.SetCaptchaOptions(*cfg.Captcha)
	}
	return a
}

// Runner exposes the underlying RuntimeAgent for advanced tuning.
func (a *BrowserAgent) Runner() *RuntimeAgent { return a.runner }

func (a *BrowserAgent) historySummary() string {
	if a.config.HistoryLastN <= 0 || len(a.history) == 0 {
		return ""
	}
	items := a.history
	if len(items) > a.config.HistoryLastN {
		items = items[len(items)-a.config.HistoryLastN:]
	}
	var sb strings.Builder
	for _, s := range items {
		fmt.Fprintf(&sb, "- %s\n", s)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (a *BrowserAgent) recordHistory(stepGoal string, ok bool) {
	if a.config.HistoryLastN <= 0 {
		return
	}
	status := "ok"
	if !ok {
		status = "fail"
	}
	a.history = append(a.history, fmt.Sprintf("%s -> %s", stepGoal, status))
}

// Step runs one step, enforcing the run-level vision budget.
func (a *BrowserAgent) Step(ctx context.Context, taskGoal string, step *RuntimeStep, onStart, onEnd StepHook) StepOutcome {
	effective := *step
	budgetExhausted := a.config.MaxVisionCalls > 0 && a.visionCallsUsed >= a.config.MaxVisionCalls
	if budgetExhausted {
		effective.VisionExecutorEnabled = false
		effective.MaxVisionExecutorAttempts = 0
	}

	ok, err := a.runner.RunStep(ctx, taskGoal, &effective, onStart, onEnd)

	usedVision := false
	if effective.VisionExecutorEnabled && !ok &&
		a.runner.VisionExecutor != nil && a.runner.VisionExecutor.SupportsVision() {
		usedVision = true
		a.visionCallsUsed++
	}

	a.recordHistory(step.Goal, ok)
	return StepOutcome{StepGoal: step.Goal, OK: ok, UsedVision: usedVision, Err: err}
}

// Run executes the steps in order. stopOnFailure aborts at the first failed
// step.
func (a *BrowserAgent) Run(ctx context.Context, taskGoal string, steps []*RuntimeStep, stopOnFailure bool, onStart, onEnd StepHook) (bool, error) {
	for _, step := range steps {
		out := a.Step(ctx, taskGoal, step, onStart, onEnd)
		if out.Err != nil {
			return false, out.Err
		}
		if stopOnFailure && !out.OK {
			return false, nil
		}
	}
	return true, nil
}
