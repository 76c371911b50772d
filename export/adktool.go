// Package export provides tools for using the verification runtime within
// other ADK applications. Each tool wraps one runtime operation so an ADK
// llmagent can snapshot, verify and finish a task against a live browser.
package export

import (
	"context"
	"sync"

	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"

	predicate "github.com/predicatelabs/predicate-go"
	"github.com/predicatelabs/predicate-go/agentloop"
	"github.com/predicatelabs/predicate-go/snapshot"
	"github.com/predicatelabs/predicate-go/verify"
)

// RuntimeToolset exposes an AgentRuntime as a set of ADK function tools.
type RuntimeToolset struct {
	runtime *predicate.Runtime
	mu      sync.Mutex
}

// NewRuntimeToolset wraps the runtime for ADK use.
func NewRuntimeToolset(rt *predicate.Runtime) *RuntimeToolset {
	return &RuntimeToolset{runtime: rt}
}

// SnapshotInput is the input for the page snapshot tool.
type SnapshotInput struct {
	Goal  string `json:"goal,omitempty" jsonschema:"Optional ranking hint describing what you are looking for"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum elements to return (1-500, default 50)"`
}

// SnapshotOutput is the output of the page snapshot tool.
type SnapshotOutput struct {
	Success    bool   `json:"success"`
	URL        string `json:"url,omitempty"`
	ElementMap string `json:"element_map,omitempty"`
	Error      string `json:"error,omitempty"`
}

// VerifyInput is the input for the verification tool.
type VerifyInput struct {
	Selector string  `json:"selector" jsonschema:"Element selector, e.g. role=button text~'continue'"`
	Label    string  `json:"label" jsonschema:"Human-readable label for this verification"`
	Required bool    `json:"required,omitempty" jsonschema:"Whether a failure should gate step success"`
	TimeoutS float64 `json:"timeout_s,omitempty" jsonschema:"Retry window in seconds (default 10)"`
}

// VerifyOutput is the output of the verification tool.
type VerifyOutput struct {
	Passed bool   `json:"passed"`
	Label  string `json:"label"`
	Error  string `json:"error,omitempty"`
}

// ScrollInput is the input for the verified scroll tool.
type ScrollInput struct {
	DeltaY float64 `json:"delta_y" jsonschema:"Pixels to scroll; negative scrolls up"`
}

// ScrollOutput is the output of the verified scroll tool.
type ScrollOutput struct {
	Effective bool   `json:"effective"`
	Error     string `json:"error,omitempty"`
}

// DoneInput is the input for the task-completion tool.
type DoneInput struct {
	Selector string `json:"selector" jsonschema:"Selector whose presence proves the task is complete"`
	Label    string `json:"label" jsonschema:"Label for the completion assertion"`
}

// DoneOutput is the output of the task-completion tool.
type DoneOutput struct {
	Done  bool   `json:"done"`
	Label string `json:"label"`
}

// Tools returns the ADK tools that can be added to other agents.
func (ts *RuntimeToolset) Tools() ([]tool.Tool, error) {
	var tools []tool.Tool

	snapshotHandler := func(ctx tool.Context, input SnapshotInput) (SnapshotOutput, error) {
		ts.mu.Lock()
		defer ts.mu.Unlock()

		bgCtx := context.Background()
		call := &predicate.SnapshotCall{Limit: input.Limit}
		if input.Goal != "" {
			call.Overrides = &snapshot.Options{Goal: input.Goal}
		}
		snap, err := ts.runtime.Snapshot(bgCtx, call)
		if err != nil {
			return SnapshotOutput{Success: false, Error: err.Error()}, nil
		}
		return SnapshotOutput{
			Success:    true,
			URL:        snap.URL,
			ElementMap: agentloop.FormatSnapshotForLLM(snap, 150),
		}, nil
	}
	snapshotTool, err := functiontool.New(
		functiontool.Config{
			Name:        "page_snapshot",
			Description: "Take a structured snapshot of the current page: URL plus an indexed list of interactive elements.",
		},
		snapshotHandler,
	)
	if err != nil {
		return nil, err
	}
	tools = append(tools, snapshotTool)

	verifyHandler := func(ctx tool.Context, input VerifyInput) (VerifyOutput, error) {
		ts.mu.Lock()
		defer ts.mu.Unlock()

		bgCtx := context.Background()
		handle := ts.runtime.Check(verify.Exists(input.Selector), input.Label, input.Required)
		passed := handle.Eventually(bgCtx, predicate.EventuallyOptions{TimeoutS: input.TimeoutS})
		return VerifyOutput{Passed: passed, Label: input.Label}, nil
	}
	verifyTool, err := functiontool.New(
		functiontool.Config{
			Name:        "verify_exists",
			Description: "Verify that an element matching a selector appears on the page, retrying until a timeout. Use after actions to confirm their effect.",
		},
		verifyHandler,
	)
	if err != nil {
		return nil, err
	}
	tools = append(tools, verifyTool)

	scrollHandler := func(ctx tool.Context, input ScrollInput) (ScrollOutput, error) {
		ts.mu.Lock()
		defer ts.mu.Unlock()

		bgCtx := context.Background()
		opts := predicate.DefaultScrollByOptions()
		opts.Required = false
		effective, err := ts.runtime.ScrollBy(bgCtx, input.DeltaY, opts)
		if err != nil {
			return ScrollOutput{Effective: false, Error: err.Error()}, nil
		}
		return ScrollOutput{Effective: effective}, nil
	}
	scrollTool, err := functiontool.New(
		functiontool.Config{
			Name:        "scroll_verified",
			Description: "Scroll the page and verify the scroll actually moved the viewport. Reports whether the scroll was effective.",
		},
		scrollHandler,
	)
	if err != nil {
		return nil, err
	}
	tools = append(tools, scrollTool)

	doneHandler := func(ctx tool.Context, input DoneInput) (DoneOutput, error) {
		ts.mu.Lock()
		defer ts.mu.Unlock()

		bgCtx := context.Background()
		done := ts.runtime.AssertDone(bgCtx, verify.Exists(input.Selector), input.Label)
		return DoneOutput{Done: done, Label: input.Label}, nil
	}
	doneTool, err := functiontool.New(
		functiontool.Config{
			Name:        "task_done",
			Description: "Assert that the task is complete by checking for a conclusive page element. Marks the run as done when it passes.",
		},
		doneHandler,
	)
	if err != nil {
		return nil, err
	}
	tools = append(tools, doneTool)

	return tools, nil
}
