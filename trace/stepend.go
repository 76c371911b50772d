package trace

// ExecData summarizes action execution inside a step_end event.
type ExecData struct {
	Success    bool   `json:"success"`
	Action     string `json:"action"`
	Outcome    string `json:"outcome"`
	DurationMS int    `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// VerifyData summarizes verification inside a step_end event.
type VerifyData struct {
	Passed  bool           `json:"passed"`
	Signals map[string]any `json:"signals"`
}

// StepEnd collects everything that composes a step_end event.
type StepEnd struct {
	StepID              string
	StepIndex           int
	Goal                string
	Attempt             int
	PreURL              string
	PostURL             string
	SnapshotDigest      string
	PostSnapshotDigest  string
	Exec                ExecData
	Verify              VerifyData
	Assertions          []map[string]any
	LLMData             map[string]any
}

// BuildStepEndEvent assembles the step_end event data payload.
func BuildStepEndEvent(se StepEnd) map[string]any {
	execData := map[string]any{
		"success": se.Exec.Success,
		"action":  se.Exec.Action,
		"outcome": se.Exec.Outcome,
	}
	if se.Exec.DurationMS > 0 {
		execData["duration_ms"] = se.Exec.DurationMS
	}
	if se.Exec.Error != "" {
		execData["error"] = se.Exec.Error
	}

	signals := se.Verify.Signals
	if signals == nil {
		signals = map[string]any{}
	}

	llmData := se.LLMData
	if llmData == nil {
		llmData = map[string]any{}
	}

	assertions := se.Assertions
	if assertions == nil {
		assertions = []map[string]any{}
	}

	data := map[string]any{
		"step_id":    se.StepID,
		"step_index": se.StepIndex,
		"goal":       se.Goal,
		"attempt":    se.Attempt,
		"pre_url":    se.PreURL,
		"post_url":   se.PostURL,
		"exec":       execData,
		"verify": map[string]any{
			"passed":  se.Verify.Passed,
			"signals": signals,
		},
		"assertions": assertions,
		"llm":        llmData,
	}
	if se.SnapshotDigest != "" {
		data["snapshot_digest"] = se.SnapshotDigest
	}
	if se.PostSnapshotDigest != "" {
		data["post_snapshot_digest"] = se.PostSnapshotDigest
	}
	return data
}
