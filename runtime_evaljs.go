package predicate

import (
	"context"
	"encoding/json"
	"fmt"
)

// EvaluateJSRequest is a bounded JS evaluation request.
type EvaluateJSRequest struct {
	Code string `json:"code"`
	// MaxOutputChars caps the stringified output; zero means 4000.
	MaxOutputChars int `json:"max_output_chars,omitempty"`
	// Truncate enables output capping. Nil means true.
	Truncate *bool `json:"truncate,omitempty"`
}

// EvaluateJSResult is the normalized evaluation result.
type EvaluateJSResult struct {
	OK        bool   `json:"ok"`
	Value     any    `json:"value,omitempty"`
	Text      string `json:"text,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EvaluateJS evaluates a JavaScript expression in the active backend and
// returns a normalized text rendering of the value. Backend errors become a
// failed result, not a Go error.
func (r *Runtime) EvaluateJS(ctx context.Context, req EvaluateJSRequest) (EvaluateJSResult, error) {
	value, err := r.backend.Eval(ctx, req.Code)
	if err != nil {
		return EvaluateJSResult{OK: false, Error: err.Error()}, nil
	}

	text := stringifyEvalValue(value)
	maxChars := req.MaxOutputChars
	if maxChars <= 0 {
		maxChars = 4000
	}
	truncated := false
	if (req.Truncate == nil || *req.Truncate) && len(text) > maxChars {
		text = text[:maxChars] + "..."
		truncated = true
	}

	return EvaluateJSResult{OK: true, Value: value, Text: text, Truncated: truncated}, nil
}

func stringifyEvalValue(value any) string {
	if value == nil {
		return "null"
	}
	switch value.(type) {
	case map[string]any, []any:
		if data, err := json.Marshal(value); err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(value)
}
