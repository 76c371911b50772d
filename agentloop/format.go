package agentloop

import (
	"fmt"
	"strings"

	"github.com/predicatelabs/predicate-go/snapshot"
)

// FormatSnapshotForLLM renders a compact, line-per-element view of the
// snapshot for the executor prompt. maxElements <= 0 means all.
func FormatSnapshotForLLM(snap *snapshot.Snapshot, maxElements int) string {
	if snap == nil {
		return "(no snapshot)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", snap.URL)
	count := len(snap.Elements)
	if maxElements > 0 && count > maxElements {
		count = maxElements
	}
	for i := 0; i < count; i++ {
		el := &snap.Elements[i]
		fmt.Fprintf(&sb, "[%d] %s", el.ID, el.Role)
		if text := compactText(el.Text); text != "" {
			fmt.Fprintf(&sb, " %q", text)
		}
		if el.Name != "" && el.Name != el.Text {
			fmt.Fprintf(&sb, " name=%q", compactText(el.Name))
		}
		if el.Href != "" {
			fmt.Fprintf(&sb, " href=%s", truncateText(el.Href, 80))
		}
		if el.Value != nil {
			fmt.Fprintf(&sb, " value=%q", compactText(*el.Value))
		}
		if el.Disabled != nil && *el.Disabled {
			sb.WriteString(" disabled")
		}
		if el.Checked != nil {
			fmt.Fprintf(&sb, " checked=%v", *el.Checked)
		}
		if !el.InViewport {
			sb.WriteString(" offscreen")
		}
		sb.WriteByte('\n')
	}
	if count < len(snap.Elements) {
		fmt.Fprintf(&sb, "(%d more elements omitted)\n", len(snap.Elements)-count)
	}
	return sb.String()
}

func compactText(s string) string {
	return truncateText(strings.Join(strings.Fields(s), " "), 120)
}

func truncateText(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// executorSystemPrompt keeps the proposal surface minimal: one action per
// reply in the closed wire format.
const executorSystemPrompt = `You are a precise browser-automation executor.
You are given the current page's interactive elements and a goal.
Reply with EXACTLY ONE action and nothing else, in one of these forms:

CLICK(<element_id>)
TYPE(<element_id>, "<text>")
PRESS('<key>')
CLICK_XY(<x>, <y>)
FINISH()

Use FINISH() when the goal is already satisfied or no useful action exists.`

// BuildCompactPrompt assembles the default (system, user) prompt pair for a
// proposal. Callers can replace this wholesale via PromptBuilder.
func BuildCompactPrompt(taskGoal, stepGoal, domContext, historySummary string) (string, string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "TASK: %s\n", taskGoal)
	if historySummary != "" {
		fmt.Fprintf(&sb, "\nRECENT STEPS:\n%s\n", historySummary)
	}
	fmt.Fprintf(&sb, "\nSTEP: %s\n", stepGoal)
	fmt.Fprintf(&sb, "\nPAGE ELEMENTS:\n%s\n", domContext)
	sb.WriteString("\nNext action:")
	return executorSystemPrompt, sb.String()
}
