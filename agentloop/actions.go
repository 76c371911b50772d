// Package agentloop implements the executor loop: snapshot ramp, action
// proposal through an LLM, execution through the backend port, and
// verification through the runtime's assertion surface.
package agentloop

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ActionKind tags the closed set of executor actions.
type ActionKind string

const (
	ActionClick   ActionKind = "click"
	ActionType    ActionKind = "type"
	ActionPress   ActionKind = "press"
	ActionClickXY ActionKind = "click_xy"
	ActionFinish  ActionKind = "finish"
)

// Action is the parsed form of an executor proposal. The LLM emits strings
// like CLICK(12) or TYPE(3, "hello"); parsing is lenient and anything
// unrecognized degrades to Finish with a parse_error outcome.
type Action struct {
	Kind ActionKind
	// ID targets a snapshot element for Click and Type.
	ID int
	// Text is the payload for Type.
	Text string
	// Key is the key name for Press.
	Key string
	// X, Y are viewport coordinates for ClickXY.
	X, Y float64
	// Outcome annotates degenerate parses ("parse_error").
	Outcome string
	// Raw preserves the original proposal text.
	Raw string
}

// String renders the action in the executor wire format.
func (a Action) String() string {
	switch a.Kind {
	case ActionClick:
		return fmt.Sprintf("CLICK(%d)", a.ID)
	case ActionType:
		return fmt.Sprintf("TYPE(%d, %q)", a.ID, a.Text)
	case ActionPress:
		return fmt.Sprintf("PRESS('%s')", a.Key)
	case ActionClickXY:
		return fmt.Sprintf("CLICK_XY(%g, %g)", a.X, a.Y)
	default:
		return "FINISH()"
	}
}

var (
	clickRe   = regexp.MustCompile(`(?i)\bCLICK\(\s*(\d+)\s*\)`)
	typeRe    = regexp.MustCompile(`(?i)\bTYPE\(\s*(\d+)\s*,\s*(?:"((?:[^"\\]|\\.)*)"|'((?:[^'\\]|\\.)*)')\s*\)`)
	pressRe   = regexp.MustCompile(`(?i)\bPRESS\(\s*(?:"([^"]+)"|'([^']+)')\s*\)`)
	clickXYRe = regexp.MustCompile(`(?i)\bCLICK_XY\(\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*\)`)
	finishRe  = regexp.MustCompile(`(?i)\bFINISH\(\s*\)`)
)

func unescapeActionText(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\'`, `'`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

// ParseAction parses an executor reply into an Action. CLICK_XY is checked
// before CLICK so the substring "CLICK" inside it cannot mis-parse.
func ParseAction(reply string) Action {
	raw := strings.TrimSpace(reply)

	if m := clickXYRe.FindStringSubmatch(raw); m != nil {
		x, _ := strconv.ParseFloat(m[1], 64)
		y, _ := strconv.ParseFloat(m[2], 64)
		return Action{Kind: ActionClickXY, X: x, Y: y, Raw: raw}
	}
	if m := typeRe.FindStringSubmatch(raw); m != nil {
		id, _ := strconv.Atoi(m[1])
		text := m[2]
		if text == "" {
			text = m[3]
		}
		return Action{Kind: ActionType, ID: id, Text: unescapeActionText(text), Raw: raw}
	}
	if m := clickRe.FindStringSubmatch(raw); m != nil {
		id, _ := strconv.Atoi(m[1])
		return Action{Kind: ActionClick, ID: id, Raw: raw}
	}
	if m := pressRe.FindStringSubmatch(raw); m != nil {
		key := m[1]
		if key == "" {
			key = m[2]
		}
		return Action{Kind: ActionPress, Key: key, Raw: raw}
	}
	if finishRe.MatchString(raw) {
		return Action{Kind: ActionFinish, Raw: raw}
	}
	return Action{Kind: ActionFinish, Outcome: "parse_error", Raw: raw}
}
