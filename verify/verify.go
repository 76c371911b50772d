// Package verify provides the stateless predicate library evaluated against
// page snapshots, plus the minimal selector grammar the predicates share.
package verify

import (
	"fmt"

	"github.com/predicatelabs/predicate-go/backend"
	"github.com/predicatelabs/predicate-go/snapshot"
)

// AssertContext is the read-only state a predicate evaluates against.
type AssertContext struct {
	Snapshot  *snapshot.Snapshot
	URL       string
	StepID    string
	Downloads []backend.DownloadRecord
}

// AssertOutcome is a predicate verdict with structured details.
type AssertOutcome struct {
	Passed  bool           `json:"passed"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

// Predicate is a pure function from context to outcome. Predicates must not
// mutate the context and must be deterministic for a given context.
type Predicate func(ctx *AssertContext) AssertOutcome

// Eval runs a predicate, converting a panic into a failed outcome so
// predicate bugs never escape the verification loop.
func Eval(p Predicate, ctx *AssertContext) (outcome AssertOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = AssertOutcome{
				Passed:  false,
				Reason:  fmt.Sprintf("predicate panic: %v", r),
				Details: map[string]any{"panic": fmt.Sprint(r)},
			}
		}
	}()
	return p(ctx)
}

func fail(reason string, details map[string]any) AssertOutcome {
	return AssertOutcome{Passed: false, Reason: reason, Details: details}
}

func pass(details map[string]any) AssertOutcome {
	return AssertOutcome{Passed: true, Details: details}
}
