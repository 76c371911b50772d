package captcha

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/predicatelabs/predicate-go/llm"
)

// HumanHandoffSolver asks the runtime to wait while a person solves the
// challenge in a headed browser.
func HumanHandoffSolver(message string) Handler {
	return func(ctx context.Context, c Context) (Resolution, error) {
		if message == "" {
			message = "Waiting for a human to solve the challenge."
		}
		return Resolution{Action: ActionWaitUntilCleared, Message: message}, nil
	}
}

// ExternalSolver notifies an external system (webhook, queue, ticketing) and
// then waits for the page to clear. The notify hook owns all solver logic.
func ExternalSolver(notify func(ctx context.Context, c Context) error) Handler {
	return func(ctx context.Context, c Context) (Resolution, error) {
		if notify != nil {
			if err := notify(ctx, c); err != nil {
				return Resolution{}, fmt.Errorf("external solver notification failed: %w", err)
			}
		}
		return Resolution{Action: ActionWaitUntilCleared, Message: "External resolver notified."}, nil
	}
}

// VisionSolver asks a vision provider whether the challenge is actually
// interactive. It never acts on the page: a YES means wait for a human or an
// external system, a NO means the detection was a false positive and the run
// may continue after the wait loop re-checks.
func VisionSolver(provider llm.Provider, screenshotPNG func(ctx context.Context) ([]byte, error)) Handler {
	return func(ctx context.Context, c Context) (Resolution, error) {
		if provider == nil || !provider.SupportsVision() || screenshotPNG == nil {
			return Resolution{Action: ActionAbort, Message: "Vision solver requires a vision-capable provider."}, nil
		}
		png, err := screenshotPNG(ctx)
		if err != nil {
			return Resolution{}, fmt.Errorf("vision solver screenshot failed: %w", err)
		}
		resp, err := provider.GenerateWithImage(ctx,
			"You are a strict visual verifier. Answer only YES or NO.",
			"Does this page currently show an interactive CAPTCHA challenge that blocks further progress? Answer YES or NO.",
			base64.StdEncoding.EncodeToString(png),
			llm.GenerateOptions{Temperature: 0},
		)
		if err != nil {
			return Resolution{}, fmt.Errorf("vision solver generation failed: %w", err)
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(resp.Content)), "yes") {
			return Resolution{Action: ActionWaitUntilCleared, Message: "Vision verifier confirmed an interactive challenge."}, nil
		}
		return Resolution{Action: ActionWaitUntilCleared, Message: "Vision verifier saw no interactive challenge.", TimeoutMS: 5_000, PollMS: 1_000}, nil
	}
}
