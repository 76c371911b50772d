package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/predicatelabs/predicate-go/backend"
)

// facilityReadyTimeout bounds polling for the in-page snapshot facility.
var facilityReadyTimeout = 5 * time.Second

const (
	facilityPollInterval = 100 * time.Millisecond

	// navRetryMax caps snapshot retries while a navigation is in flight.
	navRetryMax           = 10
	navSettleTimeout      = 10 * time.Second
	navRetryBackoffBase   = 250 * time.Millisecond
	navRetryBackoffCeil   = 1500 * time.Millisecond
	facilityReadyProbe    = "typeof window.predicate !== 'undefined' && typeof window.predicate.snapshot === 'function'"
	facilityDiagnosticsJS = `(() => ({
		facility_defined: typeof window.predicate !== 'undefined',
		snapshot_function: typeof window.predicate?.snapshot === 'function',
		url: window.location.href,
		extension_id: document.documentElement.dataset.predicateExtensionId || "",
		has_content_script: !!document.documentElement.dataset.predicateExtensionId
	}))()`
)

// Take produces a snapshot of the current page through the backend.
//
// It waits for the in-page snapshot facility, invokes it with the given
// options (retrying across in-flight navigations), optionally routes the raw
// result through the refinement service, and returns the parsed Snapshot.
func Take(ctx context.Context, b backend.Backend, opts *Options) (*Snapshot, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.UseAPI && opts.APIKey != "" {
		return takeViaAPI(ctx, b, opts)
	}
	return takeLocal(ctx, b, opts)
}

func takeLocal(ctx context.Context, b backend.Backend, opts *Options) (*Snapshot, error) {
	if err := waitForFacility(ctx, b, facilityReadyTimeout); err != nil {
		return nil, err
	}

	raw, err := invokeFacility(ctx, b, buildFacilityOptions(opts))
	if err != nil {
		return nil, err
	}

	snap, err := decodeSnapshot(raw)
	if err != nil {
		return nil, err
	}

	if opts.ShowOverlay && len(snap.Elements) > 0 {
		showOverlay(ctx, b, snap.Elements)
	}
	return snap, nil
}

func takeViaAPI(ctx context.Context, b backend.Backend, opts *Options) (*Snapshot, error) {
	if err := waitForFacility(ctx, b, facilityReadyTimeout); err != nil {
		return nil, err
	}

	// Raw collection always happens locally; the service only re-ranks.
	rawOpts := map[string]any{}
	if opts.Screenshot != nil {
		rawOpts["screenshot"] = opts.Screenshot
	}
	raw, err := invokeFacility(ctx, b, rawOpts)
	if err != nil {
		return nil, err
	}

	localSnap, err := decodeSnapshot(raw)
	if err != nil {
		return nil, err
	}

	refined, err := refineSnapshot(ctx, localSnap, opts)
	if err != nil {
		if gerr, ok := err.(*GatewayError); ok {
			// Structured gateway errors surface unchanged.
			return nil, gerr
		}
		// Transport-level failure: fall through to the raw local result.
		return localSnap, nil
	}

	// Server ranking replaces elements/diagnostics; the locally captured
	// screenshot is preserved.
	merged := *refined
	if merged.Screenshot == "" {
		merged.Screenshot = localSnap.Screenshot
		merged.ScreenshotFormat = localSnap.ScreenshotFormat
	}
	if merged.URL == "" {
		merged.URL = localSnap.URL
	}
	if merged.Viewport == nil {
		merged.Viewport = localSnap.Viewport
	}

	if opts.ShowOverlay && len(merged.Elements) > 0 {
		showOverlay(ctx, b, merged.Elements)
	}
	return &merged, nil
}

// waitForFacility polls until the in-page snapshot function exists.
func waitForFacility(ctx context.Context, b backend.Backend, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			diag := gatherFacilityDiagnostics(ctx, b)
			return &ExtensionNotLoadedError{
				TimeoutMS:   int(timeout / time.Millisecond),
				Diagnostics: diag,
			}
		}

		ready, err := b.Eval(ctx, facilityReadyProbe)
		if err == nil {
			if v, ok := ready.(bool); ok && v {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(facilityPollInterval):
		}
	}
}

func gatherFacilityDiagnostics(ctx context.Context, b backend.Backend) FacilityDiagnostics {
	v, err := b.Eval(ctx, facilityDiagnosticsJS)
	if err != nil {
		return FacilityDiagnostics{Error: fmt.Sprintf("could not gather diagnostics: %v", err)}
	}
	var diag FacilityDiagnostics
	if data, err := json.Marshal(v); err == nil {
		_ = json.Unmarshal(data, &diag)
	}
	return diag
}

// isExecutionContextDestroyed matches the error signatures drivers raise when
// a navigation tears down the page's execution context mid-eval.
func isExecutionContextDestroyed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution context was destroyed") ||
		strings.Contains(msg, "most likely because of a navigation") ||
		strings.Contains(msg, "cannot find context with specified id")
}

// evalWithNavigationRetry evaluates JS, waiting out in-flight navigations.
func evalWithNavigationRetry(ctx context.Context, b backend.Backend, expression string) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= navRetryMax; attempt++ {
		v, err := b.Eval(ctx, expression)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !isExecutionContextDestroyed(err) || attempt >= navRetryMax {
			return nil, err
		}
		// Navigation in flight; wait for the new document then retry.
		_ = b.WaitReadyState(ctx, backend.ReadyStateInteractive, navSettleTimeout)

		backoff := navRetryBackoffBase * time.Duration(attempt+1)
		if backoff > navRetryBackoffCeil {
			backoff = navRetryBackoffCeil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func invokeFacility(ctx context.Context, b backend.Backend, facilityOpts map[string]any) (any, error) {
	optsJSON, err := json.Marshal(facilityOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot options: %w", err)
	}
	expr := fmt.Sprintf(`(() => {
		const options = %s;
		return window.predicate.snapshot(options);
	})()`, optsJSON)

	raw, err := evalWithNavigationRetry(ctx, b, expr)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		url := ""
		if v, err := b.Eval(ctx, "window.location.href"); err == nil {
			url, _ = v.(string)
		}
		return nil, &NullResultError{URL: url}
	}
	return raw, nil
}

func buildFacilityOptions(opts *Options) map[string]any {
	out := map[string]any{}
	if opts.Screenshot != nil {
		out["screenshot"] = opts.Screenshot
	}
	if lim := opts.EffectiveLimit(); lim != DefaultLimit {
		out["limit"] = lim
	}
	if opts.Filter != nil {
		out["filter"] = opts.Filter
	}
	if opts.Goal != "" {
		out["goal"] = opts.Goal
	}
	return out
}

func showOverlay(ctx context.Context, b backend.Backend, elements []Element) {
	data, err := json.Marshal(elements)
	if err != nil {
		return
	}
	expr := fmt.Sprintf(`(() => {
		if (window.predicate && window.predicate.showOverlay) {
			window.predicate.showOverlay(%s, null);
		}
	})()`, data)
	_, _ = evalWithNavigationRetry(ctx, b, expr)
}

func decodeSnapshot(raw any) (*Snapshot, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot result: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot result: %w", err)
	}
	if snap.Timestamp == "" {
		snap.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return &snap, nil
}
