package predicate

import (
	"context"

	"github.com/predicatelabs/predicate-go/backend"
)

// TabListResult is the outcome of ListTabs.
type TabListResult struct {
	OK    bool              `json:"ok"`
	Tabs  []backend.TabInfo `json:"tabs,omitempty"`
	Error string            `json:"error,omitempty"`
}

// TabOperationResult is the outcome of a single-tab operation.
type TabOperationResult struct {
	OK    bool             `json:"ok"`
	Tab   *backend.TabInfo `json:"tab,omitempty"`
	Error string           `json:"error,omitempty"`
}

// ListTabs lists open tabs, failing fast when the backend lacks tab support.
func (r *Runtime) ListTabs(ctx context.Context) TabListResult {
	tb := backend.Tabs(r.backend)
	if tb == nil {
		return TabListResult{OK: false, Error: backend.ErrUnsupportedCapability.Error()}
	}
	tabs, err := tb.ListTabs(ctx)
	if err != nil {
		return TabListResult{OK: false, Error: err.Error()}
	}
	return TabListResult{OK: true, Tabs: tabs}
}

// OpenTab opens a new tab at the URL.
func (r *Runtime) OpenTab(ctx context.Context, url string) TabOperationResult {
	tb := backend.Tabs(r.backend)
	if tb == nil {
		return TabOperationResult{OK: false, Error: backend.ErrUnsupportedCapability.Error()}
	}
	tab, err := tb.OpenTab(ctx, url)
	if err != nil {
		return TabOperationResult{OK: false, Error: err.Error()}
	}
	return TabOperationResult{OK: true, Tab: &tab}
}

// SwitchTab activates the tab with the given id.
func (r *Runtime) SwitchTab(ctx context.Context, tabID string) TabOperationResult {
	tb := backend.Tabs(r.backend)
	if tb == nil {
		return TabOperationResult{OK: false, Error: backend.ErrUnsupportedCapability.Error()}
	}
	tab, err := tb.SwitchTab(ctx, tabID)
	if err != nil {
		return TabOperationResult{OK: false, Error: err.Error()}
	}
	return TabOperationResult{OK: true, Tab: &tab}
}

// CloseTab closes the tab with the given id.
func (r *Runtime) CloseTab(ctx context.Context, tabID string) TabOperationResult {
	tb := backend.Tabs(r.backend)
	if tb == nil {
		return TabOperationResult{OK: false, Error: backend.ErrUnsupportedCapability.Error()}
	}
	tab, err := tb.CloseTab(ctx, tabID)
	if err != nil {
		return TabOperationResult{OK: false, Error: err.Error()}
	}
	return TabOperationResult{OK: true, Tab: &tab}
}
