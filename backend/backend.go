// Package backend defines the narrow browser-control port the runtime
// consumes. Implementations adapt a real driver (see the browser package) or
// a test double to this contract; the core never reaches past it.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupportedCapability is returned when an operation requires a
// capability the backend does not provide.
var ErrUnsupportedCapability = errors.New("unsupported_capability")

// Document ready states accepted by WaitReadyState.
const (
	ReadyStateLoading     = "loading"
	ReadyStateInteractive = "interactive"
	ReadyStateComplete    = "complete"
)

// MouseButton identifies the button for click events.
type MouseButton string

const (
	MouseLeft   MouseButton = "left"
	MouseRight  MouseButton = "right"
	MouseMiddle MouseButton = "middle"
)

// Capabilities is the explicit capability record a backend reports. The
// optional tab, download and permission interfaces are discovered with
// Tabs, DownloadsOf and PermissionsOf; operations that need a missing
// capability fail fast with ErrUnsupportedCapability.
type Capabilities struct {
	Tabs            bool `json:"tabs"`
	EvaluateJS      bool `json:"evaluate_js"`
	Downloads       bool `json:"downloads"`
	FilesystemTools bool `json:"filesystem_tools"`
	Keyboard        bool `json:"keyboard"`
	Permissions     bool `json:"permissions"`
}

// TabInfo describes one browser tab.
type TabInfo struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// DownloadRecord describes one completed download, consulted by the
// downloads predicates.
type DownloadRecord struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	FilePath string `json:"file_path"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
}

// Backend is the capability set the core consumes from a browser driver.
type Backend interface {
	// GetURL returns the current page URL.
	GetURL(ctx context.Context) (string, error)

	// Eval evaluates a JavaScript expression and returns its
	// JSON-serializable value.
	Eval(ctx context.Context, code string) (any, error)

	// WaitReadyState blocks until document.readyState reaches at least the
	// given state or the timeout elapses.
	WaitReadyState(ctx context.Context, state string, timeout time.Duration) error

	MouseMove(ctx context.Context, x, y float64) error
	MouseClick(ctx context.Context, x, y float64, button MouseButton, clickCount int) error

	// Wheel dispatches a wheel event. x/y position the event; nil means the
	// viewport center.
	Wheel(ctx context.Context, deltaY float64, x, y *float64) error

	// TypeText types into the currently focused element.
	TypeText(ctx context.Context, text string) error

	ScreenshotPNG(ctx context.Context) ([]byte, error)
	// ScreenshotJPEG captures a JPEG; quality <= 0 uses the driver default.
	ScreenshotJPEG(ctx context.Context, quality int) ([]byte, error)

	// Capabilities reports what the backend supports.
	Capabilities() Capabilities
}

// KeyboardBackend is implemented by backends that can press named keys
// (Enter, Tab, Escape) in addition to typing text.
type KeyboardBackend interface {
	PressKey(ctx context.Context, key string) error
}

// KeyboardOf returns the backend's keyboard interface, or nil.
func KeyboardOf(b Backend) KeyboardBackend {
	if kb, ok := b.(KeyboardBackend); ok {
		return kb
	}
	return nil
}

// TabBackend is implemented by backends with multi-tab support.
type TabBackend interface {
	ListTabs(ctx context.Context) ([]TabInfo, error)
	OpenTab(ctx context.Context, url string) (TabInfo, error)
	SwitchTab(ctx context.Context, tabID string) (TabInfo, error)
	CloseTab(ctx context.Context, tabID string) (TabInfo, error)
}

// DownloadBackend is implemented by backends that track downloads.
type DownloadBackend interface {
	Downloads(ctx context.Context) ([]DownloadRecord, error)
}

// Geolocation is a coordinate override for permission-granting backends.
type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// PermissionBackend is implemented by backends that can manage page
// permissions.
type PermissionBackend interface {
	GrantPermissions(ctx context.Context, origin string, permissions []string) error
	ClearPermissions(ctx context.Context) error
	SetGeolocation(ctx context.Context, geo Geolocation) error
}

// Tabs returns the backend's tab interface, or nil when tabs are
// unsupported.
func Tabs(b Backend) TabBackend {
	if tb, ok := b.(TabBackend); ok {
		return tb
	}
	return nil
}

// DownloadsOf returns the backend's download interface, or nil.
func DownloadsOf(b Backend) DownloadBackend {
	if db, ok := b.(DownloadBackend); ok {
		return db
	}
	return nil
}

// PermissionsOf returns the backend's permission interface, or nil.
func PermissionsOf(b Backend) PermissionBackend {
	if pb, ok := b.(PermissionBackend); ok {
		return pb
	}
	return nil
}
