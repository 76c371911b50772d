// Package browser implements the backend port on top of go-rod, driving a
// real Chromium instance over CDP. It owns launching, tab management,
// navigation waits, input dispatch and screenshots.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// Viewport defines browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// Common viewport presets.
var (
	// DesktopViewport is a safe default that fits most laptop screens
	DesktopViewport = &Viewport{Width: 1280, Height: 800}
	// LargeDesktopViewport for full HD displays
	LargeDesktopViewport = &Viewport{Width: 1920, Height: 1080}
	// MobileViewport for mobile simulation
	MobileViewport = &Viewport{Width: 375, Height: 812}
)

// Config holds browser configuration.
type Config struct {
	// Headless runs the browser without a visible window.
	Headless bool

	// Viewport sets the browser viewport size. Defaults to DesktopViewport.
	Viewport *Viewport

	// ProfileName enables session persistence under ProfileDir. Empty uses
	// a temporary profile cleaned up on Close.
	ProfileName string

	// ProfileDir is the base directory for profiles. Defaults to
	// ~/.predicate/profiles.
	ProfileDir string

	// ExtensionDir loads an unpacked extension (the in-page snapshot
	// producer) at launch.
	ExtensionDir string

	// DownloadDir receives files saved via DownloadFile. Defaults to
	// ~/.predicate/downloads.
	DownloadDir string

	// Permissions applied at startup.
	Permissions *PermissionPolicy
}

// Browser wraps a rod browser for controlled automation with multi-tab
// support. It implements the backend port.
type Browser struct {
	rod      *rod.Browser
	launcher *launcher.Launcher
	config   Config

	pages       map[string]*rod.Page
	activeTabID string

	downloads []downloadEntry

	mu sync.RWMutex
}

type downloadEntry struct {
	url      string
	filename string
	filePath string
	size     int64
	mimeType string
}

// Launch starts a Chromium instance and returns the connected Browser.
func Launch(ctx context.Context, cfg Config) (*Browser, error) {
	if cfg.Viewport == nil {
		cfg.Viewport = DesktopViewport
	}
	if cfg.ProfileDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.ProfileDir = filepath.Join(home, ".predicate", "profiles")
	}
	if cfg.DownloadDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DownloadDir = filepath.Join(home, ".predicate", "downloads")
	}

	l := launcher.New().
		// Anti-detection flags
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-infobars").
		Set("disable-dev-shm-usage").
		Set("no-first-run").
		Set("no-default-browser-check").
		// Media playback flags
		Set("autoplay-policy", "no-user-gesture-required").
		Set("enable-features", "NetworkService,NetworkServiceInProcess").
		// Additional anti-detection
		Set("disable-background-networking").
		Set("disable-client-side-phishing-detection").
		Set("disable-default-apps").
		Set("disable-hang-monitor").
		Set("disable-popup-blocking").
		Set("disable-prompt-on-repost").
		Set("disable-sync").
		Set("disable-translate").
		Set("metrics-recording-only").
		Set("safebrowsing-disable-auto-update").
		Set("window-size", fmt.Sprintf("%d,%d", cfg.Viewport.Width, cfg.Viewport.Height)).
		Headless(cfg.Headless)

	if cfg.ExtensionDir != "" {
		l = l.Set("load-extension", cfg.ExtensionDir)
	} else {
		l = l.Set("disable-extensions")
	}

	if cfg.ProfileName != "" {
		userDataDir := filepath.Join(cfg.ProfileDir, cfg.ProfileName)
		if err := os.MkdirAll(userDataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create profile directory: %w", err)
		}
		l = l.UserDataDir(userDataDir)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	rodBrowser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := rodBrowser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	b := &Browser{
		rod:      rodBrowser,
		launcher: l,
		config:   cfg,
		pages:    make(map[string]*rod.Page),
	}

	if cfg.Permissions != nil {
		if err := b.applyPermissionPolicy(ctx, cfg.Permissions); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to apply permission policy: %w", err)
		}
	}

	return b, nil
}

// New wraps an already-connected rod browser.
func New(rodBrowser *rod.Browser, cfg Config) *Browser {
	if cfg.Viewport == nil {
		cfg.Viewport = DesktopViewport
	}
	return &Browser{
		rod:    rodBrowser,
		config: cfg,
		pages:  make(map[string]*rod.Page),
	}
}

// waitForStableWithTimeout waits for the page to stabilize with an overall
// timeout, so pages with continuous animation or video can't block forever.
func waitForStableWithTimeout(page *rod.Page, stabilityDuration, maxWait time.Duration) {
	if page == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = page.WaitStable(stabilityDuration)
	}()
	select {
	case <-done:
	case <-time.After(maxWait):
		// Page may still be loading or animating; continue anyway.
	}
}

// Navigate navigates to the specified URL, creating the first tab if
// needed, and waits for the page to settle.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	b.mu.Lock()
	page := b.getActivePageLocked()
	if page == nil {
		tabID, err := b.createTabLocked(url)
		if err != nil {
			b.mu.Unlock()
			return err
		}
		page = b.pages[tabID]
	} else {
		if err := page.Navigate(url); err != nil {
			b.mu.Unlock()
			return fmt.Errorf("failed to navigate: %w", err)
		}
	}
	b.mu.Unlock()

	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed to wait for page load: %w", err)
	}
	waitForStableWithTimeout(page, 300*time.Millisecond, 5*time.Second)
	return nil
}

// createTabLocked creates a new tab (must hold lock).
func (b *Browser) createTabLocked(url string) (string, error) {
	page, err := b.rod.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return "", fmt.Errorf("failed to create page: %w", err)
	}

	if b.config.Viewport != nil {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             b.config.Viewport.Width,
			Height:            b.config.Viewport.Height,
			DeviceScaleFactor: 1.0,
			Mobile:            false,
		})
		if err != nil {
			return "", fmt.Errorf("failed to set viewport: %w", err)
		}
	}

	tabID := uuid.New().String()[:8]
	b.pages[tabID] = page
	b.activeTabID = tabID
	return tabID, nil
}

func (b *Browser) getActivePageLocked() *rod.Page {
	if b.activeTabID != "" {
		if page, ok := b.pages[b.activeTabID]; ok {
			return page
		}
	}
	return nil
}

// Page returns the active rod page for low-level access.
func (b *Browser) Page() *rod.Page {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.getActivePageLocked()
}

// activePage returns the active page or an error when none exists.
func (b *Browser) activePage() (*rod.Page, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	page := b.getActivePageLocked()
	if page == nil {
		return nil, fmt.Errorf("no active page")
	}
	return page, nil
}

// Title returns the current page title.
func (b *Browser) Title() string {
	page, err := b.activePage()
	if err != nil {
		return ""
	}
	info, err := page.Info()
	if err != nil {
		return ""
	}
	return info.Title
}

// Close closes all tabs and the browser. Temporary profiles are cleaned up.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tabID, page := range b.pages {
		if page != nil {
			page.Close()
		}
		delete(b.pages, tabID)
	}
	b.activeTabID = ""

	var err error
	if b.rod != nil {
		err = b.rod.Close()
		b.rod = nil
	}
	if b.launcher != nil && b.config.ProfileName == "" {
		b.launcher.Cleanup()
	}
	return err
}
