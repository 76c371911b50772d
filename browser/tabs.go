package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/predicatelabs/predicate-go/backend"
)

// ListTabs returns information about all open tabs.
func (b *Browser) ListTabs(ctx context.Context) ([]backend.TabInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var tabs []backend.TabInfo
	for tabID, page := range b.pages {
		info, err := page.Info()
		if err != nil {
			continue
		}
		tabs = append(tabs, backend.TabInfo{ID: tabID, URL: info.URL, Title: info.Title})
	}
	return tabs, nil
}

// OpenTab opens a new browser tab with the specified URL and activates it.
func (b *Browser) OpenTab(ctx context.Context, url string) (backend.TabInfo, error) {
	b.mu.Lock()
	tabID, err := b.createTabLocked(url)
	if err != nil {
		b.mu.Unlock()
		return backend.TabInfo{}, err
	}
	page := b.pages[tabID]
	b.mu.Unlock()

	if err := page.WaitLoad(); err != nil {
		return backend.TabInfo{ID: tabID, URL: url}, fmt.Errorf("page load failed: %w", err)
	}
	waitForStableWithTimeout(page, 300*time.Millisecond, 5*time.Second)

	info, err := page.Info()
	if err != nil {
		return backend.TabInfo{ID: tabID, URL: url}, nil
	}
	return backend.TabInfo{ID: tabID, URL: info.URL, Title: info.Title}, nil
}

// SwitchTab switches to a different tab by its ID and brings it to front.
func (b *Browser) SwitchTab(ctx context.Context, tabID string) (backend.TabInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	page, ok := b.pages[tabID]
	if !ok {
		return backend.TabInfo{}, fmt.Errorf("tab %s not found", tabID)
	}
	b.activeTabID = tabID
	if _, err := page.Activate(); err != nil {
		return backend.TabInfo{}, fmt.Errorf("failed to activate tab: %w", err)
	}

	info, err := page.Info()
	if err != nil {
		return backend.TabInfo{ID: tabID}, nil
	}
	return backend.TabInfo{ID: tabID, URL: info.URL, Title: info.Title}, nil
}

// CloseTab closes a tab by its ID. The last remaining tab cannot be closed.
func (b *Browser) CloseTab(ctx context.Context, tabID string) (backend.TabInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	page, ok := b.pages[tabID]
	if !ok {
		return backend.TabInfo{}, fmt.Errorf("tab %s not found", tabID)
	}
	if len(b.pages) <= 1 {
		return backend.TabInfo{}, fmt.Errorf("cannot close the last tab")
	}

	info := backend.TabInfo{ID: tabID}
	if pageInfo, err := page.Info(); err == nil {
		info.URL = pageInfo.URL
		info.Title = pageInfo.Title
	}

	page.Close()
	delete(b.pages, tabID)

	if b.activeTabID == tabID {
		for newTabID, newPage := range b.pages {
			b.activeTabID = newTabID
			_, _ = newPage.Activate()
			break
		}
	}
	return info, nil
}
