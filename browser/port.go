package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/predicatelabs/predicate-go/backend"
)

// The backend-port implementation. Everything the runtime needs goes through
// these methods; rod-specific surface stays inside this package.

// GetURL returns the current page URL.
func (b *Browser) GetURL(ctx context.Context) (string, error) {
	page, err := b.activePage()
	if err != nil {
		return "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", fmt.Errorf("failed to get page info: %w", err)
	}
	return info.URL, nil
}

// Eval evaluates a JavaScript expression in the active page and returns its
// JSON value.
func (b *Browser) Eval(ctx context.Context, code string) (any, error) {
	page, err := b.activePage()
	if err != nil {
		return nil, err
	}
	result, err := page.Context(ctx).Eval(code)
	if err != nil {
		return nil, err
	}
	return result.Value.Val(), nil
}

var readyStateOrder = map[string]int{
	backend.ReadyStateLoading:     0,
	backend.ReadyStateInteractive: 1,
	backend.ReadyStateComplete:    2,
}

// WaitReadyState polls document.readyState until it reaches at least the
// requested state or the timeout elapses.
func (b *Browser) WaitReadyState(ctx context.Context, state string, timeout time.Duration) error {
	want, ok := readyStateOrder[state]
	if !ok {
		return fmt.Errorf("unknown ready state %q", state)
	}
	deadline := time.Now().Add(timeout)
	for {
		v, err := b.Eval(ctx, "document.readyState")
		if err == nil {
			if got, ok := readyStateOrder[fmt.Sprint(v)]; ok && got >= want {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for ready state %q", state)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func rodButton(button backend.MouseButton) proto.InputMouseButton {
	switch button {
	case backend.MouseRight:
		return proto.InputMouseButtonRight
	case backend.MouseMiddle:
		return proto.InputMouseButtonMiddle
	default:
		return proto.InputMouseButtonLeft
	}
}

// MouseMove dispatches a mouse-move event.
func (b *Browser) MouseMove(ctx context.Context, x, y float64) error {
	page, err := b.activePage()
	if err != nil {
		return err
	}
	err = proto.InputDispatchMouseEvent{
		Type: proto.InputDispatchMouseEventTypeMouseMoved,
		X:    x,
		Y:    y,
	}.Call(page)
	if err != nil {
		return fmt.Errorf("failed to move mouse: %w", err)
	}
	return nil
}

// MouseClick dispatches press and release events at the coordinates.
func (b *Browser) MouseClick(ctx context.Context, x, y float64, button backend.MouseButton, clickCount int) error {
	page, err := b.activePage()
	if err != nil {
		return err
	}
	if clickCount <= 0 {
		clickCount = 1
	}
	btn := rodButton(button)

	err = proto.InputDispatchMouseEvent{
		Type:       proto.InputDispatchMouseEventTypeMousePressed,
		X:          x,
		Y:          y,
		Button:     btn,
		ClickCount: clickCount,
	}.Call(page)
	if err != nil {
		return fmt.Errorf("failed to press mouse: %w", err)
	}

	err = proto.InputDispatchMouseEvent{
		Type:       proto.InputDispatchMouseEventTypeMouseReleased,
		X:          x,
		Y:          y,
		Button:     btn,
		ClickCount: clickCount,
	}.Call(page)
	if err != nil {
		return fmt.Errorf("failed to release mouse: %w", err)
	}
	return nil
}

// Wheel dispatches a wheel event; nil x/y use the viewport center.
func (b *Browser) Wheel(ctx context.Context, deltaY float64, x, y *float64) error {
	page, err := b.activePage()
	if err != nil {
		return err
	}

	px := float64(b.config.Viewport.Width) / 2
	py := float64(b.config.Viewport.Height) / 2
	if x != nil {
		px = *x
	}
	if y != nil {
		py = *y
	}

	err = proto.InputDispatchMouseEvent{
		Type:   proto.InputDispatchMouseEventTypeMouseWheel,
		X:      px,
		Y:      py,
		DeltaX: 0,
		DeltaY: deltaY,
	}.Call(page)
	if err != nil {
		return fmt.Errorf("failed to dispatch wheel: %w", err)
	}
	return nil
}

// TypeText types into the currently focused element.
func (b *Browser) TypeText(ctx context.Context, text string) error {
	page, err := b.activePage()
	if err != nil {
		return err
	}
	return page.InsertText(text)
}

// namedKeys maps executor key names onto CDP key definitions.
var namedKeys = map[string]input.Key{
	"enter":     input.Enter,
	"tab":       input.Tab,
	"escape":    input.Escape,
	"backspace": input.Backspace,
	"delete":    input.Delete,
	"arrowup":   input.ArrowUp,
	"arrowdown": input.ArrowDown,
	"arrowleft": input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"pageup":    input.PageUp,
	"pagedown":  input.PageDown,
	"home":      input.Home,
	"end":       input.End,
	"space":     input.Space,
}

// PressKey presses a named key (Enter, Tab, Escape, ...).
func (b *Browser) PressKey(ctx context.Context, key string) error {
	page, err := b.activePage()
	if err != nil {
		return err
	}
	k, ok := namedKeys[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		// Single printable characters type directly.
		runes := []rune(key)
		if len(runes) == 1 {
			return page.InsertText(key)
		}
		return fmt.Errorf("press %q: %w", key, backend.ErrUnsupportedCapability)
	}
	return page.Keyboard.Press(k)
}

// ScreenshotPNG captures the viewport as PNG.
func (b *Browser) ScreenshotPNG(ctx context.Context) ([]byte, error) {
	page, err := b.activePage()
	if err != nil {
		return nil, err
	}
	// Viewport screenshot; full-page capture repeats fixed overlays.
	data, err := page.Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to take screenshot: %w", err)
	}
	return data, nil
}

// ScreenshotJPEG captures the viewport as JPEG; quality <= 0 means 80.
func (b *Browser) ScreenshotJPEG(ctx context.Context, quality int) ([]byte, error) {
	page, err := b.activePage()
	if err != nil {
		return nil, err
	}
	if quality <= 0 {
		quality = 80
	}
	q := quality
	data, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &q,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to take screenshot: %w", err)
	}
	return data, nil
}

// Capabilities reports the driver's capability record.
func (b *Browser) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Tabs:        true,
		EvaluateJS:  true,
		Downloads:   true,
		Keyboard:    true,
		Permissions: true,
	}
}
