package predicate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/predicatelabs/predicate-go/backend"
	"github.com/predicatelabs/predicate-go/snapshot"
	"github.com/predicatelabs/predicate-go/trace"
)

// fakeBackend implements the backend port against a scripted queue of
// snapshots. The real acquisition path runs: the facility probe and the
// in-page snapshot call both go through Eval.
type fakeBackend struct {
	mu sync.Mutex

	url         string
	snaps       []map[string]any
	lastSnap    map[string]any
	evalExprs   []string
	clicks      [][2]float64
	moves       [][2]float64
	typed       []string
	wheels      []float64
	scrollTop   float64
	wheelMoves  bool
	canvasCount int
	pngData     []byte
	evalErr     error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		url:        "https://example.com/start",
		wheelMoves: true,
		pngData:    []byte("\x89PNG fake"),
	}
}

// queueSnapshot appends a snapshot to the script.
func (f *fakeBackend) queueSnapshot(m map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, m)
}

func (f *fakeBackend) GetURL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *fakeBackend) Eval(ctx context.Context, code string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalExprs = append(f.evalExprs, code)

	if f.evalErr != nil {
		return nil, f.evalErr
	}

	switch {
	case strings.Contains(code, "typeof window.predicate"):
		return true, nil
	case strings.Contains(code, "window.predicate.snapshot"):
		if len(f.snaps) > 0 {
			f.lastSnap = f.snaps[0]
			f.snaps = f.snaps[1:]
		}
		if f.lastSnap == nil {
			return nil, nil
		}
		if u, ok := f.lastSnap["url"].(string); ok {
			f.url = u
		}
		return f.lastSnap, nil
	case strings.Contains(code, "scrollingElement"):
		return map[string]any{"top": f.scrollTop, "height": 4000.0, "client": 800.0}, nil
	case strings.Contains(code, "window.scrollBy"):
		var dy float64
		fmt.Sscanf(code, "window.scrollBy(0, %g)", &dy)
		f.scrollTop += dy
		return nil, nil
	case strings.Contains(code, "querySelectorAll('canvas')"):
		return float64(f.canvasCount), nil
	case strings.Contains(code, "window.location.href"):
		return f.url, nil
	}
	return nil, nil
}

func (f *fakeBackend) WaitReadyState(ctx context.Context, state string, timeout time.Duration) error {
	return nil
}

func (f *fakeBackend) MouseMove(ctx context.Context, x, y float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, [2]float64{x, y})
	return nil
}

func (f *fakeBackend) MouseClick(ctx context.Context, x, y float64, button backend.MouseButton, clickCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, [2]float64{x, y})
	return nil
}

func (f *fakeBackend) Wheel(ctx context.Context, deltaY float64, x, y *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wheels = append(f.wheels, deltaY)
	if f.wheelMoves {
		f.scrollTop += deltaY
	}
	return nil
}

func (f *fakeBackend) TypeText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed = append(f.typed, text)
	return nil
}

func (f *fakeBackend) ScreenshotPNG(ctx context.Context) ([]byte, error)          { return f.pngData, nil }
func (f *fakeBackend) ScreenshotJPEG(ctx context.Context, quality int) ([]byte, error) {
	return []byte("jpeg fake"), nil
}

func (f *fakeBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{EvaluateJS: true, Keyboard: true}
}

// snapMap renders a Snapshot into the raw map shape the in-page facility
// returns.
func snapMap(snap *snapshot.Snapshot) map[string]any {
	data, err := json.Marshal(snap)
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	return m
}

func makeSnap(url string, confidence *float64, elements ...snapshot.Element) *snapshot.Snapshot {
	snap := &snapshot.Snapshot{
		Status:    "success",
		URL:       url,
		Timestamp: "2025-01-01T00:00:00Z",
		Viewport:  &snapshot.Viewport{Width: 1280, Height: 720},
		Elements:  elements,
	}
	if confidence != nil {
		snap.Diagnostics = &snapshot.Diagnostics{Confidence: confidence}
	}
	return snap
}

func buttonElement(id int) snapshot.Element {
	return snapshot.Element{
		ID:         id,
		Role:       "button",
		Text:       "OK",
		Importance: 100,
		BBox:       snapshot.BBox{X: 10, Y: 20, Width: 100, Height: 40},
		VisualCues: snapshot.VisualCues{IsPrimary: true, IsClickable: true},
		InViewport: true,
	}
}

func confPtr(v float64) *float64 { return &v }

func newTestRuntime(b backend.Backend) (*Runtime, *trace.MemorySink) {
	sink := &trace.MemorySink{}
	tracer := trace.NewTracer("test-run", sink)
	return NewRuntime(b, tracer), sink
}
