package predicate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/predicatelabs/predicate-go/artifacts"
)

type artifactState struct {
	buffer *artifacts.Buffer
	stop   chan struct{}
	wg     sync.WaitGroup
}

// EnableFailureArtifacts allocates the artifact buffer and, when fps > 0,
// starts the periodic frame-capture task.
func (r *Runtime) EnableFailureArtifacts(opts artifacts.Options) error {
	buf, err := artifacts.NewBuffer(r.tracer.RunID(), opts, r.logger)
	if err != nil {
		return err
	}
	r.artifactState.buffer = buf
	if buf.Options().FPS > 0 {
		r.artifactState.stop = make(chan struct{})
		r.artifactState.wg.Add(1)
		go r.artifactTimerLoop()
	}
	return nil
}

// DisableFailureArtifacts stops background capture. Already-written frames
// stay in the buffer until cleanup.
func (r *Runtime) DisableFailureArtifacts() {
	if r.artifactState.stop != nil {
		close(r.artifactState.stop)
		r.artifactState.wg.Wait()
		r.artifactState.stop = nil
	}
}

// ArtifactBuffer returns the active buffer, nil when artifacts are disabled.
func (r *Runtime) ArtifactBuffer() *artifacts.Buffer { return r.artifactState.buffer }

// RecordAction stashes the last action, appends it to the artifact step
// timeline, and captures a frame when configured.
func (r *Runtime) RecordAction(ctx context.Context, action, url string) {
	r.lastAction = action
	buf := r.artifactState.buffer
	if buf == nil {
		return
	}
	buf.RecordStep(action, r.stepID, r.stepIndex, url)
	if buf.Options().CaptureOnAction {
		r.captureArtifactFrame(ctx)
	}
}

func (r *Runtime) captureArtifactFrame(ctx context.Context) {
	buf := r.artifactState.buffer
	if buf == nil {
		return
	}
	format := buf.Options().FrameFormat
	var imageBytes []byte
	var err error
	if format == "jpeg" {
		imageBytes, err = r.backend.ScreenshotJPEG(ctx, 0)
	} else {
		imageBytes, err = r.backend.ScreenshotPNG(ctx)
	}
	if err != nil {
		return
	}
	_ = buf.AddFrame(imageBytes, format)
}

func (r *Runtime) artifactTimerLoop() {
	defer r.artifactState.wg.Done()
	buf := r.artifactState.buffer
	interval := time.Duration(float64(time.Second) / buf.Options().FPS)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.artifactState.stop:
			return
		case <-ticker.C:
			r.captureArtifactFrame(context.Background())
		}
	}
}

// FinalizeRun finalizes the artifact buffer: a failed run (or
// persist_mode=always) persists the bundle, then the temp workspace is
// cleaned up.
func (r *Runtime) FinalizeRun(success bool) {
	buf := r.artifactState.buffer
	if buf == nil {
		return
	}
	if success {
		if buf.Options().PersistMode == artifacts.PersistAlways {
			_, _ = buf.Persist("success", "success", r.lastSnapshot, r.lastSnapshotDiagnostics(), r.artifactMetadata())
		}
		r.DisableFailureArtifacts()
		buf.Cleanup()
		return
	}
	r.persistFailureArtifacts("finalize_failure")
}

// PersistFailureArtifacts persists the artifact bundle for an external
// failure, e.g. a backend error during action execution.
func (r *Runtime) PersistFailureArtifacts(reason string) {
	r.persistFailureArtifacts(reason)
}

func (r *Runtime) persistFailureArtifacts(reason string) {
	buf := r.artifactState.buffer
	if buf == nil {
		return
	}
	_, _ = buf.Persist(reason, "failure", r.lastSnapshot, r.lastSnapshotDiagnostics(), r.artifactMetadata())
	if buf.Options().PersistMode == artifacts.PersistOnFail {
		r.DisableFailureArtifacts()
	}
	buf.Cleanup()
}

func (r *Runtime) lastSnapshotDiagnostics() any {
	if r.lastSnapshot == nil || r.lastSnapshot.Diagnostics == nil {
		return nil
	}
	return r.lastSnapshot.Diagnostics
}

func (r *Runtime) artifactMetadata() map[string]any {
	url := r.cachedURL
	if r.lastSnapshot != nil {
		url = r.lastSnapshot.URL
	}
	return map[string]any{
		"backend": fmt.Sprintf("%T", r.backend),
		"url":     url,
	}
}
