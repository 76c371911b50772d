// Package artifacts keeps a rolling window of screenshots and step metadata
// during a run and persists it as an on-disk bundle when something goes
// wrong. Persistence is atomic, idempotent, and redacts sensitive input
// values by default.
package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PersistMode controls when the buffer persists at run finalization.
type PersistMode string

const (
	PersistOnFail PersistMode = "onFail"
	PersistAlways PersistMode = "always"
)

// ClipMode controls failure-clip generation.
type ClipMode string

const (
	ClipOff  ClipMode = "off"
	ClipAuto ClipMode = "auto"
	ClipOn   ClipMode = "on"
)

// ClipOptions configures video-clip encoding from the persisted frames.
type ClipOptions struct {
	Mode ClipMode `yaml:"mode"`
	// FPS of the rendered clip; zero means 8.
	FPS int `yaml:"fps,omitempty"`
	// Seconds caps the clip duration; zero means all buffered frames.
	Seconds float64 `yaml:"seconds,omitempty"`
}

// RedactionContext is passed to the caller's redaction hook before anything
// reaches disk.
type RedactionContext struct {
	RunID       string
	Reason      string
	Status      string
	Snapshot    map[string]any
	Diagnostics map[string]any
	FramePaths  []string
	Metadata    map[string]any
}

// RedactionResult lets the hook substitute payloads or drop frames entirely.
type RedactionResult struct {
	Snapshot    map[string]any
	Diagnostics map[string]any
	FramePaths  []string
	DropFrames  bool
}

// Options configures the artifact buffer.
type Options struct {
	// BufferSeconds is the rolling frame window; zero means 15s.
	BufferSeconds float64 `yaml:"buffer_seconds"`

	// CaptureOnAction captures one frame per recorded action.
	CaptureOnAction bool `yaml:"capture_on_action"`

	// FPS enables periodic background capture when > 0.
	FPS float64 `yaml:"fps"`

	PersistMode PersistMode `yaml:"persist_mode"`

	// OutputDir receives persisted bundles; zero means ".predicate/artifacts".
	OutputDir string `yaml:"output_dir"`

	// FrameFormat is "png" or "jpeg".
	FrameFormat string `yaml:"frame_format"`

	// OnBeforePersist runs right before the bundle is written. A hook error
	// fails closed: frames are dropped, persistence continues.
	OnBeforePersist func(ctx RedactionContext) (RedactionResult, error) `yaml:"-"`

	// RedactSnapshotValues nulls element values for sensitive input types.
	RedactSnapshotValues bool `yaml:"redact_snapshot_values"`

	Clip ClipOptions `yaml:"clip"`
}

// DefaultOptions returns the baseline artifact configuration.
func DefaultOptions() Options {
	return Options{
		BufferSeconds:        15,
		CaptureOnAction:      true,
		PersistMode:          PersistOnFail,
		OutputDir:            ".predicate/artifacts",
		FrameFormat:          "png",
		RedactSnapshotValues: true,
		Clip:                 ClipOptions{Mode: ClipOff, FPS: 8},
	}
}

type frameRecord struct {
	TS       float64 `json:"ts"`
	FileName string  `json:"file"`
	path     string
}

type stepRecord struct {
	TS        float64 `json:"ts"`
	Action    string  `json:"action"`
	StepID    string  `json:"step_id,omitempty"`
	StepIndex int     `json:"step_index"`
	URL       string  `json:"url,omitempty"`
}

// Buffer is a ring buffer of frames plus a step timeline, persisted on
// demand. Safe for use from the runtime goroutine plus one capture timer.
type Buffer struct {
	runID   string
	options Options
	logger  *slog.Logger

	mu        sync.Mutex
	tempDir   string
	framesDir string
	frames    []frameRecord
	steps     []stepRecord
	persisted bool

	// nowFn is swappable for tests.
	nowFn func() time.Time
}

// NewBuffer allocates the temp workspace for one run's artifacts.
func NewBuffer(runID string, opts Options, logger *slog.Logger) (*Buffer, error) {
	if opts.BufferSeconds <= 0 {
		opts.BufferSeconds = 15
	}
	if opts.OutputDir == "" {
		opts.OutputDir = ".predicate/artifacts"
	}
	if opts.FrameFormat == "" {
		opts.FrameFormat = "png"
	}
	if opts.PersistMode == "" {
		opts.PersistMode = PersistOnFail
	}
	if opts.Clip.Mode == "" {
		opts.Clip.Mode = ClipOff
	}
	if opts.Clip.FPS <= 0 {
		opts.Clip.FPS = 8
	}
	if logger == nil {
		logger = slog.Default()
	}

	tempDir, err := os.MkdirTemp("", "predicate-artifacts-")
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact temp dir: %w", err)
	}
	framesDir := filepath.Join(tempDir, "frames")
	if err := os.MkdirAll(framesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create frames dir: %w", err)
	}

	return &Buffer{
		runID:     runID,
		options:   opts,
		logger:    logger,
		tempDir:   tempDir,
		framesDir: framesDir,
		nowFn:     time.Now,
	}, nil
}

// Options returns the buffer configuration.
func (b *Buffer) Options() Options { return b.options }

// TempDir returns the buffer's working directory.
func (b *Buffer) TempDir() string { return b.tempDir }

// SetNowFunc overrides the clock, for tests.
func (b *Buffer) SetNowFunc(fn func() time.Time) { b.nowFn = fn }

// RecordStep appends an action record to the step timeline.
func (b *Buffer) RecordStep(action, stepID string, stepIndex int, url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps = append(b.steps, stepRecord{
		TS:        b.now(),
		Action:    action,
		StepID:    stepID,
		StepIndex: stepIndex,
		URL:       url,
	})
}

// AddFrame writes a frame into the ring and prunes frames older than the
// buffer window.
func (b *Buffer) AddFrame(imageBytes []byte, format string) error {
	if format == "" {
		format = b.options.FrameFormat
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.now()
	fileName := fmt.Sprintf("frame_%d.%s", int64(ts*1000), format)
	path := filepath.Join(b.framesDir, fileName)
	if err := os.WriteFile(path, imageBytes, 0644); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	b.frames = append(b.frames, frameRecord{TS: ts, FileName: fileName, path: path})
	b.pruneLocked()
	return nil
}

// FrameCount returns the number of frames currently in the window.
func (b *Buffer) FrameCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func (b *Buffer) now() float64 {
	return float64(b.nowFn().UnixNano()) / 1e9
}

func (b *Buffer) pruneLocked() {
	cutoff := b.now() - b.options.BufferSeconds
	keep := b.frames[:0]
	for _, f := range b.frames {
		if f.TS >= cutoff {
			keep = append(keep, f)
		} else {
			_ = os.Remove(f.path)
		}
	}
	b.frames = keep
}

// sensitiveInputTypes are redacted from persisted snapshots by default.
var sensitiveInputTypes = map[string]bool{
	"password": true,
	"email":    true,
	"tel":      true,
}

// redactSnapshotDefaults nulls values on sensitive inputs in the snapshot
// payload map.
func redactSnapshotDefaults(payload map[string]any) map[string]any {
	elements, ok := payload["elements"].([]any)
	if !ok {
		return payload
	}
	redacted := make([]any, 0, len(elements))
	for _, raw := range elements {
		el, ok := raw.(map[string]any)
		if !ok {
			redacted = append(redacted, raw)
			continue
		}
		inputType, _ := el["input_type"].(string)
		if sensitiveInputTypes[inputType] {
			if _, hasValue := el["value"]; hasValue {
				clone := make(map[string]any, len(el)+1)
				for k, v := range el {
					clone[k] = v
				}
				clone["value"] = nil
				clone["value_redacted"] = true
				el = clone
			}
		}
		redacted = append(redacted, el)
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	out["elements"] = redacted
	return out
}

// toPayload converts an arbitrary snapshot/diagnostics value to a JSON map.
func toPayload(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func writeJSONAtomic(path string, data any) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// Persist writes the artifact bundle. It is idempotent: the second and later
// calls return the empty string with no error.
func (b *Buffer) Persist(reason, status string, snapshot, diagnostics any, metadata map[string]any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.persisted {
		return "", nil
	}

	if err := os.MkdirAll(b.options.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	ts := int64(b.now() * 1000)
	runDir := filepath.Join(b.options.OutputDir, fmt.Sprintf("%s-%d", b.runID, ts))
	framesOut := filepath.Join(runDir, "frames")
	if err := os.MkdirAll(framesOut, 0755); err != nil {
		return "", fmt.Errorf("failed to create bundle dir: %w", err)
	}

	snapshotPayload := toPayload(snapshot)
	if snapshotPayload != nil && b.options.RedactSnapshotValues {
		snapshotPayload = redactSnapshotDefaults(snapshotPayload)
	}
	diagnosticsPayload := toPayload(diagnostics)
	if metadata == nil {
		metadata = map[string]any{}
	}

	frames := make([]frameRecord, len(b.frames))
	copy(frames, b.frames)
	framePaths := make([]string, len(frames))
	for i, f := range frames {
		framePaths[i] = f.path
	}

	dropFrames := false
	if b.options.OnBeforePersist != nil {
		result, err := b.options.OnBeforePersist(RedactionContext{
			RunID:       b.runID,
			Reason:      reason,
			Status:      status,
			Snapshot:    snapshotPayload,
			Diagnostics: diagnosticsPayload,
			FramePaths:  framePaths,
			Metadata:    metadata,
		})
		if err != nil {
			// Fail closed on redaction: no frames leave the machine.
			b.logger.Warn("redaction hook failed, dropping frames", "error", err)
			dropFrames = true
		} else {
			if result.Snapshot != nil {
				snapshotPayload = result.Snapshot
			}
			if result.Diagnostics != nil {
				diagnosticsPayload = result.Diagnostics
			}
			if result.FramePaths != nil {
				framePaths = result.FramePaths
			}
			if result.DropFrames {
				dropFrames = true
			}
		}
	}

	manifestFrames := []map[string]any{}
	if !dropFrames {
		for _, p := range framePaths {
			if _, err := os.Stat(p); err != nil {
				continue
			}
			name := filepath.Base(p)
			if err := copyFile(p, filepath.Join(framesOut, name)); err != nil {
				b.logger.Warn("failed to copy frame", "frame", name, "error", err)
				continue
			}
			var frameTS any
			for _, f := range frames {
				if f.path == p {
					frameTS = f.TS
					break
				}
			}
			manifestFrames = append(manifestFrames, map[string]any{"file": name, "ts": frameTS})
		}
	}

	if err := writeJSONAtomic(filepath.Join(runDir, "steps.json"), b.steps); err != nil {
		return "", fmt.Errorf("failed to write steps.json: %w", err)
	}
	if snapshotPayload != nil {
		if err := writeJSONAtomic(filepath.Join(runDir, "snapshot.json"), snapshotPayload); err != nil {
			return "", fmt.Errorf("failed to write snapshot.json: %w", err)
		}
	}
	if diagnosticsPayload != nil {
		if err := writeJSONAtomic(filepath.Join(runDir, "diagnostics.json"), diagnosticsPayload); err != nil {
			return "", fmt.Errorf("failed to write diagnostics.json: %w", err)
		}
	}

	clipFile, clipFPS := b.maybeEncodeClip(runDir, len(manifestFrames), dropFrames)

	manifest := map[string]any{
		"run_id":         b.runID,
		"created_at_ms":  ts,
		"status":         status,
		"reason":         reason,
		"buffer_seconds": b.options.BufferSeconds,
		"frame_count":    len(manifestFrames),
		"frames":         manifestFrames,
		"metadata":       metadata,
		"frames_redacted": !dropFrames && b.options.OnBeforePersist != nil,
		"frames_dropped":  dropFrames,
		"clip":            nil,
		"clip_fps":        nil,
	}
	if snapshotPayload != nil {
		manifest["snapshot"] = "snapshot.json"
	} else {
		manifest["snapshot"] = nil
	}
	if diagnosticsPayload != nil {
		manifest["diagnostics"] = "diagnostics.json"
	} else {
		manifest["diagnostics"] = nil
	}
	if clipFile != "" {
		manifest["clip"] = clipFile
		manifest["clip_fps"] = clipFPS
	}

	if err := writeJSONAtomic(filepath.Join(runDir, "manifest.json"), manifest); err != nil {
		return "", fmt.Errorf("failed to write manifest.json: %w", err)
	}

	b.persisted = true
	return runDir, nil
}

// Cleanup removes the temp workspace. Persisted bundles are untouched.
func (b *Buffer) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tempDir != "" {
		_ = os.RemoveAll(b.tempDir)
	}
}
