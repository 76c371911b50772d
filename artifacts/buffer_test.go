package artifacts

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T, opts Options) *Buffer {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(t.TempDir(), "out")
	}
	buf, err := NewBuffer("run-1", opts, nil)
	require.NoError(t, err)
	t.Cleanup(buf.Cleanup)
	return buf
}

func TestBufferPrunesFramesOlderThanWindow(t *testing.T) {
	buf := newTestBuffer(t, Options{BufferSeconds: 1})
	clock := time.Unix(100, 0)
	buf.SetNowFunc(func() time.Time { return clock })

	require.NoError(t, buf.AddFrame([]byte("first"), "png"))
	assert.Equal(t, 1, buf.FrameCount())

	clock = clock.Add(2 * time.Second)
	require.NoError(t, buf.AddFrame([]byte("second"), "png"))
	assert.Equal(t, 1, buf.FrameCount(), "frame outside the window is pruned")
}

func TestPersistWritesManifestStepsAndRedactedSnapshot(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "out")
	buf := newTestBuffer(t, Options{OutputDir: outDir, RedactSnapshotValues: true})

	buf.RecordStep("CLICK(1)", "step-1", 1, "https://example.com")
	require.NoError(t, buf.AddFrame([]byte("frame"), "png"))

	snapshotPayload := map[string]any{
		"status": "success",
		"url":    "https://example.com",
		"elements": []any{
			map[string]any{"id": 1, "input_type": "password", "value": "secret"},
			map[string]any{"id": 2, "input_type": "email", "value": "user@example.com"},
			map[string]any{"id": 3, "input_type": "text", "value": "visible"},
		},
	}
	diagnostics := map[string]any{"confidence": 0.9}

	runDir, err := buf.Persist("assert_failed:x", "failure", snapshotPayload, diagnostics,
		map[string]any{"backend": "FakeBackend"})
	require.NoError(t, err)
	require.NotEmpty(t, runDir)

	var manifest map[string]any
	readJSON(t, filepath.Join(runDir, "manifest.json"), &manifest)
	assert.Equal(t, "run-1", manifest["run_id"])
	assert.Equal(t, "failure", manifest["status"])
	assert.Equal(t, "assert_failed:x", manifest["reason"])
	assert.Equal(t, float64(1), manifest["frame_count"])
	assert.Equal(t, "snapshot.json", manifest["snapshot"])
	assert.Equal(t, "diagnostics.json", manifest["diagnostics"])
	assert.Equal(t, false, manifest["frames_dropped"])

	// frame_count matches the files actually in frames/.
	entries, err := os.ReadDir(filepath.Join(runDir, "frames"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	var steps []map[string]any
	readJSON(t, filepath.Join(runDir, "steps.json"), &steps)
	require.Len(t, steps, 1)
	assert.Equal(t, "CLICK(1)", steps[0]["action"])

	var snapJSON map[string]any
	readJSON(t, filepath.Join(runDir, "snapshot.json"), &snapJSON)
	elements := snapJSON["elements"].([]any)
	first := elements[0].(map[string]any)
	assert.Nil(t, first["value"], "password value must be redacted")
	assert.Equal(t, true, first["value_redacted"])
	second := elements[1].(map[string]any)
	assert.Nil(t, second["value"], "email value must be redacted")
	third := elements[2].(map[string]any)
	assert.Equal(t, "visible", third["value"], "text value is untouched")

	// No stray .tmp files remain after atomic writes.
	all, err := os.ReadDir(runDir)
	require.NoError(t, err)
	for _, e := range all {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestPersistIsIdempotent(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "out")
	buf := newTestBuffer(t, Options{OutputDir: outDir})

	first, err := buf.Persist("fail", "failure", nil, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := buf.Persist("fail", "failure", nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, second, "second persist is a no-op")

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "exactly one bundle")
}

func TestRedactionCallbackCanDropFrames(t *testing.T) {
	opts := Options{OutputDir: filepath.Join(t.TempDir(), "out")}
	opts.OnBeforePersist = func(ctx RedactionContext) (RedactionResult, error) {
		return RedactionResult{DropFrames: true}, nil
	}
	buf := newTestBuffer(t, opts)
	require.NoError(t, buf.AddFrame([]byte("frame"), "png"))

	runDir, err := buf.Persist("fail", "failure", map[string]any{"status": "success"}, nil, nil)
	require.NoError(t, err)

	var manifest map[string]any
	readJSON(t, filepath.Join(runDir, "manifest.json"), &manifest)
	assert.Equal(t, float64(0), manifest["frame_count"])
	assert.Equal(t, true, manifest["frames_dropped"])
}

func TestRedactionCallbackErrorFailsClosed(t *testing.T) {
	opts := Options{OutputDir: filepath.Join(t.TempDir(), "out")}
	opts.OnBeforePersist = func(ctx RedactionContext) (RedactionResult, error) {
		return RedactionResult{}, errors.New("redactor exploded")
	}
	buf := newTestBuffer(t, opts)
	require.NoError(t, buf.AddFrame([]byte("frame"), "png"))

	runDir, err := buf.Persist("fail", "failure", nil, nil, nil)
	require.NoError(t, err, "persistence continues despite redaction error")

	var manifest map[string]any
	readJSON(t, filepath.Join(runDir, "manifest.json"), &manifest)
	assert.Equal(t, true, manifest["frames_dropped"], "hook error drops frames")
	assert.Equal(t, float64(0), manifest["frame_count"])
}

func TestRedactionCallbackCanSubstitutePayloads(t *testing.T) {
	opts := Options{OutputDir: filepath.Join(t.TempDir(), "out")}
	opts.OnBeforePersist = func(ctx RedactionContext) (RedactionResult, error) {
		return RedactionResult{Snapshot: map[string]any{"scrubbed": true}}, nil
	}
	buf := newTestBuffer(t, opts)

	runDir, err := buf.Persist("fail", "failure", map[string]any{"url": "https://x"}, nil, nil)
	require.NoError(t, err)

	var snapJSON map[string]any
	readJSON(t, filepath.Join(runDir, "snapshot.json"), &snapJSON)
	assert.Equal(t, true, snapJSON["scrubbed"])
	_, hasURL := snapJSON["url"]
	assert.False(t, hasURL)
}

func TestClipModeOffSkipsGeneration(t *testing.T) {
	buf := newTestBuffer(t, Options{
		OutputDir: filepath.Join(t.TempDir(), "out"),
		Clip:      ClipOptions{Mode: ClipOff},
	})
	require.NoError(t, buf.AddFrame([]byte("frame"), "png"))

	runDir, err := buf.Persist("fail", "failure", nil, nil, nil)
	require.NoError(t, err)

	var manifest map[string]any
	readJSON(t, filepath.Join(runDir, "manifest.json"), &manifest)
	assert.Nil(t, manifest["clip"])
	assert.Nil(t, manifest["clip_fps"])
}

func TestClipModeAutoSkipsWhenEncoderMissing(t *testing.T) {
	orig := lookupEncoder
	lookupEncoder = func() (string, error) { return "", errors.New("not found") }
	defer func() { lookupEncoder = orig }()

	buf := newTestBuffer(t, Options{
		OutputDir: filepath.Join(t.TempDir(), "out"),
		Clip:      ClipOptions{Mode: ClipAuto},
	})
	require.NoError(t, buf.AddFrame([]byte("frame"), "png"))

	runDir, err := buf.Persist("fail", "failure", nil, nil, nil)
	require.NoError(t, err)

	var manifest map[string]any
	readJSON(t, filepath.Join(runDir, "manifest.json"), &manifest)
	assert.Nil(t, manifest["clip"], "auto mode skips silently without encoder")
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 15.0, opts.BufferSeconds)
	assert.True(t, opts.CaptureOnAction)
	assert.Equal(t, PersistOnFail, opts.PersistMode)
	assert.True(t, opts.RedactSnapshotValues)
	assert.Equal(t, ClipOff, opts.Clip.Mode)
}

func readJSON(t *testing.T, path string, out any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}
