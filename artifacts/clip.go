package artifacts

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
)

// clipEncodeTimeout caps external encoder runtime.
const clipEncodeTimeout = 60 * time.Second

// lookupEncoder resolves the external encoder binary; tests override it.
var lookupEncoder = func() (string, error) { return exec.LookPath("ffmpeg") }

// maybeEncodeClip renders failure.mp4 from the persisted frames when clip
// generation is enabled. Best-effort: "auto" skips silently when the encoder
// is unavailable, "on" warns.
func (b *Buffer) maybeEncodeClip(runDir string, frameCount int, dropFrames bool) (string, int) {
	mode := b.options.Clip.Mode
	if mode == ClipOff || dropFrames || frameCount == 0 {
		return "", 0
	}

	encoder, err := lookupEncoder()
	if err != nil {
		if mode == ClipOn {
			b.logger.Warn("clip generation requested but encoder is unavailable", "error", err)
		}
		return "", 0
	}

	fps := b.options.Clip.FPS
	args := []string{
		"-y",
		"-framerate", fmt.Sprint(fps),
		"-pattern_type", "glob",
		"-i", filepath.Join(runDir, "frames", "frame_*."+b.options.FrameFormat),
	}
	if b.options.Clip.Seconds > 0 {
		args = append(args, "-t", fmt.Sprintf("%.2f", b.options.Clip.Seconds))
	}
	args = append(args,
		"-pix_fmt", "yuv420p",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		filepath.Join(runDir, "failure.mp4"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), clipEncodeTimeout)
	defer cancel()
	if err := exec.CommandContext(ctx, encoder, args...).Run(); err != nil {
		b.logger.Warn("clip encoding failed", "error", err)
		return "", 0
	}
	return "failure.mp4", fps
}
