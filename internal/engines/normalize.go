package engines

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/snarg/custody-engine/internal/fault"
	"github.com/snarg/custody-engine/internal/pipeline"
)

const normalizedSampleRate = 16000

// FFmpegNormalizer extracts a loudness-normalized mono 16kHz WAV for the
// downstream engines. Video containers are handled the same way; only the
// audio track is pulled.
type FFmpegNormalizer struct {
	workDir string
}

func NewFFmpegNormalizer(workDir string) *FFmpegNormalizer {
	return &FFmpegNormalizer{workDir: workDir}
}

// Normalize runs the ffmpeg pipeline: resample to 16kHz mono, EBU R128
// loudness normalization. The output lives next to the input in the work
// area; the orchestrator owns cleanup.
func (n *FFmpegNormalizer) Normalize(ctx context.Context, path string) (*pipeline.NormalizeResult, error) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	outPath := filepath.Join(n.workDir, base+".norm.wav")

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-i", path,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-af", "loudnorm=I=-16:TP=-1.5:LRA=11",
		"-f", "wav",
		outPath,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		if ctx.Err() != nil {
			return nil, fault.Transient("ffmpeg normalize", ctx.Err())
		}
		return nil, fault.Validation("ffmpeg normalize failed: %v: %s", err, tail(stderr.String(), 300))
	}

	return &pipeline.NormalizeResult{AudioPath: outPath, SampleRate: normalizedSampleRate}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
