// Package engines provides the external stage collaborators: ffprobe and
// ffmpeg via os/exec, and HTTP clients for the transcription, alignment,
// and diarization services. Every engine classifies its failures so the
// orchestrator knows whether to retry.
package engines

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/snarg/custody-engine/internal/fault"
	"github.com/snarg/custody-engine/internal/pipeline"
)

// ffprobeAvailable caches whether ffprobe is in PATH (checked once at startup).
var ffprobeAvailable *bool

// CheckFFprobe checks if ffprobe is available in PATH. Call once at startup.
func CheckFFprobe() bool {
	if ffprobeAvailable != nil {
		return *ffprobeAvailable
	}
	_, err := exec.LookPath("ffprobe")
	avail := err == nil
	ffprobeAvailable = &avail
	return avail
}

// FFprobe inspects media containers without decoding them.
type FFprobe struct{}

func NewFFprobe() *FFprobe { return &FFprobe{} }

type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
}

// Probe runs ffprobe and extracts container, codec, and duration. A media
// file ffprobe cannot parse is a validation failure, not a transient one.
func (p *FFprobe) Probe(ctx context.Context, path string) (*pipeline.MediaInfo, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Transient("ffprobe", ctx.Err())
		}
		return nil, fault.Validation("unreadable media container: %v", err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fault.Validation("unparseable ffprobe output: %v", err)
	}

	info := &pipeline.MediaInfo{
		Container: firstFormat(parsed.Format.FormatName),
	}
	if secs, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
		info.DurationMs = int64(secs * 1000)
	}
	if size, err := strconv.ParseInt(parsed.Format.Size, 10, 64); err == nil {
		info.SizeBytes = size
	} else if st, serr := os.Stat(path); serr == nil {
		info.SizeBytes = st.Size()
	}
	for _, s := range parsed.Streams {
		if s.CodecType == "audio" {
			info.HasAudio = true
			info.Codec = s.CodecName
			break
		}
	}
	return info, nil
}

// firstFormat picks the primary name from ffprobe's comma-separated
// format_name (e.g. "mov,mp4,m4a,3gp,3g2,mj2").
func firstFormat(name string) string {
	if i := strings.IndexByte(name, ','); i >= 0 {
		return name[:i]
	}
	return name
}
