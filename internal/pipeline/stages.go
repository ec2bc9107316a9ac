package pipeline

import "context"

// Typed results passed between stages. The external engines are opaque:
// each stage collaborator takes the previous stage's typed output and
// returns a typed result or a classified error (fault.ValidationError is
// terminal, fault.TransientError is retried).

// MediaInfo is the probe result used by the validation stage.
type MediaInfo struct {
	Container  string
	Codec      string
	DurationMs int64
	HasAudio   bool
	SizeBytes  int64
}

// Prober inspects the uploaded media without decoding it fully.
type Prober interface {
	Probe(ctx context.Context, path string) (*MediaInfo, error)
}

// NormalizeResult locates the loudness-normalized mono WAV produced for
// the downstream engines.
type NormalizeResult struct {
	AudioPath  string
	SampleRate int
}

type Normalizer interface {
	Normalize(ctx context.Context, path string) (*NormalizeResult, error)
}

// RawSegment is a transcribed span before alignment and diarization.
type RawSegment struct {
	StartMs    int64
	EndMs      int64
	Text       string
	Confidence float32
}

// TranscribeResult is the ASR engine output.
type TranscribeResult struct {
	Language   string
	Model      string
	DurationMs int64
	Segments   []RawSegment
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*TranscribeResult, error)
}

// WordTiming is one force-aligned word.
type WordTiming struct {
	Word       string  `json:"word"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Confidence float32 `json:"confidence"`
}

// AlignResult carries word timings per input segment (index-aligned with
// the segments passed in).
type AlignResult struct {
	Model string
	Words [][]WordTiming
}

type Aligner interface {
	Align(ctx context.Context, audioPath string, segments []RawSegment) (*AlignResult, error)
}

// SpeakerTurn is one diarized span attributed to a placeholder speaker
// (e.g. "SPEAKER_00").
type SpeakerTurn struct {
	Speaker string
	StartMs int64
	EndMs   int64
}

// DiarizeResult is the speaker-diarization engine output.
type DiarizeResult struct {
	Model string
	Turns []SpeakerTurn
}

type Diarizer interface {
	Diarize(ctx context.Context, audioPath string) (*DiarizeResult, error)
}

// Collaborators bundles the external stage engines consumed by the
// orchestrator.
type Collaborators struct {
	Prober      Prober
	Normalizer  Normalizer
	Transcriber Transcriber
	Aligner     Aligner
	Diarizer    Diarizer
}

// assignSpeakers attributes each segment to the diarized turn with the
// largest time overlap. Segments with no overlapping turn keep the
// unattributed placeholder.
func assignSpeakers(segments []RawSegment, turns []SpeakerTurn) []string {
	out := make([]string, len(segments))
	for i, seg := range segments {
		best := "SPEAKER_UNK"
		var bestOverlap int64
		for _, turn := range turns {
			start := max64(seg.StartMs, turn.StartMs)
			end := min64(seg.EndMs, turn.EndMs)
			if end-start > bestOverlap {
				bestOverlap = end - start
				best = turn.Speaker
			}
		}
		out[i] = best
	}
	return out
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
