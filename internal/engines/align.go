package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/snarg/custody-engine/internal/fault"
	"github.com/snarg/custody-engine/internal/pipeline"
)

// AlignClient calls the forced-alignment service: given the audio and the
// transcribed segments, it returns per-word timings.
type AlignClient struct {
	url    string
	model  string
	client *http.Client
}

func NewAlignClient(url, model string, timeout time.Duration) *AlignClient {
	return &AlignClient{url: url, model: model, client: &http.Client{Timeout: timeout}}
}

type alignRequest struct {
	AudioPath string         `json:"audio_path"`
	Model     string         `json:"model,omitempty"`
	Segments  []alignSegment `json:"segments"`
}

type alignSegment struct {
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

type alignResponse struct {
	Words [][]pipeline.WordTiming `json:"words"`
}

func (c *AlignClient) Align(ctx context.Context, audioPath string, segments []pipeline.RawSegment) (*pipeline.AlignResult, error) {
	reqBody := alignRequest{AudioPath: audioPath, Model: c.model, Segments: make([]alignSegment, len(segments))}
	for i, s := range segments {
		reqBody.Segments[i] = alignSegment{StartMs: s.StartMs, EndMs: s.EndMs, Text: s.Text}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal align request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := doEngineRequest(c.client, req, "align")
	if err != nil {
		return nil, err
	}

	var parsed alignResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fault.Transient("decode align response", err)
	}
	return &pipeline.AlignResult{Model: c.model, Words: parsed.Words}, nil
}
