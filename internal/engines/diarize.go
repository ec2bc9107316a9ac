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

// DiarizeClient calls the speaker-diarization service. Speakers come back
// as stable placeholders (SPEAKER_00, SPEAKER_01, ...) that users alias
// after the fact.
type DiarizeClient struct {
	url    string
	model  string
	client *http.Client
}

func NewDiarizeClient(url, model string, timeout time.Duration) *DiarizeClient {
	return &DiarizeClient{url: url, model: model, client: &http.Client{Timeout: timeout}}
}

type diarizeRequest struct {
	AudioPath string `json:"audio_path"`
	Model     string `json:"model,omitempty"`
}

type diarizeResponse struct {
	Turns []struct {
		Speaker string `json:"speaker"`
		StartMs int64  `json:"start_ms"`
		EndMs   int64  `json:"end_ms"`
	} `json:"turns"`
}

func (c *DiarizeClient) Diarize(ctx context.Context, audioPath string) (*pipeline.DiarizeResult, error) {
	payload, err := json.Marshal(diarizeRequest{AudioPath: audioPath, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("marshal diarize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := doEngineRequest(c.client, req, "diarize")
	if err != nil {
		return nil, err
	}

	var parsed diarizeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fault.Transient("decode diarize response", err)
	}

	res := &pipeline.DiarizeResult{Model: c.model, Turns: make([]pipeline.SpeakerTurn, 0, len(parsed.Turns))}
	for _, t := range parsed.Turns {
		res.Turns = append(res.Turns, pipeline.SpeakerTurn{Speaker: t.Speaker, StartMs: t.StartMs, EndMs: t.EndMs})
	}
	return res, nil
}
