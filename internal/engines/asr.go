package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/snarg/custody-engine/internal/fault"
	"github.com/snarg/custody-engine/internal/pipeline"
)

// ASRClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint.
type ASRClient struct {
	url     string
	model   string
	client  *http.Client
}

// asrResponse is the parsed verbose_json response.
type asrResponse struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		// avg_logprob is roughly log(confidence) per token; the engine
		// also reports a direct confidence on newer versions.
		Confidence float32 `json:"confidence"`
	} `json:"segments"`
}

func NewASRClient(url, model string, timeout time.Duration) *ASRClient {
	return &ASRClient{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

// Transcribe sends the normalized audio as multipart/form-data and maps
// the segment list into pipeline form. Segment offsets become integral
// milliseconds here and stay integral for the rest of the pipeline.
func (c *ASRClient) Transcribe(ctx context.Context, audioPath string) (*pipeline.TranscribeResult, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fault.Transient("open audio", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fault.Transient("copy audio data", err)
	}
	if c.model != "" {
		w.WriteField("model", c.model)
	}
	w.WriteField("response_format", "verbose_json")
	w.WriteField("timestamp_granularities[]", "segment")
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	body, err := doEngineRequest(c.client, req, "asr")
	if err != nil {
		return nil, err
	}

	var parsed asrResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fault.Transient("decode asr response", err)
	}

	res := &pipeline.TranscribeResult{
		Language:   parsed.Language,
		Model:      c.model,
		DurationMs: int64(parsed.Duration * 1000),
		Segments:   make([]pipeline.RawSegment, 0, len(parsed.Segments)),
	}
	for _, s := range parsed.Segments {
		res.Segments = append(res.Segments, pipeline.RawSegment{
			StartMs:    int64(s.Start * 1000),
			EndMs:      int64(s.End * 1000),
			Text:       s.Text,
			Confidence: s.Confidence,
		})
	}
	return res, nil
}

// doEngineRequest executes one engine call and classifies the outcome.
// Network errors, 429s, and 5xx responses are transient; any other
// non-200 means the engine rejected this input for good.
func doEngineRequest(client *http.Client, req *http.Request, op string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fault.Transient(op+" request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Transient("read "+op+" response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fault.Transient(op, fmt.Errorf("status %d: %s", resp.StatusCode, body))
	default:
		return nil, fault.Validation("%s engine rejected input (status %d): %s", op, resp.StatusCode, body)
	}
}
