package engines

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snarg/custody-engine/internal/fault"
	"github.com/snarg/custody-engine/internal/pipeline"
)

func TestASRClientMapsSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("response_format = %q", got)
		}
		w.Write([]byte(`{
			"language": "en",
			"duration": 4.5,
			"segments": [
				{"start": 0.0, "end": 2.25, "text": "hello there", "confidence": 0.91},
				{"start": 2.25, "end": 4.5, "text": "general", "confidence": 0.85}
			]
		}`))
	}))
	defer srv.Close()

	audio := filepath.Join(t.TempDir(), "a.wav")
	if err := os.WriteFile(audio, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewASRClient(srv.URL, "asr-large-v3", 5*time.Second)
	res, err := c.Transcribe(context.Background(), audio)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	if res.Language != "en" || res.DurationMs != 4500 || res.Model != "asr-large-v3" {
		t.Errorf("result header: %+v", res)
	}
	want := []pipeline.RawSegment{
		{StartMs: 0, EndMs: 2250, Text: "hello there", Confidence: 0.91},
		{StartMs: 2250, EndMs: 4500, Text: "general", Confidence: 0.85},
	}
	if len(res.Segments) != len(want) {
		t.Fatalf("segments: %+v", res.Segments)
	}
	for i := range want {
		if res.Segments[i] != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, res.Segments[i], want[i])
		}
	}
}

func TestEngineErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		transient  bool
		validation bool
	}{
		{"server error", http.StatusInternalServerError, true, false},
		{"rate limited", http.StatusTooManyRequests, true, false},
		{"bad gateway", http.StatusBadGateway, true, false},
		{"rejected input", http.StatusBadRequest, false, true},
		{"unprocessable", http.StatusUnprocessableEntity, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewDiarizeClient(srv.URL, "diar-v3", time.Second)
			_, err := c.Diarize(context.Background(), "/tmp/a.wav")
			if err == nil {
				t.Fatal("expected error")
			}
			if fault.IsTransient(err) != tt.transient || fault.IsValidation(err) != tt.validation {
				t.Errorf("status %d classified as %q", tt.status, fault.Class(err))
			}
		})
	}
}

func TestAlignClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"words": [[{"word": "hello", "start_ms": 0, "end_ms": 400, "confidence": 0.95}]]}`))
	}))
	defer srv.Close()

	c := NewAlignClient(srv.URL, "align-v2", time.Second)
	res, err := c.Align(context.Background(), "/tmp/a.wav", []pipeline.RawSegment{{StartMs: 0, EndMs: 400, Text: "hello"}})
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	if len(res.Words) != 1 || len(res.Words[0]) != 1 || res.Words[0][0].Word != "hello" {
		t.Errorf("words: %+v", res.Words)
	}
}

func TestFirstFormat(t *testing.T) {
	tests := []struct{ in, want string }{
		{"mov,mp4,m4a,3gp,3g2,mj2", "mov"},
		{"wav", "wav"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := firstFormat(tt.in); got != tt.want {
			t.Errorf("firstFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
