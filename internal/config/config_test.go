package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Set required env vars for all subtests
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "postgres://localhost/test",
		"ASR_URL":      "http://localhost:9000/v1/audio/transcriptions",
		"ALIGN_URL":    "http://localhost:9001/align",
		"DIARIZE_URL":  "http://localhost:9002/diarize",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.MediaDir != "./media" {
			t.Errorf("MediaDir = %q, want ./media", cfg.MediaDir)
		}
		if cfg.MaxAttempts != 3 {
			t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
		}
		if cfg.GraceWindow != 5*time.Minute {
			t.Errorf("GraceWindow = %v, want 5m", cfg.GraceWindow)
		}
		if cfg.MQTTClientID != "custody-engine" {
			t.Errorf("MQTTClientID = %q, want custody-engine", cfg.MQTTClientID)
		}
		if cfg.S3.Enabled() {
			t.Error("S3 enabled without bucket")
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
			MediaDir:    "/tmp/media",
			InboxDir:    "/tmp/inbox",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
		if cfg.MediaDir != "/tmp/media" {
			t.Errorf("MediaDir = %q, want /tmp/media", cfg.MediaDir)
		}
		if cfg.InboxDir != "/tmp/inbox" {
			t.Errorf("InboxDir = %q, want /tmp/inbox", cfg.InboxDir)
		}
	})

	t.Run("s3_prefix", func(t *testing.T) {
		c := setEnvs(t, map[string]string{
			"S3_BUCKET":   "evidence",
			"S3_ENDPOINT": "http://minio:9000",
		})
		defer c()
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !cfg.S3.Enabled() || cfg.S3.Bucket != "evidence" || cfg.S3.Endpoint != "http://minio:9000" {
			t.Errorf("S3 config: %+v", cfg.S3)
		}
		if cfg.S3.PresignExpiry != 15*time.Minute {
			t.Errorf("PresignExpiry = %v, want 15m", cfg.S3.PresignExpiry)
		}
	})
}

func TestLoadMissingRequired(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "",
	})
	defer cleanup()
	os.Unsetenv("DATABASE_URL")

	_, err := Load(Overrides{EnvFile: "nonexistent.env"})
	if err == nil {
		t.Error("expected error when required env vars are missing")
	}
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
