package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/custody-engine/internal/database"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// Notifier reports broker connectivity for the health endpoint. May be nil
// when MQTT is disabled.
type Notifier interface {
	IsConnected() bool
}

type HealthHandler struct {
	db        *database.DB
	notify    Notifier
	storeType string
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, notify Notifier, storeType, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		notify:    notify,
		storeType: storeType,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := "ok"

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if h.db != nil {
		if err := h.db.HealthCheck(ctx); err != nil {
			checks["database"] = "down: " + err.Error()
			status = "degraded"
		} else {
			checks["database"] = "ok"
		}
	}

	checks["media_store"] = h.storeType

	if h.notify != nil {
		if h.notify.IsConnected() {
			checks["mqtt"] = "connected"
		} else {
			checks["mqtt"] = "disconnected"
			status = "degraded"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}
