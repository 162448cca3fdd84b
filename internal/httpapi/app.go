package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"comfyworker/internal/comfy"
	"comfyworker/internal/jobstore"
	"comfyworker/internal/telemetry"
	"comfyworker/internal/worker"
	"comfyworker/internal/workflows"
)

// Defaults applied to job input when the caller omits dimensions.
const (
	defaultWidth  = 480
	defaultHeight = 640
	defaultLength = 81
)

// App bundles the collaborators the HTTP handlers need.
type App struct {
	Runner    *worker.Runner
	Store     jobstore.Store
	Client    *comfy.Client
	Workflows *workflows.Registry
	Probe     *telemetry.Probe
	Log       zerolog.Logger

	// BaseCtx parents background monitor sessions so they outlive the
	// originating request but stop on shutdown.
	BaseCtx context.Context
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) jsonError(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, map[string]string{"error": msg})
}
