package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"comfyworker/internal/infra"
	"comfyworker/internal/jobstore"
	"comfyworker/internal/worker"
	"comfyworker/internal/workflows"
)

type jobInput struct {
	WorkflowName string `json:"comfyui_workflow_name"`
	Prompt       string `json:"prompt"`
	Image        string `json:"image"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Length       int    `json:"length"`
}

type runRequest struct {
	Input *jobInput `json:"input"`
}

// prepareJob validates the input, gates on container resources and engine
// reachability, and produces a ready-to-submit workflow.
func (a *App) prepareJob(r *http.Request) (map[string]any, int, string) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, http.StatusBadRequest, "invalid JSON: " + err.Error()
	}
	if req.Input == nil {
		return nil, http.StatusBadRequest, "'input' is required in request body"
	}

	in := *req.Input
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, http.StatusBadRequest, "'prompt' is required"
	}
	if in.Width <= 0 {
		in.Width = defaultWidth
	}
	if in.Height <= 0 {
		in.Height = defaultHeight
	}
	if in.Length <= 0 {
		in.Length = defaultLength
	}

	if a.Probe != nil {
		if err := a.Probe.CheckResources(); err != nil {
			return nil, http.StatusServiceUnavailable, err.Error()
		}
	}
	if err := a.Client.Ping(r.Context()); err != nil {
		return nil, http.StatusServiceUnavailable, "ComfyUI server is not ready: " + err.Error()
	}

	template, err := a.Workflows.Load(in.WorkflowName)
	if err != nil {
		return nil, http.StatusBadRequest, err.Error()
	}

	imageFilename := ""
	if workflows.RequiresInputImage(template) {
		if strings.TrimSpace(in.Image) == "" {
			return nil, http.StatusBadRequest, "'image' is required for this workflow"
		}
		imageFilename, err = workflows.UploadInputImage(r.Context(), a.Client, in.Image, in.Width, in.Height, a.Log)
		if err != nil {
			return nil, http.StatusBadRequest, err.Error()
		}
	}

	prepared := workflows.Prepare(template, workflows.PrepareParams{
		Prompt:        in.Prompt,
		ImageFilename: imageFilename,
		Width:         in.Width,
		Height:        in.Height,
		Length:        in.Length,
	}, a.Log)

	return prepared, 0, ""
}

// Run accepts a job, queues it and monitors it in the background.
func (a *App) Run(w http.ResponseWriter, r *http.Request) {
	prepared, code, msg := a.prepareJob(r)
	if msg != "" {
		a.jsonError(w, code, msg)
		return
	}

	jobID := uuid.NewString()
	a.Store.Put(jobstore.Record{ID: jobID, Status: jobstore.StatusQueued})
	worker.StartSession(a.BaseCtx, a.Runner, a.Store, jobID, prepared, a.Log)

	a.json(w, http.StatusOK, map[string]string{"id": jobID, "status": "QUEUED"})
}

// RunSync accepts a job and blocks until it finishes.
func (a *App) RunSync(w http.ResponseWriter, r *http.Request) {
	prepared, code, msg := a.prepareJob(r)
	if msg != "" {
		a.jsonError(w, code, msg)
		return
	}

	jobID := uuid.NewString()
	log := infra.JobLogger(a.Log, jobID)
	log.Info().Msg("processing job synchronously")

	bundle, err := a.Runner.Run(r.Context(), jobID, prepared)
	if err != nil {
		a.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.json(w, http.StatusOK, map[string]any{
		"id":     jobID,
		"status": "COMPLETED",
		"output": bundle,
	})
}

// Status reports the lifecycle state of an asynchronous job.
func (a *App) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := a.Store.Get(id)
	if !ok {
		a.jsonError(w, http.StatusNotFound, "job "+id+" not found")
		return
	}

	resp := map[string]any{
		"id":         rec.ID,
		"status":     strings.ToUpper(string(rec.Status)),
		"created_at": rec.CreatedAt,
		"updated_at": rec.UpdatedAt,
	}
	if rec.Status == jobstore.StatusFailed && rec.Error != "" {
		resp["error"] = rec.Error
	}
	if rec.Status == jobstore.StatusCompleted && rec.Output != nil {
		resp["output"] = rec.Output
	}

	a.json(w, http.StatusOK, resp)
}

// Health verifies that the engine is accessible and responding.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	if err := a.Client.Ping(r.Context()); err != nil {
		a.jsonError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "healthy", "comfyui": "connected"})
}
