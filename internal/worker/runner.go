package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"comfyworker/internal/comfy"
	"comfyworker/internal/outputs"
)

// Engine is the transport surface the runner needs: submission plus the
// polling history lookup. *comfy.Client satisfies it.
type Engine interface {
	SubmitPrompt(ctx context.Context, workflow map[string]any) (string, error)
	FetchHistory(ctx context.Context, promptID string) (*comfy.ExecutionRecord, error)
}

// Stream reduces the event channel to a terminal state for one prompt.
// *comfy.StreamMonitor satisfies it.
type Stream interface {
	Watch(ctx context.Context, promptID string) (comfy.WatchResult, error)
}

// Finalizer waits out provisional assets. *comfy.Finalizer satisfies it.
type Finalizer interface {
	Wait(ctx context.Context, promptID string, record *comfy.ExecutionRecord) *comfy.ExecutionRecord
}

// Processor encodes a finalized record into a deliverable bundle.
// *outputs.Processor satisfies it.
type Processor interface {
	Process(ctx context.Context, record *comfy.ExecutionRecord, jobID string) (*outputs.Bundle, error)
}

// Runner is the job execution monitor: it owns the submit, stream-watch,
// fallback-poll, finalize, encode pipeline for one job at a time. Each call
// to Run is an independent monitor session; a Runner is safe for concurrent
// use.
type Runner struct {
	engine    Engine
	stream    Stream
	finalizer Finalizer
	processor Processor
	log       zerolog.Logger
}

// NewRunner wires a Runner from its collaborators.
func NewRunner(engine Engine, stream Stream, finalizer Finalizer, processor Processor, log zerolog.Logger) *Runner {
	return &Runner{
		engine:    engine,
		stream:    stream,
		finalizer: finalizer,
		processor: processor,
		log:       log,
	}
}

// Run submits the prepared workflow and blocks until exactly one output
// bundle or exactly one error is produced for it.
func (r *Runner) Run(ctx context.Context, jobID string, workflow map[string]any) (*outputs.Bundle, error) {
	start := time.Now()
	bundle, err := r.run(ctx, jobID, workflow)

	status := statusCompleted
	if err != nil {
		status = statusFailed
	}
	jobsTotal.WithLabelValues(status).Inc()
	jobDuration.Observe(time.Since(start).Seconds())

	return bundle, err
}

func (r *Runner) run(ctx context.Context, jobID string, workflow map[string]any) (*outputs.Bundle, error) {
	log := r.log.With().Str("job_id", jobID).Logger()

	promptID, err := r.engine.SubmitPrompt(ctx, workflow)
	if err != nil {
		return nil, err
	}
	log.Info().Str("prompt_id", promptID).Msg("workflow queued successfully")

	result, err := r.stream.Watch(ctx, promptID)
	if err != nil {
		return nil, err
	}

	switch result.State {
	case comfy.StateFailed:
		// Reported verbatim, no history fetch.
		return nil, result.ExecErr
	case comfy.StateStreamUnavailable:
		log.Warn().Str("prompt_id", promptID).Msg("event stream unavailable, falling back to history polling")
	}

	record, err := r.engine.FetchHistory(ctx, promptID)
	if err != nil {
		return nil, err
	}

	record = r.finalizer.Wait(ctx, promptID, record)

	if !record.HasOutputs() {
		// A completed job with no outputs is success, not failure.
		return outputs.EmptyBundle(), nil
	}

	log.Info().Str("prompt_id", promptID).Msg("outputs generated successfully")
	return r.processor.Process(ctx, record, jobID)
}
