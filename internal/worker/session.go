package worker

import (
	"context"

	"github.com/rs/zerolog"

	"comfyworker/internal/jobstore"
)

// Session is the handle for one asynchronously monitored job. It replaces
// fire-and-forget monitoring threads with an explicit lifecycle: callers
// can wait on Done or abandon the job with Cancel.
type Session struct {
	JobID string

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed once the session has reached a terminal state and the
// store has been updated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Cancel stops the session's monitoring. The job itself keeps executing on
// the engine; only the local watch is abandoned.
func (s *Session) Cancel() {
	s.cancel()
}

// StartSession runs the workflow under the runner in the background,
// recording lifecycle transitions in the store.
func StartSession(ctx context.Context, runner *Runner, store jobstore.Store, jobID string, workflow map[string]any, log zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{JobID: jobID, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer cancel()

		store.Update(jobID, func(rec *jobstore.Record) {
			rec.Status = jobstore.StatusRunning
		})

		bundle, err := runner.Run(ctx, jobID, workflow)
		if err != nil {
			log.Error().Err(err).Str("job_id", jobID).Msg("job failed")
			store.Update(jobID, func(rec *jobstore.Record) {
				rec.Status = jobstore.StatusFailed
				rec.Error = err.Error()
			})
			return
		}

		store.Update(jobID, func(rec *jobstore.Record) {
			rec.Status = jobstore.StatusCompleted
			rec.Output = bundle
		})
	}()

	return s
}
