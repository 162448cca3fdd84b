package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"comfyworker/internal/comfy"
	"comfyworker/internal/outputs"
)

type fakeEngine struct {
	promptID     string
	submitErr    error
	historyCalls int
	record       *comfy.ExecutionRecord
	historyErr   error
}

func (e *fakeEngine) SubmitPrompt(ctx context.Context, workflow map[string]any) (string, error) {
	return e.promptID, e.submitErr
}

func (e *fakeEngine) FetchHistory(ctx context.Context, promptID string) (*comfy.ExecutionRecord, error) {
	e.historyCalls++
	return e.record, e.historyErr
}

type fakeStream struct {
	result comfy.WatchResult
	err    error
}

func (s *fakeStream) Watch(ctx context.Context, promptID string) (comfy.WatchResult, error) {
	return s.result, s.err
}

type fakeFinalizer struct {
	calls int
}

func (f *fakeFinalizer) Wait(ctx context.Context, promptID string, record *comfy.ExecutionRecord) *comfy.ExecutionRecord {
	f.calls++
	return record
}

type fakeProcessor struct {
	bundle *outputs.Bundle
	err    error
	calls  int
}

func (p *fakeProcessor) Process(ctx context.Context, record *comfy.ExecutionRecord, jobID string) (*outputs.Bundle, error) {
	p.calls++
	return p.bundle, p.err
}

func recordWithAsset() *comfy.ExecutionRecord {
	return &comfy.ExecutionRecord{Outputs: map[string]comfy.NodeOutput{
		"9": {Images: []comfy.Asset{{Filename: "out.png", Type: "output"}}},
	}}
}

func newTestRunner(engine *fakeEngine, stream Stream, fin *fakeFinalizer, proc *fakeProcessor) *Runner {
	return NewRunner(engine, stream, fin, proc, zerolog.Nop())
}

func TestRunCompletedJob(t *testing.T) {
	engine := &fakeEngine{promptID: "p1", record: recordWithAsset()}
	proc := &fakeProcessor{bundle: &outputs.Bundle{Images: []outputs.EncodedAsset{{Filename: "out.png"}}}}
	fin := &fakeFinalizer{}
	runner := newTestRunner(engine, &fakeStream{result: comfy.WatchResult{State: comfy.StateCompleted}}, fin, proc)

	bundle, err := runner.Run(context.Background(), "job-1", map[string]any{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(bundle.Images) != 1 {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}
	if engine.historyCalls != 1 {
		t.Fatalf("completed job must fetch history exactly once, got %d", engine.historyCalls)
	}
	if fin.calls != 1 || proc.calls != 1 {
		t.Fatalf("finalizer/processor calls: %d/%d", fin.calls, proc.calls)
	}
}

func TestRunExecutionErrorSkipsHistory(t *testing.T) {
	engine := &fakeEngine{promptID: "p1"}
	proc := &fakeProcessor{}
	execErr := &comfy.ExecutionError{NodeType: "KSampler", NodeID: "3", Message: "CUDA out of memory"}
	runner := newTestRunner(engine, &fakeStream{result: comfy.WatchResult{State: comfy.StateFailed, ExecErr: execErr}}, &fakeFinalizer{}, proc)

	_, err := runner.Run(context.Background(), "job-1", map[string]any{})
	var got *comfy.ExecutionError
	if !errors.As(err, &got) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if got.NodeID != "3" {
		t.Fatalf("error detail lost: %+v", got)
	}
	if engine.historyCalls != 0 {
		t.Fatalf("failed job must not fetch history, got %d calls", engine.historyCalls)
	}
	if proc.calls != 0 {
		t.Fatalf("failed job must not process outputs")
	}
}

func TestRunStreamUnavailableFallsBackToHistory(t *testing.T) {
	engine := &fakeEngine{promptID: "p1", record: recordWithAsset()}
	proc := &fakeProcessor{bundle: outputs.EmptyBundle()}
	runner := newTestRunner(engine, &fakeStream{result: comfy.WatchResult{State: comfy.StateStreamUnavailable}}, &fakeFinalizer{}, proc)

	if _, err := runner.Run(context.Background(), "job-1", map[string]any{}); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if engine.historyCalls != 1 {
		t.Fatalf("fallback must fetch history exactly once, got %d", engine.historyCalls)
	}
}

func TestRunStreamUnavailableHistoryMissFails(t *testing.T) {
	engine := &fakeEngine{promptID: "p1", historyErr: comfy.ErrHistoryNotFound}
	runner := newTestRunner(engine, &fakeStream{result: comfy.WatchResult{State: comfy.StateStreamUnavailable}}, &fakeFinalizer{}, &fakeProcessor{})

	_, err := runner.Run(context.Background(), "job-1", map[string]any{})
	if !errors.Is(err, comfy.ErrHistoryNotFound) {
		t.Fatalf("expected ErrHistoryNotFound, got %v", err)
	}
}

func TestRunNoOutputsIsSuccess(t *testing.T) {
	engine := &fakeEngine{promptID: "p1", record: &comfy.ExecutionRecord{Outputs: map[string]comfy.NodeOutput{}}}
	proc := &fakeProcessor{}
	runner := newTestRunner(engine, &fakeStream{result: comfy.WatchResult{State: comfy.StateCompleted}}, &fakeFinalizer{}, proc)

	bundle, err := runner.Run(context.Background(), "job-1", map[string]any{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(bundle.Images) != 0 || len(bundle.Videos) != 0 {
		t.Fatalf("expected empty bundle, got %+v", bundle)
	}
	if bundle.Images == nil || bundle.Videos == nil {
		t.Fatalf("empty bundle must serialize as arrays, not null")
	}
	if proc.calls != 0 {
		t.Fatalf("empty record must not reach the processor")
	}
}

func TestRunSubmitError(t *testing.T) {
	engine := &fakeEngine{submitErr: errors.New("engine rejected workflow")}
	runner := newTestRunner(engine, &fakeStream{}, &fakeFinalizer{}, &fakeProcessor{})

	if _, err := runner.Run(context.Background(), "job-1", map[string]any{}); err == nil {
		t.Fatalf("expected submission error to propagate")
	}
	if engine.historyCalls != 0 {
		t.Fatalf("rejected submission must not fetch history")
	}
}

func TestRunWatchContextError(t *testing.T) {
	engine := &fakeEngine{promptID: "p1"}
	runner := newTestRunner(engine, &fakeStream{err: context.Canceled}, &fakeFinalizer{}, &fakeProcessor{})

	if _, err := runner.Run(context.Background(), "job-1", map[string]any{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error to propagate, got %v", err)
	}
}
