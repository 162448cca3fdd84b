package comfy

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// HistoryFetcher is the poll contract the Finalizer depends on. *Client
// satisfies it.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, promptID string) (*ExecutionRecord, error)
}

// Finalizer waits for produced assets to stop being provisional. A record
// can report outputs while individual assets are still being flushed to
// durable storage; surfacing them immediately would race the engine.
type Finalizer struct {
	fetcher  HistoryFetcher
	attempts int
	delay    time.Duration
	log      zerolog.Logger
}

// NewFinalizer builds a Finalizer with the given refresh budget.
func NewFinalizer(fetcher HistoryFetcher, attempts int, delay time.Duration, log zerolog.Logger) *Finalizer {
	if attempts <= 0 {
		attempts = 10
	}
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Finalizer{fetcher: fetcher, attempts: attempts, delay: delay, log: log}
}

// Wait returns as soon as the record carries at least one non-provisional
// asset, refreshing it from history up to the attempt budget otherwise.
// A record with no asset descriptors at all is final by definition. On
// budget exhaustion the last-seen record is returned anyway; partial or
// empty output beats an indefinite hang.
//
// Wait is idempotent: an already-final record is returned unchanged with
// zero history fetches.
func (f *Finalizer) Wait(ctx context.Context, promptID string, record *ExecutionRecord) *ExecutionRecord {
	if record.HasFinalAsset() || !record.HasOutputs() {
		return record
	}

	for attempt := 0; attempt < f.attempts; attempt++ {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return record
		}

		refreshed, err := f.fetcher.FetchHistory(ctx, promptID)
		if err != nil {
			f.log.Warn().Err(err).
				Str("prompt_id", promptID).
				Int("attempt", attempt+1).
				Msg("finalization refresh failed")
			continue
		}
		if refreshed != nil {
			record = refreshed
		}
		if record.HasFinalAsset() {
			return record
		}
		f.log.Debug().
			Str("prompt_id", promptID).
			Int("attempt", attempt+1).
			Int("attempts", f.attempts).
			Msg("outputs still provisional, waiting")
	}

	f.log.Warn().
		Str("prompt_id", promptID).
		Int("attempts", f.attempts).
		Msg("finalization budget exhausted, proceeding with last-seen record")
	return record
}
