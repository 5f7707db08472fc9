// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/sethvargo/go-retry"
)

// submitGracePeriod bounds how long TrackUsage may wait for buffer space.
// Instrumentation points sit on the foreground request path, so submission
// must return within this window regardless of buffer state.
const submitGracePeriod = 100 * time.Millisecond

// Store write deadlines. Final-flush writes during shutdown get a shorter
// deadline so shutdown stays bounded.
const (
	writeTimeout      = 30 * time.Second
	finalFlushTimeout = 10 * time.Second
)

// ErrBufferFull is returned by TrackUsage when an event was dropped because
// the buffer stayed full past the grace period. It is non-fatal: callers
// must discard it rather than failing the foreground request.
var ErrBufferFull = errors.New("buffer full, event dropped")

// TrackerStats is a point-in-time snapshot of the tracker counters.
type TrackerStats struct {
	EventsBuffered  int64 `json:"events_buffered"`
	EventsFlushed   int64 `json:"events_flushed"`
	Errors          int64 `json:"errors"`
	BufferOverflows int64 `json:"buffer_overflows"`
}

// Tracker buffers usage events in memory and flushes them to the datastore
// in batches, triggered by batch size or a periodic ticker. Writes run on a
// bounded worker pool so a slow datastore cannot pile up goroutines, and
// submission never blocks a caller beyond the grace period.
type Tracker struct {
	cfg       *Config
	datastore Datastore

	buffer      chan *Event
	flushTicker *time.Ticker
	flushReqs   chan chan error
	workers     chan struct{}
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	eventsBuffered  atomic.Int64
	eventsFlushed   atomic.Int64
	errors          atomic.Int64
	bufferOverflows atomic.Int64
}

// NewTracker creates a tracker and starts its dispatcher. The given context
// is used for logging only; lifecycle is controlled by Shutdown.
func NewTracker(ctx context.Context, cfg *Config, datastore Datastore) *Tracker {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	dispatchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	t := &Tracker{
		cfg:         cfg,
		datastore:   datastore,
		buffer:      make(chan *Event, cfg.BufferSize),
		flushTicker: time.NewTicker(cfg.FlushInterval),
		flushReqs:   make(chan chan error),
		workers:     make(chan struct{}, cfg.WorkerPoolSize),
		ctx:         dispatchCtx,
		cancel:      cancel,
	}

	t.wg.Add(1)
	go t.dispatch()

	return t
}

// TrackUsage submits an event for asynchronous persistence. When the buffer
// is full it waits up to the grace period, then drops the oldest queued
// event to make room. The returned ErrBufferFull is informational; the
// event accounting has already happened via the overflow counter.
func (t *Tracker) TrackUsage(ctx context.Context, event *Event) error {
	t.eventsBuffered.Add(1)

	select {
	case t.buffer <- event:
		return nil
	case <-time.After(submitGracePeriod):
	}

	select {
	case t.buffer <- event:
		return nil
	default:
	}

	// Still full: evict the oldest queued event and take its slot.
	t.bufferOverflows.Add(1)
	logging.FromContext(ctx).WarnContext(ctx, "credential usage buffer full, dropping oldest event")

	select {
	case <-t.buffer:
		select {
		case t.buffer <- event:
			return nil
		default:
		}
	default:
	}

	return ErrBufferFull
}

// Stats returns a snapshot of the tracker counters. Safe to call
// concurrently with submission and flushing.
func (t *Tracker) Stats() TrackerStats {
	return TrackerStats{
		EventsBuffered:  t.eventsBuffered.Load(),
		EventsFlushed:   t.eventsFlushed.Load(),
		Errors:          t.errors.Load(),
		BufferOverflows: t.bufferOverflows.Load(),
	}
}

// Flush synchronously persists everything currently pending, including an
// event the dispatcher has pulled off the buffer but not yet batched. The
// write itself runs on the dispatcher, so a nil return means nothing was
// pending when the flush completed. Bounded by ctx.
func (t *Tracker) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case t.flushReqs <- reply:
		select {
		case err := <-reply:
			return err
		case <-ctx.Done():
			return fmt.Errorf("flush: %w", ctx.Err())
		}
	case <-t.ctx.Done():
		// Dispatcher is gone; anything it held was written on the way out,
		// so the buffer is all that can remain.
		events := t.drainBuffer()
		if len(events) == 0 {
			return nil
		}
		return t.writeBatch(ctx, events)
	case <-ctx.Done():
		return fmt.Errorf("flush: %w", ctx.Err())
	}
}

// Shutdown stops the dispatcher, flushes whatever remains and waits for
// in-flight writers, bounded by ctx. After a nil return no further events
// will be flushed.
func (t *Tracker) Shutdown(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	logger.InfoContext(ctx, "shutting down credential usage tracker")

	t.flushTicker.Stop()
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoContext(ctx, "credential usage tracker shut down", "stats", t.Stats())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tracker shutdown: %w", ctx.Err())
	}
}

// dispatch is the single consumer of the buffer. It flushes on the periodic
// tick, on explicit Flush requests, and whenever enough events accumulate
// to fill a batch. An undersized batch pulled on the event path is handed
// back to the buffer except for its first event, which is held locally and
// folded into the next flush.
func (t *Tracker) dispatch() {
	defer t.wg.Done()

	var held *Event
	for {
		select {
		case <-t.ctx.Done():
			events := t.drainBuffer()
			if held != nil {
				events = append([]*Event{held}, events...)
			}
			if len(events) > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
				_ = t.writeBatch(ctx, events)
				cancel()
			}
			return

		case reply := <-t.flushReqs:
			events := t.drainBuffer()
			if held != nil {
				events = append([]*Event{held}, events...)
				held = nil
			}
			if len(events) == 0 {
				reply <- nil
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			reply <- t.writeBatch(ctx, events)
			cancel()

		case <-t.flushTicker.C:
			events := t.drainBufferUpTo(t.cfg.BatchSize)
			if held != nil {
				events = append([]*Event{held}, events...)
				held = nil
			}
			if len(events) > 0 {
				t.spawnWriter(events)
			}

		case event := <-t.buffer:
			events := []*Event{event}
			if held != nil {
				events = append([]*Event{held}, events...)
				held = nil
			}
			events = append(events, t.drainBufferUpTo(t.cfg.BatchSize-len(events))...)

			if len(events) >= t.cfg.BatchSize {
				t.spawnWriter(events)
				continue
			}

			// Not enough for a batch yet: give everything but the first
			// event back so the next drain sees it, and hold the first for
			// the next flush. Give-back is best-effort; a refused event is
			// an overflow drop.
			for i := len(events) - 1; i > 0; i-- {
				select {
				case t.buffer <- events[i]:
				default:
					t.bufferOverflows.Add(1)
				}
			}
			held = events[0]
		}
	}
}

// spawnWriter writes the batch on the worker pool. Blocks until a worker
// slot is free, which backpressures the dispatcher rather than the callers.
func (t *Tracker) spawnWriter(events []*Event) {
	t.workers <- struct{}{}
	t.wg.Add(1)
	go func() {
		defer func() { <-t.workers }()
		defer t.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		if err := t.writeBatch(ctx, events); err != nil {
			logging.FromContext(t.ctx).ErrorContext(ctx, "failed to flush credential usage events",
				"count", len(events),
				"error", err)
		}
	}()
}

func (t *Tracker) drainBuffer() []*Event {
	events := make([]*Event, 0, t.cfg.BatchSize)
	for {
		select {
		case event := <-t.buffer:
			events = append(events, event)
		default:
			return events
		}
	}
}

func (t *Tracker) drainBufferUpTo(n int) []*Event {
	events := make([]*Event, 0, max(n, 0))
	for i := 0; i < n; i++ {
		select {
		case event := <-t.buffer:
			events = append(events, event)
		default:
			return events
		}
	}
	return events
}

// writeBatch persists a batch, retrying failed records with linear backoff.
// Records are built once so their generated IDs are stable across attempts,
// and already-written records are skipped on retry, so a partially failed
// batch never produces duplicate rows. Events within the batch are written
// in enqueue order.
func (t *Tracker) writeBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	logger := logging.FromContext(ctx)

	records := make([]*EventRecord, 0, len(events))
	for _, event := range events {
		records = append(records, newEventRecord(event))
	}
	written := make([]bool, len(records))

	backoff := retry.WithMaxRetries(uint64(t.cfg.RetryAttempts-1), linearBackoff(t.cfg.RetryBackoff))
	retryErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var lastErr error
		for i, record := range records {
			if written[i] {
				continue
			}
			if err := t.datastore.SaveUsageEvent(ctx, record); err != nil {
				lastErr = err
				logger.ErrorContext(ctx, "failed to save credential usage record",
					"record_id", record.ID,
					"error", err)
				continue
			}
			written[i] = true
			t.eventsFlushed.Add(1)
		}
		if lastErr != nil {
			return retry.RetryableError(fmt.Errorf("failed to save one or more records: %w", lastErr))
		}
		return nil
	})
	if retryErr == nil {
		logger.DebugContext(ctx, "flushed credential usage events", "count", len(events))
		return nil
	}

	// Surrender whatever is still unwritten after the final attempt.
	var lost int64
	for _, ok := range written {
		if !ok {
			lost++
		}
	}
	t.errors.Add(lost)

	return fmt.Errorf("failed to write batch after %d attempts (%d records lost): %w",
		t.cfg.RetryAttempts, lost, retryErr)
}

// linearBackoff waits backoff*1 before the first retry, backoff*2 before
// the second, and so on.
func linearBackoff(d time.Duration) retry.Backoff {
	var attempt int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * d, false
	})
}
