// Package trace provides the fire-and-forget trace sink. Outbound
// events are offered to the sink on emission; the sink must never block
// the event pipeline, so records are dropped under backpressure and the
// drop count is surfaced for the health endpoint.
package trace

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Record is one traced event.
type Record struct {
	SessionID string
	Event     string
	Timestamp time.Time
	Payload   []byte
}

// Store receives trace records. Implementations may persist them
// anywhere; errors are logged and otherwise ignored.
type Store interface {
	Write(ctx context.Context, rec Record) error
}

// Sink fans records out to a Store through a buffered channel.
type Sink struct {
	ch      chan Record
	store   Store
	dropped atomic.Int64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSink starts the drain goroutine. A nil store discards records
// (the sink still counts offered records for tests).
func NewSink(store Store, buffer int) *Sink {
	if buffer < 1 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		ch:     make(chan Record, buffer),
		store:  store,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.drain(ctx)
	return s
}

// Offer enqueues a record without blocking. Full buffer ⇒ dropped.
func (s *Sink) Offer(rec Record) {
	select {
	case s.ch <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of records lost to backpressure.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Close stops the drain goroutine after the buffer empties.
func (s *Sink) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sink) drain(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.ch:
			s.write(ctx, rec)
		case <-ctx.Done():
			// Drain what is already buffered, then exit.
			for {
				select {
				case rec := <-s.ch:
					s.write(context.Background(), rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(ctx context.Context, rec Record) {
	if s.store == nil {
		return
	}
	if err := s.store.Write(ctx, rec); err != nil {
		slog.Warn("Trace store write failed",
			"session_id", rec.SessionID, "event", rec.Event, "error", err)
	}
}

// SlogStore logs trace records at debug level. The default store for
// deployments without an external trace backend.
type SlogStore struct{}

// Write implements Store.
func (SlogStore) Write(_ context.Context, rec Record) error {
	slog.Debug("trace", "session_id", rec.SessionID, "event", rec.Event)
	return nil
}
