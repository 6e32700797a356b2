// Package transport implements the reliable-delivery layer: per-session
// outbound sequencing with a bounded replay buffer, and the WebSocket
// connection wrapper that owns socket I/O.
package transport

import (
	"errors"
	"sync"
)

// ErrReplayGap is returned when the requested replay range has been
// evicted from the ring. The client must fall back to a full state
// restore.
var ErrReplayGap = errors.New("requested events evicted from outbound log")

// LogEntry is one retained outbound event.
type LogEntry struct {
	Seq     int64
	EventID string
	Frame   []byte
}

// OutboundLog is a bounded ring of the most recent outbound events for
// one session. Seq starts at 1 and increases without gaps. When the ring
// is full, acked entries are evicted first; if none are acked the oldest
// entry is evicted anyway so emission never stalls.
type OutboundLog struct {
	mu      sync.Mutex
	entries []LogEntry
	cap     int
	lastSeq int64
	ackSeq  int64
}

// NewOutboundLog creates a log retaining at most size entries.
func NewOutboundLog(size int) *OutboundLog {
	if size < 1 {
		size = 1
	}
	return &OutboundLog{cap: size}
}

// Append assigns the next seq to the frame and retains it for replay.
func (l *OutboundLog) Append(eventID string, frame []byte) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	if len(l.entries) >= l.cap {
		// Forced eviction of the oldest entry, acked or not.
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, LogEntry{Seq: l.lastSeq, EventID: eventID, Frame: frame})
	return l.lastSeq
}

// Ack advances the client-confirmed position. Acks are idempotent and
// never move backwards.
func (l *OutboundLog) Ack(seq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.ackSeq {
		if seq > l.lastSeq {
			seq = l.lastSeq
		}
		l.ackSeq = seq
	}
}

// AckEventID resolves an event-id ack to its seq. Returns false when the
// id is no longer in the ring (seq remains authoritative; a stale id ack
// is simply ignored).
func (l *OutboundLog) AckEventID(eventID string) (int64, bool) {
	l.mu.Lock()
	var seq int64
	found := false
	for _, e := range l.entries {
		if e.EventID == eventID {
			seq = e.Seq
			found = true
			break
		}
	}
	l.mu.Unlock()

	if found {
		l.Ack(seq)
	}
	return seq, found
}

// Since returns the retained entries with seq > after, in order. Returns
// ErrReplayGap when events in (after, tail) have already been evicted.
func (l *OutboundLog) Since(after int64) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if after >= l.lastSeq {
		return nil, nil
	}
	if len(l.entries) == 0 || l.entries[0].Seq > after+1 {
		return nil, ErrReplayGap
	}

	out := make([]LogEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out, nil
}

// LastSeq returns the highest assigned seq.
func (l *OutboundLog) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// LastAck returns the highest client-confirmed seq.
func (l *OutboundLog) LastAck() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ackSeq
}

// Restore re-seeds the sequence counters from exported state. Used when a
// session is rebuilt from a signed blob on a fresh process; the ring
// itself starts empty, so any replay request into the restored range
// reports a gap.
func (l *OutboundLog) Restore(lastSeq, ackSeq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeq = lastSeq
	l.ackSeq = ackSeq
	l.entries = nil
}
