package hub

import (
	"os"

	"github.com/rs/zerolog"
)

// refCounterLog is a dedicated zerolog logger for ref-counter
// diagnostics: this is the one place in the gateway where a logic
// error (an illegal decrement) needs a structured, always-on record
// independent of the configurable internal/logging level, since it
// indicates a bug in the Client Hub's own bookkeeping rather than an
// operational event.
var refCounterLog = zerolog.New(os.Stderr).With().Timestamp().Str("component", "refcounter").Logger()

// RefCounter implements the Subscription Ref-Counter (spec.md §4.6): a
// plain map guarded by the same mutex as the Client Hub's indices
// (callers hold Hub.mu around every call). Streams absent from the
// map have count 0. Decrementing below zero is a logic error and
// raises a diagnostic rather than silently clamping.
type RefCounter struct {
	counts map[string]int
}

// NewRefCounter constructs an empty ref-counter.
func NewRefCounter() *RefCounter {
	return &RefCounter{counts: make(map[string]int)}
}

// Acquire increments the count for stream and reports whether this
// call transitioned it 0->1.
func (r *RefCounter) Acquire(stream string) bool {
	prev := r.counts[stream]
	r.counts[stream] = prev + 1
	return prev == 0
}

// Release decrements the count for stream and reports whether this
// call transitioned it 1->0. Decrementing a stream already at 0 is a
// logic error: it is logged as a diagnostic and the count is clamped
// at 0 rather than going negative.
func (r *RefCounter) Release(stream string) bool {
	prev := r.counts[stream]
	if prev <= 0 {
		refCounterLog.Error().Str("stream", stream).Int("count", prev).Msg("release called on a stream already at zero")
		r.counts[stream] = 0
		return false
	}
	r.counts[stream] = prev - 1
	return prev == 1
}

// Count returns the current ref-count for stream (0 if absent).
func (r *RefCounter) Count(stream string) int {
	return r.counts[stream]
}
