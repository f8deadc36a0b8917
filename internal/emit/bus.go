// Package emit is the outbound side of the engine: named logical streams
// (trade-applied, position-corrected, regulatory, dlq, ...) carrying JSON
// records keyed by positionKey.
//
// Each stream has a single delivery goroutine fed by a buffered channel, so
// records for one stream are delivered to every subscriber in emit order —
// that is what preserves per-key ordering and the invariant that a
// UPI_INVALIDATION summary precedes its fan-out TRADE_CORRECTION records.
//
// Emission is strictly after-commit: callers invoke Emit only once the
// primary transaction has committed, and a failed delivery is logged, never
// propagated back into the commit path.
package emit

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"swapledger/pkg/types"
)

// Record is the envelope delivered on every stream.
type Record struct {
	Stream  string `json:"stream"`
	Key     string `json:"key"` // positionKey; partitioning key for consumers
	Payload any    `json:"payload"`
}

// Tap observes every record on every stream. Used by the WebSocket hub.
type Tap func(Record)

const (
	streamBuffer     = 1024
	subscriberBuffer = 256
)

type stream struct {
	name string
	in   chan Record

	mu   sync.RWMutex
	subs []chan Record

	emitted atomic.Int64
	dropped atomic.Int64
}

// Bus owns the outbound streams. All streams are created up front; unknown
// stream names are rejected at emit time to catch wiring mistakes.
type Bus struct {
	streams map[string]*stream
	logger  *slog.Logger

	mu   sync.RWMutex
	taps []Tap

	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewBus creates the bus with the six outbound streams and starts one
// delivery goroutine per stream.
func NewBus(logger *slog.Logger) *Bus {
	b := &Bus{
		streams: make(map[string]*stream),
		logger:  logger.With("component", "emitter"),
	}
	for _, name := range []string{
		types.StreamTradeApplied,
		types.StreamProvisionalTrade,
		types.StreamPositionCorrected,
		types.StreamRegulatory,
		types.StreamDLQ,
		types.StreamErrorRetry,
	} {
		st := &stream{name: name, in: make(chan Record, streamBuffer)}
		b.streams[name] = st
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.deliver(st)
		}()
	}
	return b
}

// Emit places a record on a stream. The send blocks if the stream buffer is
// full, which back-pressures the producer rather than reordering records.
func (b *Bus) Emit(streamName, key string, payload any) {
	st, ok := b.streams[streamName]
	if !ok {
		b.logger.Error("emit to unknown stream", "stream", streamName, "key", key)
		return
	}
	if b.closed.Load() {
		b.logger.Warn("emit after close dropped", "stream", streamName, "key", key)
		return
	}
	st.in <- Record{Stream: streamName, Key: key, Payload: payload}
}

// Subscribe attaches a consumer to a stream. The returned channel receives
// records in emit order; a consumer that falls more than subscriberBuffer
// records behind starts losing records (logged, counted).
func (b *Bus) Subscribe(streamName string) (<-chan Record, error) {
	st, ok := b.streams[streamName]
	if !ok {
		return nil, &UnknownStreamError{Stream: streamName}
	}
	ch := make(chan Record, subscriberBuffer)
	st.mu.Lock()
	st.subs = append(st.subs, ch)
	st.mu.Unlock()
	return ch, nil
}

// AddTap registers an observer of all streams.
func (b *Bus) AddTap(t Tap) {
	b.mu.Lock()
	b.taps = append(b.taps, t)
	b.mu.Unlock()
}

// Counts returns emitted record counts per stream, for diagnostics.
func (b *Bus) Counts() map[string]int64 {
	out := make(map[string]int64, len(b.streams))
	for name, st := range b.streams {
		out[name] = st.emitted.Load()
	}
	return out
}

// Close stops accepting records, drains the in-flight buffers, and closes
// all subscriber channels.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	for _, st := range b.streams {
		close(st.in)
	}
	b.wg.Wait()
	for _, st := range b.streams {
		st.mu.Lock()
		for _, ch := range st.subs {
			close(ch)
		}
		st.subs = nil
		st.mu.Unlock()
	}
}

func (b *Bus) deliver(st *stream) {
	for rec := range st.in {
		st.emitted.Add(1)

		b.mu.RLock()
		taps := b.taps
		b.mu.RUnlock()
		for _, t := range taps {
			t(rec)
		}

		st.mu.RLock()
		subs := st.subs
		st.mu.RUnlock()
		for _, ch := range subs {
			select {
			case ch <- rec:
			default:
				st.dropped.Add(1)
				b.logger.Warn("subscriber behind, record dropped",
					"stream", st.name, "key", rec.Key)
			}
		}
	}
}

// UnknownStreamError is returned by Subscribe for a stream the bus does
// not carry.
type UnknownStreamError struct {
	Stream string
}

func (e *UnknownStreamError) Error() string {
	return "emit: unknown stream " + e.Stream
}
