// Package streaming fans typed workflow events out to stream consumers.
// The broker keeps a bounded replay buffer per request so a consumer
// that attaches after work began still sees the full event history, and
// supports SSE and WebSocket transports over the same feed.
package streaming

import (
	"sync"

	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/types"
)

const defaultBufferSize = 256

// Broker routes events by request id to any number of subscribers.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*stream
	logger  *zap.Logger
}

type stream struct {
	history     []types.StreamEvent
	subscribers map[int]chan types.StreamEvent
	nextSub     int
	done        bool
}

// NewBroker creates an empty broker.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		streams: make(map[string]*stream),
		logger:  logger.With(zap.String("component", "event_broker")),
	}
}

// Publish delivers an event to all current subscribers of the request
// and appends it to the replay history. Slow subscribers that cannot
// keep up with the buffer are dropped rather than blocking the
// publisher.
func (b *Broker) Publish(requestID string, ev types.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(requestID)
	if st.done {
		return
	}
	st.history = append(st.history, ev)
	for id, ch := range st.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping slow event subscriber",
				zap.String("request_id", requestID),
				zap.Int("subscriber", id),
			)
			close(ch)
			delete(st.subscribers, id)
		}
	}
	if ev.Type == types.EventDone || ev.Type == types.EventError {
		b.finish(st)
	}
}

// Subscribe attaches to a request's event feed. The returned channel
// first replays history, then receives live events, and is closed when
// the stream finishes. The cancel function detaches early.
func (b *Broker) Subscribe(requestID string) (<-chan types.StreamEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(requestID)
	ch := make(chan types.StreamEvent, defaultBufferSize+len(st.history))
	for _, ev := range st.history {
		ch <- ev
	}
	if st.done {
		close(ch)
		return ch, func() {}
	}

	id := st.nextSub
	st.nextSub++
	st.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := st.subscribers[id]; ok {
			close(c)
			delete(st.subscribers, id)
		}
	}
	return ch, cancel
}

// Close terminates a request's stream, closing all subscriber channels.
// Further publishes for the request are dropped. History is retained
// for late subscribers until Forget is called.
func (b *Broker) Close(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.streams[requestID]; ok {
		b.finish(st)
	}
}

// Forget releases the replay history of a finished request.
func (b *Broker) Forget(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, requestID)
}

// ActiveStreams reports how many request streams currently hold replay
// history.
func (b *Broker) ActiveStreams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *Broker) stream(requestID string) *stream {
	st, ok := b.streams[requestID]
	if !ok {
		st = &stream{subscribers: make(map[int]chan types.StreamEvent)}
		b.streams[requestID] = st
	}
	return st
}

func (b *Broker) finish(st *stream) {
	if st.done {
		return
	}
	st.done = true
	for id, ch := range st.subscribers {
		close(ch)
		delete(st.subscribers, id)
	}
}
