package core

import (
	"context"
	"sync"
	"time"
)

// StreamOptions configures a Stream.
type StreamOptions struct {
	// Buffer is the channel capacity. Emit blocks once it is full.
	Buffer int
	// Grace bounds how long the terminal event waits for a consumer that
	// stopped reading.
	Grace time.Duration
	// Observers see every delivered event, in order, on the producer goroutine.
	Observers []func(Event)
	// Now is used for timestamps.
	Now func() time.Time
}

// Stream is the bounded, ordered and cancellable event feed of one root run.
// A single producer emits; nested conversations emit through scoped Emitters
// sharing the same sequence. The stream carries exactly one terminal event
// (done or error) and is closed right after it.
type Stream struct {
	opts StreamOptions
	ch   chan Event

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewStream creates a stream.
func NewStream(optFns ...func(o *StreamOptions)) *Stream {
	opts := StreamOptions{
		Buffer: 64,
		Grace:  time.Second,
		Now:    func() time.Time { return time.Now().UTC() },
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Buffer < 0 {
		opts.Buffer = 0
	}

	return &Stream{opts: opts, ch: make(chan Event, opts.Buffer)}
}

// Events returns the receive-only channel consumers read from.
func (s *Stream) Events() <-chan Event { return s.ch }

// Scope returns an Emitter stamping events with a conversation id, agent and
// depth.
func (s *Stream) Scope(conversationID, agent string, depth int) *Emitter {
	return &Emitter{stream: s, conversationID: conversationID, agent: agent, depth: depth}
}

// emit delivers a non-terminal event. The sequence number is only consumed
// when the event is delivered, so cancellation never leaves gaps.
func (s *Stream) emit(ctx context.Context, ev Event) error {
	if ev.Type.Terminal() {
		return Errorf(KindInternal, "terminal event %q must be sent with Finish", ev.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Errorf(KindInternal, "stream closed")
	}

	if err := ctx.Err(); err != nil {
		return NewError(KindCancelled, "operation cancelled", err)
	}

	ev.Seq = s.seq + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.opts.Now()
	}

	select {
	case s.ch <- ev:
	case <-ctx.Done():
		return NewError(KindCancelled, "operation cancelled", ctx.Err())
	}

	s.seq = ev.Seq
	s.notify(ev)

	return nil
}

// Finish sends the terminal event and closes the stream. It ignores
// cancellation of the run context; a consumer that stopped reading is given
// the grace period before the event is dropped. Calls after the first are
// no-ops.
func (s *Stream) Finish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true

	ev.Seq = s.seq + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.opts.Now()
	}

	timer := time.NewTimer(s.opts.Grace)
	defer timer.Stop()

	select {
	case s.ch <- ev:
		s.seq = ev.Seq
	case <-timer.C:
	}

	s.notify(ev)
	close(s.ch)
}

// Seq returns the last delivered sequence number.
func (s *Stream) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.seq
}

func (s *Stream) notify(ev Event) {
	for _, fn := range s.opts.Observers {
		fn(ev)
	}
}

// Emitter is a view on a Stream bound to one conversation. A nil Emitter
// discards events, which keeps tool and delegation code usable without a
// consumer.
type Emitter struct {
	stream         *Stream
	conversationID string
	agent          string
	depth          int
}

// Emit stamps ev with the emitter's conversation, agent and depth and
// delivers it.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	if e == nil || e.stream == nil {
		return nil
	}

	ev.ConversationID = e.conversationID
	if ev.Agent == "" {
		ev.Agent = e.agent
	}
	ev.Depth = e.depth

	return e.stream.emit(ctx, ev)
}

// Nested returns an emitter for a nested conversation one level deeper.
func (e *Emitter) Nested(conversationID, agent string) *Emitter {
	if e == nil {
		return nil
	}

	return &Emitter{stream: e.stream, conversationID: conversationID, agent: agent, depth: e.depth + 1}
}

// ConversationID returns the conversation the emitter is bound to.
func (e *Emitter) ConversationID() string {
	if e == nil {
		return ""
	}
	return e.conversationID
}

// Depth returns the nesting depth of the emitter's conversation.
func (e *Emitter) Depth() int {
	if e == nil {
		return 0
	}
	return e.depth
}
