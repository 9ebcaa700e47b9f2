package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultStreamTimeout is how long a Stream may sit idle (no write, no end)
// before it is automatically ended.
const DefaultStreamTimeout = 2 * time.Minute

// ErrStreamEnded is returned by Write after the stream has ended.
var ErrStreamEnded = errors.New("stream has ended")

// Stream is a buffered, change-notifying output channel that lets a call
// keep emitting values after its initial response has been sent.
//
// Rules:
//   - Streams must be handed back through Result.Streams; streams buried in
//     side effect results are ignored.
//   - A stream that is neither written to nor ended within its inactivity
//     timeout is ended automatically.
type Stream struct {
	id string

	mu        sync.Mutex
	backlog   []any
	ended     bool
	listeners []func()
	idle      *time.Timer
	timeout   time.Duration
}

// NewStream creates a stream with DefaultStreamTimeout.
func NewStream() *Stream {
	return NewStreamTimeout(DefaultStreamTimeout)
}

// NewStreamTimeout creates a stream that auto-ends after d of inactivity.
func NewStreamTimeout(d time.Duration) *Stream {
	s := &Stream{
		id:      uuid.NewString(),
		timeout: d,
	}
	s.idle = time.AfterFunc(d, s.End)
	return s
}

// ID returns the stream's identifier, used to tag its frames on the wire.
func (s *Stream) ID() string {
	return s.id
}

// Write appends v to the unsent backlog and notifies listeners. It fails
// once the stream has ended.
func (s *Stream) Write(v any) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrStreamEnded
	}
	s.backlog = append(s.backlog, v)
	s.idle.Reset(s.timeout)
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return nil
}

// End marks the stream ended, fires a final change notification so any
// pending backlog is flushed, and drops all listeners. End is idempotent.
func (s *Stream) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.idle.Stop()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Read atomically drains and returns the backlog together with the ended
// flag. It is intended to be called once per change notification.
func (s *Stream) Read() (backlog []any, ended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	backlog = s.backlog
	s.backlog = nil
	if backlog == nil {
		backlog = []any{}
	}
	return backlog, s.ended
}

// OnChange registers fn to run after every write and on end. Registration
// after End is a no-op.
func (s *Stream) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.listeners = append(s.listeners, fn)
}

// Result is the typed envelope an endpoint handler returns when its response
// carries streams. Payload must be nil or encode to a JSON object when
// Streams is non-empty; each stream handle is serialized into the mutation
// result under its name as {"$stream": id}.
type Result struct {
	Payload any
	Streams map[string]*Stream
}
