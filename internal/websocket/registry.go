package websocket

import (
	"context"
	"errors"
	"sync"

	"ollama-chat-be/pkg/ollama"

	"github.com/google/uuid"
)

var ErrStreamBound = errors.New("stream already bound to session")

// streamEntry pairs the live handle with a channel closed when the slot is
// released, so callers can wait for the finisher to clear it.
type streamEntry struct {
	stream  *ollama.ChatStream
	cleared chan struct{}
}

// StreamRegistry tracks the live chat stream per session for one connection.
// An entry is reserved with Register before the upstream request is made and
// bound to the handle with Bind once it exists; the window between the two is
// only ever crossed by the connection's own reader goroutine, so a stop can
// never observe a reserved-but-unbound slot.
type StreamRegistry struct {
	mu      sync.Mutex
	streams map[uuid.UUID]*streamEntry
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		streams: make(map[uuid.UUID]*streamEntry),
	}
}

// Register reserves the slot for sessionId. It fails when a stream is
// already reserved or running, which is the sole duplicate-send guard.
func (r *StreamRegistry) Register(sessionId uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[sessionId]; ok {
		return ErrStreamBound
	}
	r.streams[sessionId] = &streamEntry{cleared: make(chan struct{})}
	return nil
}

// Bind attaches the live handle to a previously reserved slot.
func (r *StreamRegistry) Bind(sessionId uuid.UUID, stream *ollama.ChatStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.streams[sessionId]; ok {
		entry.stream = stream
	}
}

// Remove releases the slot. Only the finisher calls this, after the exchange
// has been persisted; it is the point at which the session reads as idle.
func (r *StreamRegistry) Remove(sessionId uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.streams[sessionId]; ok {
		close(entry.cleared)
		delete(r.streams, sessionId)
	}
}

// Stop cancels the stream bound to sessionId. The slot stays reserved until
// the finisher has flushed the partial row and calls Remove, so a send issued
// right after a stop is still rejected. Reports false when nothing was
// streaming, making a stray stop a no-op.
func (r *StreamRegistry) Stop(sessionId uuid.UUID) bool {
	r.mu.Lock()
	entry, ok := r.streams[sessionId]
	r.mu.Unlock()

	if !ok || entry.stream == nil {
		return false
	}
	entry.stream.Cancel()
	return true
}

// StopAll cancels everything this connection had in flight. Called on
// connection teardown; each finisher still removes its own slot.
func (r *StreamRegistry) StopAll() {
	r.mu.Lock()
	streams := make([]*ollama.ChatStream, 0, len(r.streams))
	for _, entry := range r.streams {
		if entry.stream != nil {
			streams = append(streams, entry.stream)
		}
	}
	r.mu.Unlock()

	for _, stream := range streams {
		stream.Cancel()
	}
}

// WaitIdle blocks until the slot for sessionId has been released, or returns
// the context error. Returns immediately when the session is already idle.
func (r *StreamRegistry) WaitIdle(ctx context.Context, sessionId uuid.UUID) error {
	r.mu.Lock()
	entry, ok := r.streams[sessionId]
	r.mu.Unlock()

	if !ok {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-entry.cleared:
		return nil
	}
}

// Active reports whether a stream is reserved or running for sessionId.
func (r *StreamRegistry) Active(sessionId uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[sessionId]
	return ok
}
