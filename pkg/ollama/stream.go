package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
)

// Fragment is one incremental piece of generated text from a chat stream.
// Done marks the terminal fragment.
type Fragment struct {
	Content string
	Done    bool
}

// FragmentHandler receives fragments in backend-arrival order. It is invoked
// inline from the stream's reader goroutine, so persistence done inside the
// handler is naturally serialized per stream.
type FragmentHandler func(Fragment)

// ChatStream is a live, cancellable subscription to one streaming chat
// completion.
type ChatStream struct {
	cancel context.CancelFunc
	body   io.ReadCloser
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
	err       error
}

// streamClient deliberately has no overall timeout; the lifetime of a stream
// is bounded by the context deadline set in StreamChat instead.
var streamClient = &http.Client{}

// StreamChat opens a streaming chat completion and spawns a reader goroutine
// that invokes handler once per parsed fragment. The returned stream must be
// finished with Wait or torn down with Cancel.
func (c *Client) StreamChat(ctx context.Context, model string, messages []Message, handler FragmentHandler) (*ChatStream, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var (
		streamCtx context.Context
		cancel    context.CancelFunc
	)
	if c.StreamTimeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, c.StreamTimeout)
	} else {
		streamCtx, cancel = context.WithCancel(ctx)
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.BaseURL+chatEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		cancel()
		return nil, fmt.Errorf("ollama error: status %d, body: %s", res.StatusCode, string(body))
	}

	stream := &ChatStream{
		cancel: cancel,
		body:   res.Body,
		done:   make(chan struct{}),
	}
	go stream.run(handler)
	return stream, nil
}

func (s *ChatStream) run(handler FragmentHandler) {
	defer close(s.done)
	defer s.body.Close()
	defer s.cancel()

	var lb lineBuffer
	buf := make([]byte, 4096)
	sawDone := false

	for {
		n, err := s.body.Read(buf)
		if n > 0 {
			for _, line := range lb.feed(buf[:n]) {
				frag, ok := parseFragment(line)
				if !ok {
					continue
				}
				handler(frag)
				if frag.Done {
					sawDone = true
				}
			}
		}
		if sawDone {
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The backend may close without a trailing newline; the
				// carried partial line is still a complete JSON object then.
				if rest := lb.rest(); len(rest) > 0 {
					if frag, ok := parseFragment(rest); ok {
						handler(frag)
						sawDone = sawDone || frag.Done
					}
				}
				if !sawDone && !s.isCancelled() {
					handler(Fragment{Done: true})
				}
				return
			}
			if !s.isCancelled() {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
	}
}

// Cancel terminates the underlying connection and joins the reader goroutine.
// After Cancel returns no further handler invocations occur. Calling it more
// than once is a no-op. Must not be called from inside the fragment handler.
func (s *ChatStream) Cancel() {
	s.mu.Lock()
	already := s.cancelled
	s.cancelled = true
	s.mu.Unlock()

	if !already {
		s.cancel()
		s.body.Close()
	}
	<-s.done
}

// Wait blocks until the stream has ended and reports the transport error, if
// any. Cancellation is not an error.
func (s *ChatStream) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancelled reports whether Cancel has been called.
func (s *ChatStream) Cancelled() bool {
	return s.isCancelled()
}

func (s *ChatStream) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func parseFragment(line []byte) (Fragment, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Fragment{}, false
	}
	var res chatResponse
	if err := json.Unmarshal(line, &res); err != nil {
		// One bad line must not kill the whole stream.
		log.Printf("ollama: skipping malformed stream line: %v", err)
		return Fragment{}, false
	}
	return Fragment{Content: res.Message.Content, Done: res.Done}, true
}

// lineBuffer reassembles newline-delimited payloads from arbitrarily split
// byte chunks. An incomplete trailing line is carried into the next feed so
// content is never lost or mis-split at chunk boundaries.
type lineBuffer struct {
	rem []byte
}

func (b *lineBuffer) feed(p []byte) [][]byte {
	b.rem = append(b.rem, p...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(b.rem, '\n')
		if i < 0 {
			return lines
		}
		line := make([]byte, i)
		copy(line, b.rem[:i])
		lines = append(lines, line)
		b.rem = b.rem[i+1:]
	}
}

func (b *lineBuffer) rest() []byte {
	return b.rem
}
