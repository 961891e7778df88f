package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ollama-chat-be/internal/dto"
	"ollama-chat-be/internal/entity"
	"ollama-chat-be/internal/pkg/logger"
	"ollama-chat-be/internal/repository/specification"
	"ollama-chat-be/pkg/ollama"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTitleModel = "title-model"

type stubModels struct {
	ready map[string]bool
}

func (s *stubModels) IsModelReady(ctx context.Context, name string) bool { return s.ready[name] }
func (s *stubModels) ListLoaded(ctx context.Context) ([]string, error)  { return nil, nil }
func (s *stubModels) ListModels(ctx context.Context) ([]dto.ModelListItem, error) {
	return nil, nil
}
func (s *stubModels) LoadModel(ctx context.Context, name string) error   { return nil }
func (s *stubModels) UnloadModel(ctx context.Context, name string) error { return nil }
func (s *stubModels) MemoryInfo() (*dto.MemoryInfoResponse, error)       { return nil, nil }

type recordingPublisher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (p *recordingPublisher) Publish(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

// chatBackend fakes the Ollama HTTP API. blockAfter > 0 makes /api/chat emit
// that many fragments and then hold the response open until release is closed.
type chatBackend struct {
	fragments   []string
	blockAfter  int
	release     chan struct{}
	releaseOnce sync.Once
	title       string

	mu            sync.Mutex
	generateCalls int
	chatRequests  [][]ollama.Message

	server *httptest.Server
}

func newChatBackend(t *testing.T, fragments []string, blockAfter int) *chatBackend {
	t.Helper()

	b := &chatBackend{
		fragments:  fragments,
		blockAfter: blockAfter,
		release:    make(chan struct{}),
		title:      "Generated Title",
	}

	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			b.serveChat(w, r)
		case "/api/generate":
			b.serveGenerate(w)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(func() {
		b.unblock()
		b.server.Close()
	})
	return b
}

func (b *chatBackend) unblock() {
	b.releaseOnce.Do(func() { close(b.release) })
}

func (b *chatBackend) serveChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []ollama.Message `json:"messages"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	b.mu.Lock()
	b.chatRequests = append(b.chatRequests, req.Messages)
	b.mu.Unlock()

	flusher := w.(http.Flusher)
	writeFragment := func(content string) {
		fmt.Fprintf(w, `{"message":{"content":%q},"done":false}`+"\n", content)
		flusher.Flush()
	}

	sent := 0
	for _, frag := range b.fragments {
		if b.blockAfter > 0 && sent == b.blockAfter {
			select {
			case <-b.release:
			case <-r.Context().Done():
				return
			}
		}
		writeFragment(frag)
		sent++
	}
	if b.blockAfter > 0 && sent == b.blockAfter {
		select {
		case <-b.release:
		case <-r.Context().Done():
			return
		}
	}
	fmt.Fprintln(w, `{"done":true}`)
	flusher.Flush()
}

func (b *chatBackend) serveGenerate(w http.ResponseWriter) {
	b.mu.Lock()
	b.generateCalls++
	title := b.title
	b.mu.Unlock()
	fmt.Fprintf(w, `{"response":%q,"done":true,"done_reason":"stop"}`, title)
}

func (b *chatBackend) generateCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generateCalls
}

func (b *chatBackend) lastChatRequest() []ollama.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chatRequests) == 0 {
		return nil
	}
	return b.chatRequests[len(b.chatRequests)-1]
}

type chatFixture struct {
	service   IChatService
	factory   *fakeFactory
	backend   *chatBackend
	emitter   *fakeEmitter
	registry  *fakeRegistry
	publisher *recordingPublisher
	models    *stubModels
}

func newChatFixture(t *testing.T, backend *chatBackend) *chatFixture {
	t.Helper()

	factory := newFakeFactory()
	publisher := &recordingPublisher{}
	models := &stubModels{ready: map[string]bool{"llama3": true, testTitleModel: true}}
	client := ollama.NewClient(backend.server.URL, 5*time.Second, 30*time.Second)
	log := logger.NewIsolatedLogger("logs/test.log")

	return &chatFixture{
		service:   NewChatService(factory, client, models, publisher, log, testTitleModel),
		factory:   factory,
		backend:   backend,
		emitter:   newFakeEmitter(),
		registry:  newFakeRegistry(),
		publisher: publisher,
		models:    models,
	}
}

func (f *chatFixture) seedSession(t *testing.T, userId uuid.UUID) *entity.ChatSession {
	t.Helper()
	session := &entity.ChatSession{
		Id:        uuid.New(),
		UserId:    userId,
		Title:     PlaceholderTitle,
		CreatedAt: time.Now(),
	}
	uow := f.factory.NewUnitOfWork(context.Background())
	require.NoError(t, uow.ChatSessionRepository().Create(context.Background(), session))
	return session
}

func (f *chatFixture) seedMessage(t *testing.T, sessionId uuid.UUID, role, content string) {
	t.Helper()
	uow := f.factory.NewUnitOfWork(context.Background())
	require.NoError(t, uow.ChatMessageRepository().Create(context.Background(), &entity.ChatMessage{
		Id:            uuid.New(),
		ChatSessionId: sessionId,
		Role:          role,
		Content:       content,
		Done:          true,
		CreatedAt:     time.Now(),
	}))
}

func (f *chatFixture) messages(t *testing.T, sessionId uuid.UUID) []*entity.ChatMessage {
	t.Helper()
	uow := f.factory.NewUnitOfWork(context.Background())
	msgs, err := uow.ChatMessageRepository().FindAll(context.Background(),
		specification.ByChatSessionID{ChatSessionID: sessionId},
		specification.OrderBy{Field: "created_at", Desc: false},
	)
	require.NoError(t, err)
	return msgs
}

func (f *chatFixture) session(t *testing.T, sessionId uuid.UUID) *entity.ChatSession {
	t.Helper()
	uow := f.factory.NewUnitOfWork(context.Background())
	session, err := uow.ChatSessionRepository().FindOne(context.Background(), specification.ByID{ID: sessionId})
	require.NoError(t, err)
	return session
}

func waitTerminal(t *testing.T, emitter *fakeEmitter) {
	t.Helper()
	select {
	case <-emitter.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for terminal chat frame")
	}
}

func chatFrames(events []emittedEvent) []dto.ChatMessageEvent {
	var frames []dto.ChatMessageEvent
	for _, e := range events {
		if e.Event == dto.EventChatMessage {
			frames = append(frames, e.Data.(dto.ChatMessageEvent))
		}
	}
	return frames
}

func TestStartStreamHappyPath(t *testing.T) {
	backend := newChatBackend(t, []string{"Hi", " there"}, 0)
	f := newChatFixture(t, backend)

	userId := uuid.New()
	session := f.seedSession(t, userId)
	// An existing turn keeps title generation out of this test.
	f.seedMessage(t, session.Id, entity.ChatMessageRoleUser, "earlier question")

	err := f.service.StartStream(context.Background(), userId, &dto.SendChatRequest{
		SessionId: session.Id,
		Message:   "tell me more",
		Model:     "llama3",
	}, f.emitter, f.registry)
	require.NoError(t, err)

	waitTerminal(t, f.emitter)

	frames := chatFrames(f.emitter.snapshot())
	require.Len(t, frames, 3)
	assert.Equal(t, "Hi", frames[0].Content)
	assert.False(t, frames[0].Done)
	assert.Equal(t, " there", frames[1].Content)
	assert.True(t, frames[2].Done)
	assert.Equal(t, session.Id, frames[0].SessionId)

	// Persistence happens in the finisher after the terminal frame.
	require.Eventually(t, func() bool {
		return len(f.messages(t, session.Id)) == 3 && !f.registry.active(session.Id)
	}, 2*time.Second, 10*time.Millisecond)

	msgs := f.messages(t, session.Id)
	userMsg := msgs[1]
	assert.Equal(t, entity.ChatMessageRoleUser, userMsg.Role)
	assert.Equal(t, "tell me more", userMsg.Content)
	assert.True(t, userMsg.Done)

	reply := msgs[2]
	assert.Equal(t, entity.ChatMessageRoleAssistant, reply.Role)
	assert.Equal(t, "Hi there", reply.Content)
	assert.True(t, reply.Done)
	require.NotNil(t, reply.Meta)
	assert.Equal(t, "llama3", reply.Meta.Model)
	assert.False(t, reply.Meta.Cancelled)

	require.Eventually(t, func() bool {
		return f.session(t, session.Id).UpdatedAt != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartStreamModelNotReady(t *testing.T) {
	backend := newChatBackend(t, []string{"ignored"}, 0)
	f := newChatFixture(t, backend)
	f.models.ready = map[string]bool{}

	userId := uuid.New()
	session := f.seedSession(t, userId)

	err := f.service.StartStream(context.Background(), userId, &dto.SendChatRequest{
		SessionId: session.Id,
		Message:   "hello",
		Model:     "llama3",
	}, f.emitter, f.registry)
	require.ErrorIs(t, err, ErrModelNotReady)

	assert.Empty(t, f.messages(t, session.Id))
	assert.False(t, f.registry.active(session.Id))
	assert.Empty(t, f.emitter.snapshot())
}

func TestStartStreamRejectsForeignSession(t *testing.T) {
	backend := newChatBackend(t, []string{"ignored"}, 0)
	f := newChatFixture(t, backend)

	owner := uuid.New()
	session := f.seedSession(t, owner)

	err := f.service.StartStream(context.Background(), uuid.New(), &dto.SendChatRequest{
		SessionId: session.Id,
		Message:   "hello",
		Model:     "llama3",
	}, f.emitter, f.registry)
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, f.messages(t, session.Id))
}

func TestStartStreamRejectsDuplicateSend(t *testing.T) {
	backend := newChatBackend(t, []string{"Once", " upon"}, 1)
	f := newChatFixture(t, backend)

	userId := uuid.New()
	session := f.seedSession(t, userId)
	f.seedMessage(t, session.Id, entity.ChatMessageRoleUser, "seed")

	req := &dto.SendChatRequest{SessionId: session.Id, Message: "a story", Model: "llama3"}
	require.NoError(t, f.service.StartStream(context.Background(), userId, req, f.emitter, f.registry))

	require.Eventually(t, func() bool {
		return len(chatFrames(f.emitter.snapshot())) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	err := f.service.StartStream(context.Background(), userId, req, f.emitter, f.registry)
	require.ErrorIs(t, err, ErrStreamActive)

	// The rejected send left no extra user row behind.
	var userRows int
	for _, m := range f.messages(t, session.Id) {
		if m.Role == entity.ChatMessageRoleUser && m.Content == "a story" {
			userRows++
		}
	}
	assert.Equal(t, 1, userRows)

	backend.unblock()
	waitTerminal(t, f.emitter)
}

func TestStopStreamPersistsPartialReply(t *testing.T) {
	backend := newChatBackend(t, []string{"Once upon"}, 1)
	f := newChatFixture(t, backend)

	userId := uuid.New()
	session := f.seedSession(t, userId)
	f.seedMessage(t, session.Id, entity.ChatMessageRoleUser, "seed")

	require.NoError(t, f.service.StartStream(context.Background(), userId, &dto.SendChatRequest{
		SessionId: session.Id,
		Message:   "a story",
		Model:     "llama3",
	}, f.emitter, f.registry))

	require.Eventually(t, func() bool {
		return len(chatFrames(f.emitter.snapshot())) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	f.service.StopStream(session.Id, f.registry)
	waitTerminal(t, f.emitter)

	require.Eventually(t, func() bool {
		return len(f.messages(t, session.Id)) == 3
	}, 2*time.Second, 10*time.Millisecond)

	msgs := f.messages(t, session.Id)
	partial := msgs[2]
	assert.Equal(t, entity.ChatMessageRoleAssistant, partial.Role)
	assert.Equal(t, "Once upon", partial.Content)
	assert.False(t, partial.Done)
	require.NotNil(t, partial.Meta)
	assert.True(t, partial.Meta.Cancelled)

	// A cancel is not a failure, so no error frame is emitted.
	for _, e := range f.emitter.snapshot() {
		assert.NotEqual(t, dto.EventError, e.Event)
	}

	frames := chatFrames(f.emitter.snapshot())
	last := frames[len(frames)-1]
	assert.True(t, last.Done)
	assert.Empty(t, last.Content)

	// A second stop on the now idle session changes nothing.
	before := len(f.emitter.snapshot())
	f.service.StopStream(session.Id, f.registry)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.emitter.snapshot(), before)
}

func TestSendAfterStopWaitsForPartialSave(t *testing.T) {
	backend := newChatBackend(t, []string{"Once upon"}, 1)
	f := newChatFixture(t, backend)

	userId := uuid.New()
	session := f.seedSession(t, userId)
	f.seedMessage(t, session.Id, entity.ChatMessageRoleUser, "seed")

	require.NoError(t, f.service.StartStream(context.Background(), userId, &dto.SendChatRequest{
		SessionId: session.Id,
		Message:   "a story",
		Model:     "llama3",
	}, f.emitter, f.registry))

	require.Eventually(t, func() bool {
		return len(chatFrames(f.emitter.snapshot())) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Hold the partial save open so the finisher cannot release the slot.
	gate := make(chan struct{})
	f.factory.store.gateMessageCreates(gate)

	f.service.StopStream(session.Id, f.registry)

	// The slot stays taken while the partial row is still in flight.
	second := &dto.SendChatRequest{SessionId: session.Id, Message: "second question", Model: "llama3"}
	err := f.service.StartStream(context.Background(), userId, second, f.emitter, f.registry)
	require.ErrorIs(t, err, ErrStreamActive)

	close(gate)
	waitTerminal(t, f.emitter)
	require.Eventually(t, func() bool {
		return !f.registry.active(session.Id)
	}, 2*time.Second, 10*time.Millisecond)

	// Accepted now, and the replay carries the partial reply before the
	// new turn.
	emitter2 := newFakeEmitter()
	require.NoError(t, f.service.StartStream(context.Background(), userId, second, emitter2, f.registry))

	var replay []ollama.Message
	require.Eventually(t, func() bool {
		replay = backend.lastChatRequest()
		return len(replay) == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, entity.ChatMessageRoleAssistant, replay[2].Role)
	assert.Equal(t, "Once upon", replay[2].Content)
	assert.Equal(t, "second question", replay[3].Content)

	backend.unblock()
	waitTerminal(t, emitter2)
}

func TestFirstExchangeGeneratesTitleOnce(t *testing.T) {
	backend := newChatBackend(t, []string{"Sure"}, 0)
	backend.title = `"Quantum Computing"`
	f := newChatFixture(t, backend)

	userId := uuid.New()
	session := f.seedSession(t, userId)

	require.NoError(t, f.service.StartStream(context.Background(), userId, &dto.SendChatRequest{
		SessionId: session.Id,
		Message:   "explain qubits",
		Model:     "llama3",
	}, f.emitter, f.registry))
	waitTerminal(t, f.emitter)

	// Quotes from the model output are stripped before saving.
	require.Eventually(t, func() bool {
		return f.session(t, session.Id).Title == "Quantum Computing"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, backend.generateCount())
	assert.GreaterOrEqual(t, f.publisher.count(), 1)

	// The second exchange must not retitle the session.
	emitter2 := newFakeEmitter()
	require.NoError(t, f.service.StartStream(context.Background(), userId, &dto.SendChatRequest{
		SessionId: session.Id,
		Message:   "go deeper",
		Model:     "llama3",
	}, emitter2, f.registry))
	waitTerminal(t, emitter2)

	require.Eventually(t, func() bool {
		return !f.registry.active(session.Id)
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, backend.generateCount())
}

func TestTitleModelNotLoadedKeepsPlaceholder(t *testing.T) {
	backend := newChatBackend(t, []string{"Sure"}, 0)
	f := newChatFixture(t, backend)
	f.models.ready = map[string]bool{"llama3": true}

	userId := uuid.New()
	session := f.seedSession(t, userId)

	require.NoError(t, f.service.StartStream(context.Background(), userId, &dto.SendChatRequest{
		SessionId: session.Id,
		Message:   "explain qubits",
		Model:     "llama3",
	}, f.emitter, f.registry))
	waitTerminal(t, f.emitter)

	require.Eventually(t, func() bool {
		return !f.registry.active(session.Id)
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, backend.generateCount())
	assert.Equal(t, PlaceholderTitle, f.session(t, session.Id).Title)
}

func TestRegenerateTitle(t *testing.T) {
	backend := newChatBackend(t, nil, 0)
	backend.title = "Pasta Recipes"
	f := newChatFixture(t, backend)

	userId := uuid.New()
	session := f.seedSession(t, userId)
	f.seedMessage(t, session.Id, entity.ChatMessageRoleUser, "how do I make carbonara")
	f.seedMessage(t, session.Id, entity.ChatMessageRoleAssistant, "Start with guanciale.")

	require.NoError(t, f.service.RegenerateTitle(context.Background(), userId, session.Id))
	assert.Equal(t, "Pasta Recipes", f.session(t, session.Id).Title)
	assert.Equal(t, 1, backend.generateCount())
}

func TestRegenerateTitleRequiresOwnershipAndMessages(t *testing.T) {
	backend := newChatBackend(t, nil, 0)
	f := newChatFixture(t, backend)

	owner := uuid.New()
	session := f.seedSession(t, owner)
	f.seedMessage(t, session.Id, entity.ChatMessageRoleUser, "seed")

	err := f.service.RegenerateTitle(context.Background(), uuid.New(), session.Id)
	require.ErrorIs(t, err, ErrSessionNotFound)

	empty := f.seedSession(t, owner)
	err = f.service.RegenerateTitle(context.Background(), owner, empty.Id)
	require.Error(t, err)
	assert.Equal(t, 0, backend.generateCount())
}
