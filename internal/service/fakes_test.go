package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ollama-chat-be/internal/dto"
	"ollama-chat-be/internal/entity"
	"ollama-chat-be/internal/repository/contract"
	"ollama-chat-be/internal/repository/specification"
	"ollama-chat-be/internal/repository/unitofwork"
	"ollama-chat-be/pkg/ollama"

	"github.com/google/uuid"
)

// In-memory repository fakes. They interpret the same specification types the
// real implementations translate to SQL, so service logic is exercised
// against the contracts without a database.

type fakeStore struct {
	mu          sync.Mutex
	users       map[uuid.UUID]*entity.User
	sessions    map[uuid.UUID]*entity.ChatSession
	messages    []*entity.ChatMessage
	emailTokens map[uuid.UUID]*entity.EmailVerificationToken
	resetTokens map[uuid.UUID]*entity.PasswordResetToken

	// createGate, when set, holds message writes open until it is closed.
	createGate chan struct{}
}

func (s *fakeStore) gateMessageCreates(gate chan struct{}) {
	s.mu.Lock()
	s.createGate = gate
	s.mu.Unlock()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[uuid.UUID]*entity.User),
		sessions:    make(map[uuid.UUID]*entity.ChatSession),
		emailTokens: make(map[uuid.UUID]*entity.EmailVerificationToken),
		resetTokens: make(map[uuid.UUID]*entity.PasswordResetToken),
	}
}

type fakeFactory struct {
	store *fakeStore
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{store: newFakeStore()}
}

func (f *fakeFactory) NewUnitOfWork(ctx context.Context) unitofwork.UnitOfWork {
	return &fakeUOW{store: f.store}
}

type fakeUOW struct {
	store *fakeStore
}

func (u *fakeUOW) Begin(ctx context.Context) error { return nil }
func (u *fakeUOW) Commit() error                   { return nil }
func (u *fakeUOW) Rollback() error                 { return nil }

func (u *fakeUOW) UserRepository() contract.UserRepository {
	return &fakeUserRepo{store: u.store}
}

func (u *fakeUOW) ChatSessionRepository() contract.ChatSessionRepository {
	return &fakeSessionRepo{store: u.store}
}

func (u *fakeUOW) ChatMessageRepository() contract.ChatMessageRepository {
	return &fakeMessageRepo{store: u.store}
}

type sessionFilter struct {
	id        *uuid.UUID
	userId    *uuid.UUID
	search    string
	byRecency bool
}

func parseSessionSpecs(specs []specification.Specification) sessionFilter {
	var f sessionFilter
	for _, s := range specs {
		switch spec := s.(type) {
		case specification.ByID:
			id := spec.ID
			f.id = &id
		case specification.UserOwnedBy:
			uid := spec.UserID
			f.userId = &uid
		case specification.MessageContentSearch:
			f.search = spec.Query
		case specification.OrderBy:
			f.byRecency = spec.Desc
		}
	}
	return f
}

type fakeSessionRepo struct {
	store *fakeStore
}

func (r *fakeSessionRepo) Create(ctx context.Context, session *entity.ChatSession) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *session
	r.store.sessions[session.Id] = &cp
	return nil
}

func (r *fakeSessionRepo) Update(ctx context.Context, session *entity.ChatSession) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *session
	now := time.Now()
	cp.UpdatedAt = &now
	r.store.sessions[session.Id] = &cp
	return nil
}

func (r *fakeSessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.sessions, id)
	return nil
}

func (r *fakeSessionRepo) matchLocked(f sessionFilter) []*entity.ChatSession {
	var out []*entity.ChatSession
	for _, s := range r.store.sessions {
		if f.id != nil && s.Id != *f.id {
			continue
		}
		if f.userId != nil && s.UserId != *f.userId {
			continue
		}
		if f.search != "" && !r.sessionHasContentLocked(s.Id, f.search) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	if f.byRecency {
		sort.Slice(out, func(i, j int) bool {
			return recency(out[i]).After(recency(out[j]))
		})
	}
	return out
}

func recency(s *entity.ChatSession) time.Time {
	if s.UpdatedAt != nil {
		return *s.UpdatedAt
	}
	return s.CreatedAt
}

func (r *fakeSessionRepo) sessionHasContentLocked(sessionId uuid.UUID, query string) bool {
	q := strings.ToLower(query)
	for _, m := range r.store.messages {
		if m.ChatSessionId == sessionId && strings.Contains(strings.ToLower(m.Content), q) {
			return true
		}
	}
	return false
}

func (r *fakeSessionRepo) FindOne(ctx context.Context, specs ...specification.Specification) (*entity.ChatSession, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	matches := r.matchLocked(parseSessionSpecs(specs))
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (r *fakeSessionRepo) FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.ChatSession, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.matchLocked(parseSessionSpecs(specs)), nil
}

func (r *fakeSessionRepo) Count(ctx context.Context, specs ...specification.Specification) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return int64(len(r.matchLocked(parseSessionSpecs(specs)))), nil
}

func (r *fakeSessionRepo) Touch(ctx context.Context, id uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if s, ok := r.store.sessions[id]; ok {
		now := time.Now()
		s.UpdatedAt = &now
	}
	return nil
}

type fakeMessageRepo struct {
	store *fakeStore
}

func (r *fakeMessageRepo) Create(ctx context.Context, message *entity.ChatMessage) error {
	r.store.mu.Lock()
	gate := r.store.createGate
	r.store.mu.Unlock()
	if gate != nil {
		<-gate
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *message
	r.store.messages = append(r.store.messages, &cp)
	return nil
}

func (r *fakeMessageRepo) DeleteBySessionId(ctx context.Context, sessionId uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	kept := r.store.messages[:0]
	for _, m := range r.store.messages {
		if m.ChatSessionId != sessionId {
			kept = append(kept, m)
		}
	}
	r.store.messages = kept
	return nil
}

func (r *fakeMessageRepo) FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.ChatMessage, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var sessionId *uuid.UUID
	for _, s := range specs {
		if spec, ok := s.(specification.ByChatSessionID); ok {
			id := spec.ChatSessionID
			sessionId = &id
		}
	}

	var out []*entity.ChatMessage
	for _, m := range r.store.messages {
		if sessionId != nil && m.ChatSessionId != *sessionId {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *fakeMessageRepo) Count(ctx context.Context, specs ...specification.Specification) (int64, error) {
	msgs, _ := r.FindAll(ctx, specs...)
	return int64(len(msgs)), nil
}

type fakeUserRepo struct {
	store *fakeStore
}

func (r *fakeUserRepo) Create(ctx context.Context, user *entity.User) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *user
	r.store.users[user.Id] = &cp
	return nil
}

func (r *fakeUserRepo) Update(ctx context.Context, user *entity.User) error {
	return r.Create(ctx, user)
}

func (r *fakeUserRepo) FindOne(ctx context.Context, specs ...specification.Specification) (*entity.User, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, u := range r.store.users {
		ok := true
		for _, s := range specs {
			switch spec := s.(type) {
			case specification.ByID:
				ok = ok && u.Id == spec.ID
			case specification.ByUsername:
				ok = ok && u.Username == spec.Username
			case specification.ByEmail:
				ok = ok && u.Email == spec.Email
			}
		}
		if ok {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) Count(ctx context.Context, specs ...specification.Specification) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return int64(len(r.store.users)), nil
}

func (r *fakeUserRepo) ActivateUser(ctx context.Context, userId uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if u, ok := r.store.users[userId]; ok {
		u.Status = entity.UserStatusActive
		u.EmailVerified = true
	}
	return nil
}

func (r *fakeUserRepo) UpdatePassword(ctx context.Context, userId uuid.UUID, hash string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if u, ok := r.store.users[userId]; ok {
		u.PasswordHash = &hash
	}
	return nil
}

func (r *fakeUserRepo) CreatePasswordResetToken(ctx context.Context, token *entity.PasswordResetToken) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *token
	r.store.resetTokens[token.Id] = &cp
	return nil
}

func (r *fakeUserRepo) FindPasswordResetToken(ctx context.Context, specs ...specification.Specification) (*entity.PasswordResetToken, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, t := range r.store.resetTokens {
		ok := true
		for _, s := range specs {
			if spec, is := s.(specification.ByToken); is {
				ok = ok && t.Token == spec.Token
			}
		}
		if ok {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) MarkTokenUsed(ctx context.Context, id uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if t, ok := r.store.resetTokens[id]; ok {
		t.Used = true
	}
	return nil
}

func (r *fakeUserRepo) CreateEmailVerificationToken(ctx context.Context, token *entity.EmailVerificationToken) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *token
	r.store.emailTokens[token.Id] = &cp
	return nil
}

func (r *fakeUserRepo) FindEmailVerificationToken(ctx context.Context, specs ...specification.Specification) (*entity.EmailVerificationToken, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, t := range r.store.emailTokens {
		ok := true
		for _, s := range specs {
			switch spec := s.(type) {
			case specification.ByToken:
				ok = ok && t.Token == spec.Token
			case specification.UserOwnedBy:
				ok = ok && t.UserId == spec.UserID
			}
		}
		if ok {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) DeleteEmailVerificationToken(ctx context.Context, id uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.emailTokens, id)
	return nil
}

// fakeEmitter records emitted events in order and signals terminal frames.

type emittedEvent struct {
	Event string
	Data  interface{}
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
	done   chan struct{}
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{done: make(chan struct{}, 8)}
}

func (e *fakeEmitter) Emit(event string, data interface{}) {
	e.mu.Lock()
	e.events = append(e.events, emittedEvent{Event: event, Data: data})
	e.mu.Unlock()

	if msg, ok := data.(dto.ChatMessageEvent); ok && msg.Done {
		e.done <- struct{}{}
	}
}

func (e *fakeEmitter) snapshot() []emittedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]emittedEvent, len(e.events))
	copy(out, e.events)
	return out
}

// fakeRegistry implements StreamRegistry for orchestrator tests.

type fakeRegistry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*ollama.ChatStream
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{entries: make(map[uuid.UUID]*ollama.ChatStream)}
}

func (r *fakeRegistry) Register(sessionId uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[sessionId]; ok {
		return ErrStreamActive
	}
	r.entries[sessionId] = nil
	return nil
}

func (r *fakeRegistry) Bind(sessionId uuid.UUID, stream *ollama.ChatStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[sessionId]; ok {
		r.entries[sessionId] = stream
	}
}

func (r *fakeRegistry) Remove(sessionId uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionId)
}

// Stop cancels without releasing the slot; like the real registry, only the
// finisher's Remove makes the session idle again.
func (r *fakeRegistry) Stop(sessionId uuid.UUID) bool {
	r.mu.Lock()
	stream, ok := r.entries[sessionId]
	r.mu.Unlock()
	if !ok || stream == nil {
		return false
	}
	stream.Cancel()
	return true
}

func (r *fakeRegistry) StopAll() {
	r.mu.Lock()
	streams := make([]*ollama.ChatStream, 0, len(r.entries))
	for _, s := range r.entries {
		if s != nil {
			streams = append(streams, s)
		}
	}
	r.mu.Unlock()
	for _, s := range streams {
		s.Cancel()
	}
}

func (r *fakeRegistry) active(sessionId uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[sessionId]
	return ok
}
