package llm

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kieran-nlp/internal/chat"
	"kieran-nlp/internal/db"
	"kieran-nlp/internal/models"
	"kieran-nlp/internal/provider"
	"kieran-nlp/internal/session"
)

type fakeStream struct {
	fragments []string
	idx       int
	failAt    int // index at which Recv fails; -1 for never
	closed    bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.failAt >= 0 && s.idx == s.failAt {
		return "", errors.New("connection reset")
	}
	if s.idx >= len(s.fragments) {
		return "", io.EOF
	}
	fragment := s.fragments[s.idx]
	s.idx++
	return fragment, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeProvider struct {
	fragments []string
	failAt    int
	openErr   error

	lastModel  string
	lastWindow []provider.Message
	stream     *fakeStream
}

func (p *fakeProvider) Stream(_ context.Context, model string, messages []provider.Message) (provider.TokenStream, error) {
	p.lastModel = model
	p.lastWindow = messages
	if p.openErr != nil {
		return nil, p.openErr
	}
	failAt := p.failAt
	if failAt == 0 {
		failAt = -1
	}
	p.stream = &fakeStream{fragments: p.fragments, failAt: failAt}
	return p.stream, nil
}

type engineFixture struct {
	store    *db.Database
	session  *session.Session
	manager  *chat.Manager
	provider *fakeProvider
	engine   *Engine
	user     *models.User
}

func newFixture(t *testing.T, prov *fakeProvider) *engineFixture {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "chat_history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	user, err := database.GetOrCreateUser("test-code")
	require.NoError(t, err)

	sess := session.New()
	manager := chat.NewManager(database, sess, zap.NewNop())
	engine, err := NewEngine(database, manager, sess, prov, zap.NewNop(), 0)
	require.NoError(t, err)

	return &engineFixture{
		store:    database,
		session:  sess,
		manager:  manager,
		provider: prov,
		engine:   engine,
		user:     user,
	}
}

func (f *engineFixture) history(t *testing.T) []models.Message {
	t.Helper()
	id, ok := f.session.Current()
	require.True(t, ok)
	history, err := f.store.GetConversationHistory(id, 0, 0)
	require.NoError(t, err)
	return history
}

func TestFirstPromptCreatesOneConversation(t *testing.T) {
	f := newFixture(t, &fakeProvider{fragments: []string{"Hello", " there"}})

	answer, err := f.engine.Ask(context.Background(), Request{
		User:   f.user,
		Model:  "deepseek-ai/DeepSeek-V3",
		Prompt: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", answer.Content)
	assert.False(t, answer.IsUser)

	convs, err := f.store.GetConversations(f.user.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	history := f.history(t)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Content)
	assert.True(t, history[0].IsUser)
	assert.Equal(t, "Hello there", history[1].Content)
	assert.False(t, history[1].IsUser)
}

func TestSequentialTurnsAlternate(t *testing.T) {
	f := newFixture(t, &fakeProvider{fragments: []string{"reply"}})

	for _, prompt := range []string{"first question", "second question"} {
		_, err := f.engine.Ask(context.Background(), Request{
			User: f.user, Model: "m", Prompt: prompt,
		})
		require.NoError(t, err)
	}

	history := f.history(t)
	require.Len(t, history, 4)
	for i, msg := range history {
		assert.Equal(t, i%2 == 0, msg.IsUser, "message %d", i)
	}
	assert.Equal(t, "first question", history[0].Content)
	assert.Equal(t, "second question", history[2].Content)
}

func TestStreamingDeliversFragmentsInOrder(t *testing.T) {
	fragments := []string{"one ", "two ", "three"}
	f := newFixture(t, &fakeProvider{fragments: fragments})

	var got []string
	answer, err := f.engine.Ask(context.Background(), Request{
		User:   f.user,
		Model:  "m",
		Prompt: "count",
		OnFragment: func(fragment string) {
			got = append(got, fragment)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, fragments, got)
	assert.Equal(t, "one two three", answer.Content)
	assert.True(t, f.provider.stream.closed)
}

func TestCancelMidStreamPersistsNotice(t *testing.T) {
	f := newFixture(t, &fakeProvider{fragments: []string{"partial ", "text ", "never ", "seen"}})

	var received int
	answer, err := f.engine.Ask(context.Background(), Request{
		User:   f.user,
		Model:  "m",
		Prompt: "long story please",
		OnFragment: func(string) {
			received++
			if received == 2 {
				require.True(t, f.session.CancelActive())
			}
		},
	})
	require.NoError(t, err)

	// Consumption stopped at the flag check after the second fragment.
	assert.Equal(t, 2, received)
	assert.Equal(t, CancelNotice, answer.Content)

	// Exactly one model message for the turn, carrying the notice and
	// never the partial accumulated text.
	history := f.history(t)
	require.Len(t, history, 2)
	assert.Equal(t, CancelNotice, history[1].Content)
	assert.False(t, history[1].IsUser)

	// The session accepts the next turn.
	assert.False(t, f.session.Busy())
}

func TestTransportFailureIsPersistedAsModelMessage(t *testing.T) {
	f := newFixture(t, &fakeProvider{openErr: errors.New("dial tcp: connection refused")})

	answer, err := f.engine.Ask(context.Background(), Request{
		User: f.user, Model: "m", Prompt: "hello?",
	})
	require.NoError(t, err)
	assert.Contains(t, answer.Content, "connection refused")

	history := f.history(t)
	require.Len(t, history, 2)
	assert.Equal(t, "hello?", history[0].Content)
	assert.Contains(t, history[1].Content, "The model request failed")
}

func TestMidStreamFailureIsPersisted(t *testing.T) {
	f := newFixture(t, &fakeProvider{fragments: []string{"a", "b", "c"}, failAt: 2})

	answer, err := f.engine.Ask(context.Background(), Request{
		User: f.user, Model: "m", Prompt: "hi",
	})
	require.NoError(t, err)
	assert.Contains(t, answer.Content, "connection reset")

	history := f.history(t)
	require.Len(t, history, 2)
	assert.Contains(t, history[1].Content, "The model request failed")
}

func TestSecondTurnRejectedWhileBusy(t *testing.T) {
	f := newFixture(t, &fakeProvider{fragments: []string{"x"}})

	_, err := f.session.BeginTurn()
	require.NoError(t, err)

	_, err = f.engine.Ask(context.Background(), Request{
		User: f.user, Model: "m", Prompt: "queued?",
	})
	assert.ErrorIs(t, err, session.ErrTurnActive)

	// Rejected before any mutation: no conversation, no messages.
	convs, convErr := f.store.GetConversations(f.user.ID)
	require.NoError(t, convErr)
	assert.Empty(t, convs)

	f.session.EndTurn()
	_, err = f.engine.Ask(context.Background(), Request{
		User: f.user, Model: "m", Prompt: "now it works",
	})
	assert.NoError(t, err)
}

func TestEmptyPromptRejected(t *testing.T) {
	f := newFixture(t, &fakeProvider{fragments: []string{"x"}})

	_, err := f.engine.Ask(context.Background(), Request{
		User: f.user, Model: "m", Prompt: "   ",
	})
	assert.Error(t, err)
	assert.False(t, f.session.Busy())
}

func TestModelIsSelectedPerCall(t *testing.T) {
	f := newFixture(t, &fakeProvider{fragments: []string{"ok"}})

	_, err := f.engine.Ask(context.Background(), Request{
		User: f.user, Model: "model-a", Prompt: "one",
	})
	require.NoError(t, err)
	assert.Equal(t, "model-a", f.provider.lastModel)

	_, err = f.engine.Ask(context.Background(), Request{
		User: f.user, Model: "model-b", Prompt: "two",
	})
	require.NoError(t, err)
	assert.Equal(t, "model-b", f.provider.lastModel)
}

func TestContextReplaysHistoryInOrder(t *testing.T) {
	f := newFixture(t, &fakeProvider{fragments: []string{"fine"}})

	_, err := f.engine.Ask(context.Background(), Request{User: f.user, Model: "m", Prompt: "how are you"})
	require.NoError(t, err)
	_, err = f.engine.Ask(context.Background(), Request{User: f.user, Model: "m", Prompt: "and now?"})
	require.NoError(t, err)

	window := f.provider.lastWindow
	require.Len(t, window, 3)
	assert.Equal(t, provider.Message{Role: "user", Content: "how are you"}, window[0])
	assert.Equal(t, provider.Message{Role: "assistant", Content: "fine"}, window[1])
	assert.Equal(t, provider.Message{Role: "user", Content: "and now?"}, window[2])
}

func TestBoundedContextWindow(t *testing.T) {
	f := newFixture(t, &fakeProvider{fragments: []string{"ok"}})
	f.engine.tokenBudget = 10
	f.engine.countTokens = func(text string) int { return len(text) }

	history := []models.Message{
		{Content: "aaaaaaaa", IsUser: true},
		{Content: "bbbb", IsUser: false},
		{Content: "cccc", IsUser: true},
	}

	window := f.engine.buildContext(history)
	require.Len(t, window, 2)
	assert.Equal(t, "bbbb", window[0].Content)
	assert.Equal(t, "cccc", window[1].Content)
}

func TestOversizedLatestMessageStillIncluded(t *testing.T) {
	f := newFixture(t, &fakeProvider{fragments: []string{"ok"}})
	f.engine.tokenBudget = 3
	f.engine.countTokens = func(text string) int { return len(text) }

	history := []models.Message{
		{Content: "earlier", IsUser: true},
		{Content: "this prompt alone busts the budget", IsUser: true},
	}

	window := f.engine.buildContext(history)
	require.Len(t, window, 1)
	assert.Equal(t, "this prompt alone busts the budget", window[0].Content)
}
