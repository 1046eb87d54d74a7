// Package llm runs one completion turn end to end: persist the prompt,
// replay the conversation as model context, stream the response back and
// persist whatever the turn produced, including cancellations and failures.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"kieran-nlp/internal/chat"
	"kieran-nlp/internal/models"
	"kieran-nlp/internal/provider"
	"kieran-nlp/internal/session"
)

// CancelNotice is the fixed text persisted in place of the partial response
// when a turn is cancelled mid-stream.
const CancelNotice = "Generation cancelled by user."

// contextEncoding is the BPE used to budget the replayed context window.
const contextEncoding = "cl100k_base"

type turnState int

const (
	stateIdle turnState = iota
	stateAwaitingContext
	stateStreaming
	stateCancelled
	stateFinalizing
)

func (s turnState) String() string {
	switch s {
	case stateAwaitingContext:
		return "awaiting_context"
	case stateStreaming:
		return "streaming"
	case stateCancelled:
		return "cancelled"
	case stateFinalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

// Store is the slice of the persistence contract the engine needs.
type Store interface {
	SaveMessage(msg *models.Message) error
	GetConversationHistory(conversationID int64, limit, offset int) ([]models.Message, error)
}

// Provider delivers model responses as an ordered fragment stream.
type Provider interface {
	Stream(ctx context.Context, model string, messages []provider.Message) (provider.TokenStream, error)
}

// Request is one user turn. OnFragment, when set, receives each fragment in
// arrival order for live rendering; a nil OnFragment gives blocking delivery
// where the caller only sees the persisted result.
type Request struct {
	User       *models.User
	Model      string
	Prompt     string
	OnFragment func(fragment string)
}

type Engine struct {
	store    Store
	manager  *chat.Manager
	session  *session.Session
	provider Provider
	logger   *zap.Logger

	// tokenBudget caps the replayed context; <= 0 disables the cap and
	// countTokens stays nil.
	tokenBudget int
	countTokens func(text string) int
}

func NewEngine(store Store, manager *chat.Manager, sess *session.Session, prov Provider, logger *zap.Logger, tokenBudget int) (*Engine, error) {
	e := &Engine{
		store:       store,
		manager:     manager,
		session:     sess,
		provider:    prov,
		logger:      logger,
		tokenBudget: tokenBudget,
	}
	if tokenBudget > 0 {
		encoder, err := tiktoken.GetEncoding(contextEncoding)
		if err != nil {
			return nil, fmt.Errorf("llm: load %s encoding: %w", contextEncoding, err)
		}
		e.countTokens = func(text string) int {
			return len(encoder.Encode(text, nil, nil))
		}
	}
	return e, nil
}

// Ask runs one turn. Exactly one model-authored message is persisted per
// turn: the full response, the cancellation notice, or the transport failure
// text. Store failures and an already-active turn are returned as errors
// without a model message.
func (e *Engine) Ask(ctx context.Context, req Request) (*models.Message, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("llm: empty prompt")
	}

	token, err := e.session.BeginTurn()
	if err != nil {
		return nil, err
	}
	defer e.session.EndTurn()

	turnID := uuid.NewString()
	logger := e.logger.With(
		zap.String("turn_id", turnID),
		zap.Int64("user_id", req.User.ID),
		zap.String("model", req.Model),
	)
	logger.Debug("turn state", zap.Stringer("state", stateAwaitingContext))

	conversationID, err := e.manager.EnsureActiveConversation(req.User)
	if err != nil {
		return nil, err
	}

	// The prompt is durable before the provider is contacted, so it survives
	// a failed model call.
	userMsg := &models.Message{
		UserID:  req.User.ID,
		ConvID:  conversationID,
		Content: req.Prompt,
		IsUser:  true,
	}
	if err := e.store.SaveMessage(userMsg); err != nil {
		return nil, err
	}

	history, err := e.store.GetConversationHistory(conversationID, 0, 0)
	if err != nil {
		return nil, err
	}
	window := e.buildContext(history)

	logger.Debug("turn state", zap.Stringer("state", stateStreaming),
		zap.Int64("conversation_id", conversationID),
		zap.Int("context_messages", len(window)))

	answer, cancelled := e.consume(ctx, req, token, window, logger)

	if cancelled {
		logger.Debug("turn state", zap.Stringer("state", stateCancelled))
	}
	logger.Debug("turn state", zap.Stringer("state", stateFinalizing))

	botMsg := &models.Message{
		UserID:  req.User.ID,
		ConvID:  conversationID,
		Content: answer,
		IsUser:  false,
	}
	if err := e.store.SaveMessage(botMsg); err != nil {
		return nil, err
	}

	logger.Debug("turn state", zap.Stringer("state", stateIdle))
	return botMsg, nil
}

// consume drives the provider stream and returns the text to persist.
// Transport failures become user-visible text rather than an error: the
// conversation record is a complete audit trail, failures included.
func (e *Engine) consume(ctx context.Context, req Request, token *session.CancelToken, window []provider.Message, logger *zap.Logger) (answer string, cancelled bool) {
	stream, err := e.provider.Stream(ctx, req.Model, window)
	if err != nil {
		logger.Error("provider request failed", zap.Error(err))
		return failureText(err), false
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), false
		}
		if err != nil {
			logger.Error("stream interrupted", zap.Error(err))
			return failureText(err), false
		}

		// Forward immediately, in wire order.
		sb.WriteString(fragment)
		if req.OnFragment != nil {
			req.OnFragment(fragment)
		}

		// Cooperative cancellation, checked after each fragment. Fragments
		// already forwarded stay on screen; the persisted record carries the
		// notice instead of the partial text.
		if token.Cancelled() {
			return CancelNotice, true
		}
	}
}

// buildContext converts history into provider messages, keeping the most
// recent suffix that fits the token budget. The latest message (the prompt
// just saved) is always included.
func (e *Engine) buildContext(history []models.Message) []provider.Message {
	start := 0
	if e.countTokens != nil && e.tokenBudget > 0 {
		total := 0
		start = len(history)
		for i := len(history) - 1; i >= 0; i-- {
			total += e.countTokens(history[i].Content)
			if total > e.tokenBudget && i < len(history)-1 {
				break
			}
			start = i
		}
	}

	window := make([]provider.Message, 0, len(history)-start)
	for _, msg := range history[start:] {
		window = append(window, provider.Message{
			Role:    msg.Role(),
			Content: msg.Content,
		})
	}
	return window
}

func failureText(err error) string {
	return fmt.Sprintf("The model request failed: %v", err)
}
