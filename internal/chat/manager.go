// Package chat orchestrates conversation lifecycle: creation, switching,
// renaming and deletion, keeping the session pointer and the store in step.
package chat

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"kieran-nlp/internal/models"
	"kieran-nlp/internal/session"
)

// ErrStreaming rejects conversation changes while a completion is in flight,
// so a response can never be written into the wrong conversation.
var ErrStreaming = errors.New("chat: conversation locked while a completion is streaming")

// titleLayout formats the default title for implicitly created conversations.
const titleLayout = "2006-01-02 15:04:05"

// Store is the slice of the persistence contract the manager needs.
type Store interface {
	CreateConversation(userID int64, title string) (*models.Conversation, error)
	GetConversations(userID int64) ([]models.Conversation, error)
	GetConversationHistory(conversationID int64, limit, offset int) ([]models.Message, error)
	UpdateConversationTitle(userID, conversationID int64, title string) error
	DeleteConversation(userID, conversationID int64) error
}

type Manager struct {
	store   Store
	session *session.Session
	logger  *zap.Logger
	now     func() time.Time
}

func NewManager(store Store, sess *session.Session, logger *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		session: sess,
		logger:  logger,
		now:     time.Now,
	}
}

// EnsureActiveConversation returns the current conversation id, creating a
// conversation titled with the current timestamp when the pointer is unset.
// The pointer is updated before the id is handed out, so no message can be
// saved without a valid conversation. Idempotent once a pointer exists.
func (m *Manager) EnsureActiveConversation(user *models.User) (int64, error) {
	if id, ok := m.session.Current(); ok {
		return id, nil
	}

	conv, err := m.store.CreateConversation(user.ID, m.now().Format(titleLayout))
	if err != nil {
		return 0, err
	}
	m.session.SetCurrent(conv.ID)

	m.logger.Info("created conversation",
		zap.Int64("conversation_id", conv.ID),
		zap.Int64("user_id", user.ID),
		zap.String("title", conv.Title))
	return conv.ID, nil
}

// SwitchTo makes the given conversation current and returns its full history
// for presentation. While a completion is streaming the switch is rejected
// and the pointer is left unchanged.
func (m *Manager) SwitchTo(user *models.User, conversationID int64) ([]models.Message, error) {
	if m.session.Busy() {
		return nil, ErrStreaming
	}

	history, err := m.store.GetConversationHistory(conversationID, 0, 0)
	if err != nil {
		return nil, err
	}
	m.session.SetCurrent(conversationID)
	return history, nil
}

// Rename updates a conversation's title. The identity is unaffected, so the
// session pointer needs no change even when the current conversation is the
// one renamed. Renaming a conversation the user does not own is a no-op.
func (m *Manager) Rename(user *models.User, conversationID int64, newTitle string) error {
	return m.store.UpdateConversationTitle(user.ID, conversationID, newTitle)
}

// Delete removes a conversation and all its messages. Deleting the current
// conversation clears the pointer first and then resets it to the user's
// most recent remaining conversation, or leaves it unset when none remain.
// Rejected while a completion is streaming, for the same reason as SwitchTo.
func (m *Manager) Delete(user *models.User, conversationID int64) error {
	if m.session.Busy() {
		return ErrStreaming
	}

	current, hasCurrent := m.session.Current()
	wasCurrent := hasCurrent && current == conversationID
	if wasCurrent {
		// Clear before the store mutation so no save can slip in under a
		// deleted conversation id.
		m.session.ClearCurrent()
	}

	if err := m.store.DeleteConversation(user.ID, conversationID); err != nil {
		if wasCurrent {
			m.session.SetCurrent(conversationID)
		}
		return err
	}

	if wasCurrent {
		remaining, err := m.store.GetConversations(user.ID)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			m.session.SetCurrent(remaining[0].ID)
		}
	}

	m.logger.Info("deleted conversation",
		zap.Int64("conversation_id", conversationID),
		zap.Int64("user_id", user.ID))
	return nil
}

// List returns the user's conversations, newest first.
func (m *Manager) List(user *models.User) ([]models.Conversation, error) {
	return m.store.GetConversations(user.ID)
}

// History pages through a conversation's messages, oldest first.
func (m *Manager) History(conversationID int64, limit, offset int) ([]models.Message, error) {
	return m.store.GetConversationHistory(conversationID, limit, offset)
}
