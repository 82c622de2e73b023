package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"campus-chat/internal/apperror"
)

// ConversationManager owns find-or-create and participant checks.
type ConversationManager struct {
	repo   *Repository
	logger *slog.Logger
}

func NewConversationManager(repo *Repository, logger *slog.Logger) *ConversationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationManager{repo: repo, logger: logger.With("component", "conversations")}
}

// CreateOrGet returns the single conversation for the participant set,
// creating it on first contact. otherUserID is ignored for assistant
// conversations.
func (m *ConversationManager) CreateOrGet(ctx context.Context, initiatorID int64, otherUserID *int64, t ConversationType) (*Conversation, error) {
	switch t {
	case UserToUser:
		if otherUserID == nil || *otherUserID <= 0 {
			return nil, apperror.Validation("other_user_id is required for user_to_user conversations")
		}
		if *otherUserID == initiatorID {
			return nil, apperror.InvalidParticipant("cannot start a conversation with yourself")
		}
	case UserToAssistant:
		otherUserID = nil
	default:
		return nil, apperror.Validation("unknown conversation type")
	}

	// The pair key is the same for (a,b) and (b,a), so a lookup covers
	// both orderings and the insert path cannot produce a duplicate.
	conv, err := m.repo.FindConversation(ctx, t, initiatorID, otherUserID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, err
	}

	conv, err = m.repo.EnsureConversation(ctx, t, initiatorID, otherUserID)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("conversation ready", "conversation_id", conv.ID, "type", conv.Type)
	return conv, nil
}

func (m *ConversationManager) CanAccess(ctx context.Context, conversationID, userID int64) (bool, error) {
	conv, err := m.repo.GetConversation(ctx, conversationID)
	if errors.Is(err, apperror.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return conv.HasParticipant(userID), nil
}

// Authorize loads the conversation and fails with AccessDenied when userID
// is not a participant. A missing conversation is reported the same way so
// ids cannot be probed.
func (m *ConversationManager) Authorize(ctx context.Context, conversationID, userID int64) (*Conversation, error) {
	conv, err := m.repo.GetConversation(ctx, conversationID)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, apperror.AccessDenied("you are not a participant of this conversation")
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, apperror.AccessDenied("you are not a participant of this conversation")
	}
	return conv, nil
}

// TouchActivity is best effort: failures are logged, never returned, so a
// committed message is never reported as failed.
func (m *ConversationManager) TouchActivity(ctx context.Context, conversationID int64, at time.Time) {
	if err := m.repo.TouchActivity(ctx, conversationID, at); err != nil {
		m.logger.Warn("failed to bump last activity", "conversation_id", conversationID, "error", err)
	}
}

func (m *ConversationManager) List(ctx context.Context, userID int64) ([]*Conversation, error) {
	return m.repo.ListConversations(ctx, userID)
}
