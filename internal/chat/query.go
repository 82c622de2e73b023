package chat

import (
	"context"
	"strings"

	"campus-chat/internal/apperror"
	"campus-chat/internal/user"
)

// The read side: history, search and conversation summaries. Every path
// checks participation the same way message listing does.

func (s *Service) ListMessages(ctx context.Context, userID, conversationID int64, page, pageSize int) ([]*Message, error) {
	if _, err := s.convs.Authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if page < 1 {
		page = 1
	}

	msgs, err := s.repo.ListMessages(ctx, conversationID, page, pageSize)
	if err != nil {
		return nil, err
	}
	s.decorate(ctx, msgs...)
	return msgs, nil
}

func (s *Service) Search(ctx context.Context, userID int64, query string, conversationID *int64) ([]*Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperror.Validation("query is required")
	}
	if conversationID != nil {
		if _, err := s.convs.Authorize(ctx, *conversationID, userID); err != nil {
			return nil, err
		}
	}

	msgs, err := s.repo.Search(ctx, userID, query, conversationID)
	if err != nil {
		return nil, err
	}
	s.decorate(ctx, msgs...)
	return msgs, nil
}

func (s *Service) GetConversation(ctx context.Context, userID, conversationID int64) (*Conversation, error) {
	return s.convs.Authorize(ctx, conversationID, userID)
}

// StartConversation finds or creates a conversation. The other participant
// of a direct conversation must be a registered user.
func (s *Service) StartConversation(ctx context.Context, userID int64, otherUserID *int64, t ConversationType) (*ConversationSummary, error) {
	if t == UserToUser && otherUserID != nil && *otherUserID != userID && s.profiles != nil {
		profiles, err := s.profiles.Profiles(ctx, []int64{*otherUserID})
		if err != nil {
			return nil, err
		}
		if _, ok := profiles[*otherUserID]; !ok {
			return nil, apperror.NotFound("user not found")
		}
	}
	conv, err := s.convs.CreateOrGet(ctx, userID, otherUserID, t)
	if err != nil {
		return nil, err
	}
	summaries, err := s.summarize(ctx, userID, []*Conversation{conv})
	if err != nil {
		return nil, err
	}
	return &summaries[0], nil
}

// ListConversations returns the caller's conversations, newest activity
// first, with the other participant, last message and unread count.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	convs, err := s.convs.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.summarize(ctx, userID, convs)
}

func (s *Service) summarize(ctx context.Context, userID int64, convs []*Conversation) ([]ConversationSummary, error) {
	var otherIDs []int64
	for _, c := range convs {
		if id, ok := c.OtherParticipant(userID); ok {
			otherIDs = append(otherIDs, id)
		}
	}
	var profiles map[int64]user.Profile
	if len(otherIDs) > 0 && s.profiles != nil {
		var err error
		if profiles, err = s.profiles.Profiles(ctx, otherIDs); err != nil {
			s.logger.Warn("profile lookup failed", "error", err)
		}
	}

	out := make([]ConversationSummary, 0, len(convs))
	var last []*Message
	for _, c := range convs {
		sum := ConversationSummary{Conversation: c}
		if id, ok := c.OtherParticipant(userID); ok {
			if p, found := profiles[id]; found {
				sum.OtherUser = &p
			} else {
				sum.OtherUser = &user.Profile{ID: id}
			}
		}

		msg, err := s.repo.LastMessage(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		sum.LastMessage = msg
		if msg != nil {
			last = append(last, msg)
		}

		if sum.UnreadCount, err = s.repo.UnreadCount(ctx, c.ID, userID); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	s.decorate(ctx, last...)
	return out, nil
}
