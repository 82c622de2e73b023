package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"campus-chat/internal/apperror"
	"campus-chat/internal/realtime"
	"campus-chat/internal/user"
)

const (
	DefaultPageSize     = 50
	MaxPageSize         = 100
	MaxTextLength       = 10000
	MaxContentParts     = 10
	assistantSenderName = "Assistant"
)

// Broadcaster delivers events to the live members of a conversation.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID int64, ev realtime.Event)
}

// AssistantTrigger schedules an assistant turn in the background.
type AssistantTrigger interface {
	Trigger(conversationID int64)
}

// ProfileLookup resolves display names for outgoing payloads.
type ProfileLookup interface {
	Profiles(ctx context.Context, ids []int64) (map[int64]user.Profile, error)
}

// Service is the message-level API used by both REST handlers and
// websocket commands.
type Service struct {
	repo      *Repository
	convs     *ConversationManager
	hub       Broadcaster
	profiles  ProfileLookup
	assistant AssistantTrigger
	logger    *slog.Logger
}

func NewService(repo *Repository, convs *ConversationManager, hub Broadcaster, profiles ProfileLookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		convs:    convs,
		hub:      hub,
		profiles: profiles,
		logger:   logger.With("component", "chat"),
	}
}

// SetAssistant wires the orchestrator, which itself depends on Service.
func (s *Service) SetAssistant(t AssistantTrigger) {
	s.assistant = t
}

type SendMessageRequest struct {
	TextContent      *string          `json:"text_content"`
	Contents         []MessageContent `json:"contents"`
	ReplyToMessageID *int64           `json:"reply_to_message_id"`
}

func (req *SendMessageRequest) normalize() error {
	if req.TextContent != nil {
		trimmed := strings.TrimSpace(*req.TextContent)
		if trimmed == "" {
			req.TextContent = nil
		} else {
			req.TextContent = &trimmed
		}
	}
	if req.TextContent == nil && len(req.Contents) == 0 {
		return apperror.Validation("message needs text_content or at least one content part")
	}
	if req.TextContent != nil && utf8.RuneCountInString(*req.TextContent) > MaxTextLength {
		return apperror.Validation("text_content is too long")
	}
	if len(req.Contents) > MaxContentParts {
		return apperror.Validation("too many content parts")
	}
	for i := range req.Contents {
		p := &req.Contents[i]
		switch p.ContentType {
		case ContentText:
			if p.TextContent == nil || strings.TrimSpace(*p.TextContent) == "" {
				return apperror.Validation("text content parts need text_content")
			}
		case ContentImage, ContentFile:
			if p.FileURL == nil || *p.FileURL == "" {
				return apperror.Validation("file content parts need file_url")
			}
		default:
			return apperror.Validation("unknown content_type")
		}
	}
	return nil
}

// SendMessage persists a user message, fans it out, and schedules an
// assistant turn for assistant conversations.
func (s *Service) SendMessage(ctx context.Context, userID, conversationID int64, req SendMessageRequest) (*Message, error) {
	conv, err := s.convs.Authorize(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if req.ReplyToMessageID != nil {
		target, err := s.repo.GetMessage(ctx, *req.ReplyToMessageID)
		if err != nil || target.ConversationID != conversationID || target.IsDeleted {
			return nil, apperror.Validation("reply_to_message_id must reference a message in this conversation")
		}
	}

	msg, err := s.repo.AppendMessage(ctx, &NewMessage{
		ConversationID:   conversationID,
		Sender:           HumanSender(userID),
		TextContent:      req.TextContent,
		ReplyToMessageID: req.ReplyToMessageID,
		Contents:         req.Contents,
	})
	if err != nil {
		return nil, err
	}

	s.afterAppend(ctx, msg)

	if conv.Type == UserToAssistant && s.assistant != nil {
		s.assistant.Trigger(conversationID)
	}
	return msg, nil
}

// PostAssistantReply stores the assistant's answer and fans it out.
func (s *Service) PostAssistantReply(ctx context.Context, conversationID int64, text string) (*Message, error) {
	msg, err := s.repo.AppendMessage(ctx, &NewMessage{
		ConversationID: conversationID,
		Sender:         AssistantSender(),
		TextContent:    &text,
	})
	if err != nil {
		return nil, err
	}
	s.afterAppend(ctx, msg)
	return msg, nil
}

// afterAppend runs the post-commit side effects. Neither can fail the write.
func (s *Service) afterAppend(ctx context.Context, msg *Message) {
	// The caller may hang up once the row is committed; the side effects
	// still run to completion.
	ctx = context.WithoutCancel(ctx)

	s.convs.TouchActivity(ctx, msg.ConversationID, msg.CreatedAt)
	s.decorate(ctx, msg)
	s.hub.Broadcast(ctx, msg.ConversationID, realtime.Event{Type: realtime.EventMessageReceived, Payload: msg})
}

// loadVisibleMessage fetches a message the caller may see. Messages in
// conversations the caller is not part of look missing.
func (s *Service) loadVisibleMessage(ctx context.Context, userID, messageID int64) (*Message, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	ok, err := s.convs.CanAccess(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperror.NotFound("message not found")
	}
	return msg, nil
}

// loadLiveMessage is loadVisibleMessage for operations that must not touch
// soft-deleted messages.
func (s *Service) loadLiveMessage(ctx context.Context, userID, messageID int64) (*Message, error) {
	msg, err := s.loadVisibleMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, apperror.NotFound("message not found")
	}
	return msg, nil
}

// EditMessage replaces the text of the caller's own message.
func (s *Service) EditMessage(ctx context.Context, userID, messageID int64, text string) (*Message, error) {
	msg, err := s.loadLiveMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Sender.IsAssistant() {
		return nil, apperror.InvalidState("assistant messages cannot be edited")
	}
	if !msg.Sender.Is(userID) {
		return nil, apperror.Forbidden("you can only edit your own messages")
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperror.Validation("text_content is required")
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return nil, apperror.Validation("text_content is too long")
	}

	updated, err := s.repo.UpdateMessageText(ctx, messageID, text)
	if err != nil {
		return nil, err
	}
	s.decorate(ctx, updated)
	s.hub.Broadcast(context.WithoutCancel(ctx), updated.ConversationID, realtime.Event{
		Type:    realtime.EventMessageEdited,
		Payload: updated,
	})
	return updated, nil
}

type deletedPayload struct {
	MessageID int64 `json:"message_id"`
}

// DeleteMessage soft-deletes the caller's own message. Deleting an already
// deleted message succeeds without side effects.
func (s *Service) DeleteMessage(ctx context.Context, userID, messageID int64) error {
	msg, err := s.loadVisibleMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if !msg.Sender.Is(userID) {
		return apperror.Forbidden("you can only delete your own messages")
	}
	if msg.IsDeleted {
		return nil
	}

	changed, err := s.repo.SoftDelete(ctx, messageID)
	if err != nil {
		return err
	}
	if changed {
		s.hub.Broadcast(context.WithoutCancel(ctx), msg.ConversationID, realtime.Event{
			Type:    realtime.EventMessageDeleted,
			Payload: deletedPayload{MessageID: messageID},
		})
	}
	return nil
}

// MarkConversationRead marks everything unread in the conversation as read
// for the caller and tells the other members which ids changed.
func (s *Service) MarkConversationRead(ctx context.Context, userID, conversationID int64) ([]int64, error) {
	if _, err := s.convs.Authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	ids, err := s.repo.MarkConversationRead(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		s.hub.Broadcast(context.WithoutCancel(ctx), conversationID, realtime.Event{
			Type:    realtime.EventMessagesRead,
			Payload: realtime.ReadPayload{UserID: userID, MessageIDs: ids},
		})
	}
	return ids, nil
}

// MarkRead marks a single message read for the caller.
func (s *Service) MarkRead(ctx context.Context, userID, messageID int64) error {
	msg, err := s.loadLiveMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if err := s.repo.UpsertReadStatus(ctx, messageID, userID, StatusRead); err != nil {
		return err
	}
	s.hub.Broadcast(context.WithoutCancel(ctx), msg.ConversationID, realtime.Event{
		Type:    realtime.EventMessagesRead,
		Payload: realtime.ReadPayload{UserID: userID, MessageIDs: []int64{messageID}},
	})
	return nil
}

// MarkDelivered records that the caller's client received a message.
func (s *Service) MarkDelivered(ctx context.Context, userID, messageID int64) error {
	if _, err := s.loadLiveMessage(ctx, userID, messageID); err != nil {
		return err
	}
	return s.repo.UpsertReadStatus(ctx, messageID, userID, StatusDelivered)
}

func (s *Service) ReadStatuses(ctx context.Context, userID, messageID int64) ([]MessageReadStatus, error) {
	if _, err := s.loadVisibleMessage(ctx, userID, messageID); err != nil {
		return nil, err
	}
	return s.repo.ReadStatuses(ctx, messageID)
}

// TriggerAssistant starts an assistant turn on request. With text, the text
// is first sent as the user's message, which schedules the turn itself.
func (s *Service) TriggerAssistant(ctx context.Context, userID, conversationID int64, text *string) (*Message, error) {
	conv, err := s.convs.Authorize(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if conv.Type != UserToAssistant {
		return nil, apperror.InvalidState("conversation has no assistant")
	}
	if s.assistant == nil {
		return nil, apperror.Upstream("assistant is not configured", nil)
	}
	if text != nil && strings.TrimSpace(*text) != "" {
		return s.SendMessage(ctx, userID, conversationID, SendMessageRequest{TextContent: text})
	}
	s.assistant.Trigger(conversationID)
	return nil, nil
}

// HandleCommand executes websocket commands that touch persistence.
func (s *Service) HandleCommand(ctx context.Context, userID int64, cmd realtime.Command) error {
	switch cmd.Action {
	case realtime.ActionSendMessage:
		req := SendMessageRequest{TextContent: cmd.TextContent, ReplyToMessageID: cmd.ReplyToMessageID}
		if len(cmd.Contents) > 0 {
			if err := json.Unmarshal(cmd.Contents, &req.Contents); err != nil {
				return apperror.Validation("malformed contents")
			}
		}
		_, err := s.SendMessage(ctx, userID, cmd.ConversationID, req)
		return err
	case realtime.ActionMarkRead:
		_, err := s.MarkConversationRead(ctx, userID, cmd.ConversationID)
		return err
	default:
		return apperror.Validation("unsupported action " + cmd.Action)
	}
}

// decorate fills SenderName. Lookup failures only cost the names.
func (s *Service) decorate(ctx context.Context, msgs ...*Message) {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, m := range msgs {
		if id, ok := m.Sender.UserID(); ok {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	var profiles map[int64]user.Profile
	if len(ids) > 0 && s.profiles != nil {
		var err error
		profiles, err = s.profiles.Profiles(ctx, ids)
		if err != nil {
			s.logger.Warn("profile lookup failed", "error", err)
		}
	}

	for _, m := range msgs {
		if m.Sender.IsAssistant() {
			m.SenderName = assistantSenderName
			continue
		}
		id, _ := m.Sender.UserID()
		if p, ok := profiles[id]; ok {
			m.SenderName = p.DisplayName
		}
	}
}
