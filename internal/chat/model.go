package chat

import (
	"encoding/json"
	"strconv"
	"time"

	"campus-chat/internal/user"
)

type ConversationType string

const (
	UserToUser      ConversationType = "user_to_user"
	UserToAssistant ConversationType = "user_to_assistant"
)

func (t ConversationType) Valid() bool {
	return t == UserToUser || t == UserToAssistant
}

type Conversation struct {
	ID             int64            `json:"id"`
	Type           ConversationType `json:"type"`
	User1ID        int64            `json:"user1_id"`
	User2ID        *int64           `json:"user2_id,omitempty"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	IsActive       bool             `json:"is_active"`
	CreatedAt      time.Time        `json:"created_at"`
}

func (c *Conversation) HasParticipant(userID int64) bool {
	if c.User1ID == userID {
		return true
	}
	return c.User2ID != nil && *c.User2ID == userID
}

// OtherParticipant returns the human on the other side, if any.
func (c *Conversation) OtherParticipant(userID int64) (int64, bool) {
	if c.Type != UserToUser || c.User2ID == nil {
		return 0, false
	}
	if c.User1ID == userID {
		return *c.User2ID, true
	}
	return c.User1ID, true
}

// pairKey identifies the single conversation allowed per participant set:
// one per unordered user pair, one assistant thread per user.
func pairKey(t ConversationType, user1ID int64, user2ID *int64) string {
	if t == UserToAssistant || user2ID == nil {
		return "a:" + itoa(user1ID)
	}
	lo, hi := user1ID, *user2ID
	if hi < lo {
		lo, hi = hi, lo
	}
	return "u:" + itoa(lo) + ":" + itoa(hi)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// Sender is either a human user or the assistant, never both.
type Sender struct {
	userID    int64
	assistant bool
}

func HumanSender(userID int64) Sender { return Sender{userID: userID} }

func AssistantSender() Sender { return Sender{assistant: true} }

func (s Sender) IsAssistant() bool { return s.assistant }

// UserID returns the human sender's id; ok is false for the assistant.
func (s Sender) UserID() (id int64, ok bool) {
	if s.assistant {
		return 0, false
	}
	return s.userID, true
}

// Is reports whether the sender is the given human user.
func (s Sender) Is(userID int64) bool {
	return !s.assistant && s.userID == userID
}

func (s Sender) nullableID() *int64 {
	if s.assistant {
		return nil
	}
	id := s.userID
	return &id
}

type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentFile  ContentType = "file"
)

func (t ContentType) Valid() bool {
	return t == ContentText || t == ContentImage || t == ContentFile
}

// MessageContent is one ordered part of a message payload. Parts are
// written with their message and never change afterwards.
type MessageContent struct {
	ID           int64       `json:"id"`
	MessageID    int64       `json:"message_id"`
	ContentType  ContentType `json:"content_type"`
	TextContent  *string     `json:"text_content,omitempty"`
	FileURL      *string     `json:"file_url,omitempty"`
	FileName     *string     `json:"file_name,omitempty"`
	MimeType     *string     `json:"mime_type,omitempty"`
	FileSize     *int64      `json:"file_size,omitempty"`
	Width        *int        `json:"width,omitempty"`
	Height       *int        `json:"height,omitempty"`
	ThumbnailURL *string     `json:"thumbnail_url,omitempty"`
	Order        int         `json:"order"`
}

type Message struct {
	ID               int64
	ConversationID   int64
	Sender           Sender
	TextContent      *string
	ReplyToMessageID *int64
	IsEdited         bool
	EditedAt         *time.Time
	IsDeleted        bool
	CreatedAt        time.Time
	Contents         []MessageContent

	// SenderName decorates outgoing payloads; it is not stored.
	SenderName string
}

type messageJSON struct {
	ID               int64            `json:"id"`
	ConversationID   int64            `json:"conversation_id"`
	SenderID         *int64           `json:"sender_id"`
	SenderName       string           `json:"sender_name,omitempty"`
	IsFromAssistant  bool             `json:"is_from_assistant"`
	TextContent      *string          `json:"text_content"`
	ReplyToMessageID *int64           `json:"reply_to_message_id,omitempty"`
	IsEdited         bool             `json:"is_edited"`
	EditedAt         *time.Time       `json:"edited_at,omitempty"`
	IsDeleted        bool             `json:"is_deleted,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	Contents         []MessageContent `json:"contents"`
}

// MarshalJSON flattens Sender into the sender_id / is_from_assistant pair
// clients expect.
func (m *Message) MarshalJSON() ([]byte, error) {
	contents := m.Contents
	if contents == nil {
		contents = []MessageContent{}
	}
	return json.Marshal(messageJSON{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderID:         m.Sender.nullableID(),
		SenderName:       m.SenderName,
		IsFromAssistant:  m.Sender.IsAssistant(),
		TextContent:      m.TextContent,
		ReplyToMessageID: m.ReplyToMessageID,
		IsEdited:         m.IsEdited,
		EditedAt:         m.EditedAt,
		IsDeleted:        m.IsDeleted,
		CreatedAt:        m.CreatedAt,
		Contents:         contents,
	})
}

// NewMessage is the input to Repository.AppendMessage.
type NewMessage struct {
	ConversationID   int64
	Sender           Sender
	TextContent      *string
	ReplyToMessageID *int64
	Contents         []MessageContent
}

type ReadStatus string

const (
	StatusDelivered ReadStatus = "delivered"
	StatusRead      ReadStatus = "read"
)

type MessageReadStatus struct {
	ID              int64      `json:"id"`
	MessageID       int64      `json:"message_id"`
	UserID          int64      `json:"user_id"`
	Status          ReadStatus `json:"status"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
}

type AssistantContext struct {
	ID                 int64     `json:"id"`
	ConversationID     int64     `json:"conversation_id"`
	SystemPrompt       string    `json:"system_prompt"`
	MaxContextMessages int       `json:"max_context_messages"`
	LastInteractionAt  time.Time `json:"last_interaction_at"`
}

// ConversationSummary is one row of the caller's conversation list.
type ConversationSummary struct {
	*Conversation
	OtherUser   *user.Profile `json:"other_user,omitempty"`
	LastMessage *Message      `json:"last_message,omitempty"`
	UnreadCount int           `json:"unread_count"`
}
