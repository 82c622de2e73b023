package realtime

import "encoding/json"

// Server -> client event names.
const (
	EventMessageReceived = "message.received"
	EventMessageEdited   = "message.edited"
	EventMessageDeleted  = "message.deleted"
	EventMessagesRead    = "messages.read"
	EventTypingStart     = "typing.start"
	EventTypingStop      = "typing.stop"
	EventAssistantTyping = "assistant.typing"
	EventError           = "error"
	EventJoined          = "joined"
	EventLeft            = "left"
)

// Client -> server command names.
const (
	ActionJoin        = "join"
	ActionLeave       = "leave"
	ActionTypingStart = "typing.start"
	ActionTypingStop  = "typing.stop"
	ActionSendMessage = "message.send"
	ActionMarkRead    = "messages.read"
)

// Event is the envelope pushed to websocket clients.
type Event struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	Payload        any    `json:"payload,omitempty"`
}

// Command is what a websocket client sends. Only Action and
// ConversationID are common to every action; the rest belong to
// message.send.
type Command struct {
	Action           string          `json:"action"`
	ConversationID   int64           `json:"conversation_id"`
	TextContent      *string         `json:"text_content,omitempty"`
	Contents         json.RawMessage `json:"contents,omitempty"`
	ReplyToMessageID *int64          `json:"reply_to_message_id,omitempty"`
}

type TypingPayload struct {
	UserID int64 `json:"user_id"`
}

type AssistantTypingPayload struct {
	IsTyping bool `json:"is_typing"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type ReadPayload struct {
	UserID     int64   `json:"user_id"`
	MessageIDs []int64 `json:"message_ids"`
}

func ErrorEvent(conversationID int64, code, message string) Event {
	return Event{
		Type:           EventError,
		ConversationID: conversationID,
		Payload:        ErrorPayload{Code: code, Message: message},
	}
}
