package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"campus-chat/internal/apperror"
	"campus-chat/internal/presence"
)

const commandTimeout = 15 * time.Second

// AccessChecker answers whether a user participates in a conversation.
type AccessChecker interface {
	CanAccess(ctx context.Context, conversationID, userID int64) (bool, error)
}

// CommandHandler executes the commands that touch persistence
// (message.send, messages.read).
type CommandHandler interface {
	HandleCommand(ctx context.Context, userID int64, cmd Command) error
}

// Hub tracks live connections and the conversation groups they joined, and
// fans events out to every member of a group.
//
// Membership is guarded by one RWMutex. Broadcasts copy the member list
// under the read lock and send after releasing it, so joins and leaves
// never race with an iteration.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]map[int64]struct{} // client -> joined conversations
	groups  map[int64]map[*Client]struct{} // conversation -> members
	online  map[int64]int                  // user -> live connection count

	access   AccessChecker
	commands CommandHandler
	presence *presence.Tracker
	broker   Broker
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub. A nil broker keeps fan-out inside this process.
func NewHub(access AccessChecker, tracker *presence.Tracker, broker Broker, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = presence.NewTracker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:  make(map[*Client]map[int64]struct{}),
		groups:   make(map[int64]map[*Client]struct{}),
		online:   make(map[int64]int),
		access:   access,
		presence: tracker,
		broker:   broker,
		logger:   logger.With("component", "hub"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetCommandHandler wires the service that persists websocket-originated
// messages. It must be called before connections are served.
func (h *Hub) SetCommandHandler(handler CommandHandler) {
	h.commands = handler
}

// Run consumes the broker subscription until ctx is cancelled. Without a
// broker it only waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.broker == nil {
		<-ctx.Done()
		return nil
	}
	return h.broker.Subscribe(ctx, h.deliver)
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = make(map[int64]struct{})
	h.online[c.UserID]++
	// Presence is written under h.mu so a concurrent Unregister of the
	// user's previous connection cannot land its offline write last.
	if h.online[c.UserID] == 1 {
		h.presence.SetOnline(c.UserID)
	}
	h.mu.Unlock()

	h.logger.Debug("client registered", "conn_id", c.ID, "user_id", c.UserID)
}

// Unregister drops every group membership of c before returning, so no
// later broadcast targets it. Calling it twice is harmless.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	joined, ok := h.clients[c]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for conversationID := range joined {
		h.removeMemberLocked(conversationID, c)
	}
	h.online[c.UserID]--
	last := h.online[c.UserID] <= 0
	if last {
		delete(h.online, c.UserID)
		h.presence.SetOffline(c.UserID, time.Now())
	}
	h.mu.Unlock()

	c.closeSend()

	if last {
		for conversationID := range joined {
			if h.presence.ClearTyping(conversationID, c.UserID) {
				h.Broadcast(h.ctx, conversationID, Event{
					Type:           EventTypingStop,
					ConversationID: conversationID,
					Payload:        TypingPayload{UserID: c.UserID},
				})
			}
		}
	}
	h.logger.Debug("client unregistered", "conn_id", c.ID, "user_id", c.UserID)
}

func (h *Hub) removeMemberLocked(conversationID int64, c *Client) {
	members, ok := h.groups[conversationID]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.groups, conversationID)
	}
}

// Join adds c to the conversation group after checking access. The check
// runs without holding the membership lock.
func (h *Hub) Join(ctx context.Context, c *Client, conversationID int64) error {
	ok, err := h.access.CanAccess(ctx, conversationID, c.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.AccessDenied("you are not a participant of this conversation")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	joined, registered := h.clients[c]
	if !registered {
		return apperror.InvalidState("connection is closed")
	}
	members, exists := h.groups[conversationID]
	if !exists {
		members = make(map[*Client]struct{})
		h.groups[conversationID] = members
	}
	members[c] = struct{}{}
	joined[conversationID] = struct{}{}
	return nil
}

// Leave is idempotent.
func (h *Hub) Leave(c *Client, conversationID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if joined, ok := h.clients[c]; ok {
		delete(joined, conversationID)
	}
	h.removeMemberLocked(conversationID, c)
}

func (h *Hub) isMember(c *Client, conversationID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.clients[c][conversationID]
	return ok
}

// Members returns how many live connections joined the conversation.
func (h *Hub) Members(conversationID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[conversationID])
}

// Broadcast publishes ev to the conversation group. Delivery is best effort
// and never reported back to the caller.
func (h *Hub) Broadcast(ctx context.Context, conversationID int64, ev Event) {
	ev.ConversationID = conversationID
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encoding event", "type", ev.Type, "error", err)
		return
	}

	if h.broker == nil {
		h.deliver(conversationID, data)
		return
	}
	if err := h.broker.Publish(ctx, conversationID, data); err != nil {
		// Other instances miss this one; local members still get it.
		h.logger.Warn("broker publish failed, delivering locally", "conversation_id", conversationID, "error", err)
		h.deliver(conversationID, data)
	}
}

// deliver forwards an encoded event to the local members of a group.
func (h *Hub) deliver(conversationID int64, data []byte) {
	h.mu.RLock()
	members := h.groups[conversationID]
	if len(members) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(members))
	for c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			// Slow or gone: cut it loose, it re-syncs from history on reconnect.
			h.logger.Debug("dropping slow client", "conn_id", c.ID, "conversation_id", conversationID)
			go h.Unregister(c)
		}
	}
}

func (h *Hub) dispatch(c *Client, cmd Command) {
	ctx, cancel := context.WithTimeout(h.ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd.Action {
	case ActionJoin:
		if err = h.Join(ctx, c, cmd.ConversationID); err == nil {
			c.sendEvent(Event{Type: EventJoined, ConversationID: cmd.ConversationID})
		}
	case ActionLeave:
		h.Leave(c, cmd.ConversationID)
		c.sendEvent(Event{Type: EventLeft, ConversationID: cmd.ConversationID})
	case ActionTypingStart, ActionTypingStop:
		err = h.typing(ctx, c, cmd.ConversationID, cmd.Action == ActionTypingStart)
	case ActionSendMessage, ActionMarkRead:
		if h.commands == nil {
			err = apperror.InvalidState("messaging is not available on this connection")
			break
		}
		err = h.commands.HandleCommand(ctx, c.UserID, cmd)
	default:
		err = apperror.Validation("unknown action " + cmd.Action)
	}

	if err != nil {
		code := apperror.CodeOf(err)
		if code == apperror.CodeInternal {
			c.logger.Error("command failed", "action", cmd.Action, "error", err)
		}
		c.sendEvent(ErrorEvent(cmd.ConversationID, string(code), apperror.MessageOf(err)))
	}
}

func (h *Hub) typing(ctx context.Context, c *Client, conversationID int64, start bool) error {
	if !h.isMember(c, conversationID) {
		return apperror.AccessDenied("join the conversation before sending typing state")
	}

	var changed bool
	evType := EventTypingStop
	if start {
		evType = EventTypingStart
		changed = h.presence.SetTyping(conversationID, c.UserID)
	} else {
		changed = h.presence.ClearTyping(conversationID, c.UserID)
	}
	if changed {
		h.Broadcast(ctx, conversationID, Event{
			Type:    evType,
			Payload: TypingPayload{UserID: c.UserID},
		})
	}
	return nil
}

// Close disconnects every client and stops in-flight command contexts.
func (h *Hub) Close() {
	h.cancel()

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}
