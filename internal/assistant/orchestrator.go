package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"campus-chat/internal/apperror"
	"campus-chat/internal/chat"
	"campus-chat/internal/realtime"
)

// UnavailableMessage is the user-facing text of the error event sent when a
// turn produces no reply.
const UnavailableMessage = "assistant temporarily unavailable"

// Store is the slice of the content store a turn needs.
type Store interface {
	GetOrCreateAssistantContext(ctx context.Context, conversationID int64, systemPrompt string, maxContext int) (*chat.AssistantContext, error)
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]*chat.Message, error)
	TouchAssistantContext(ctx context.Context, conversationID int64) error
}

// ReplyPoster persists an assistant reply and fans it out.
type ReplyPoster interface {
	PostAssistantReply(ctx context.Context, conversationID int64, text string) (*chat.Message, error)
}

type Config struct {
	SystemPrompt       string
	MaxContextMessages int
	MaxConcurrent      int64
	Timeout            time.Duration
	ThinkingDelay      time.Duration
}

// Orchestrator runs assistant turns in the background. Turns never share
// the triggering request's context; they run on the orchestrator's own
// context, which only Shutdown cancels.
type Orchestrator struct {
	store   Store
	replies ReplyPoster
	hub     chat.Broadcaster
	llm     Generator
	cfg     Config
	sem     *semaphore.Weighted
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(store Store, replies ReplyPoster, hub chat.Broadcaster, llm Generator, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if llm == nil {
		llm = UnavailableGenerator{}
	}
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   store,
		replies: replies,
		hub:     hub,
		llm:     llm,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:  logger.With("component", "assistant"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Trigger schedules a turn and returns immediately.
func (o *Orchestrator) Trigger(conversationID int64) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logger.Warn("turn dropped during shutdown", "conversation_id", conversationID)
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		if err := o.sem.Acquire(o.ctx, 1); err != nil {
			// Cancelled while queued; the trigger was accepted, so it still
			// gets its error event.
			o.logger.Warn("queued turn cancelled", "conversation_id", conversationID, "error", err)
			o.reportUnavailable(o.ctx, conversationID)
			return
		}
		defer o.sem.Release(1)
		if err := o.Run(o.ctx, conversationID); err != nil {
			o.logger.Error("assistant turn failed", "conversation_id", conversationID, "error", err)
		}
	}()
}

// Run executes one turn synchronously. Every outcome ends in exactly one
// of: an assistant message, or an error event. If the typing indicator was
// raised it is lowered exactly once.
func (o *Orchestrator) Run(ctx context.Context, conversationID int64) (err error) {
	typing := false
	stopTyping := func() {
		if typing {
			typing = false
			o.setTyping(conversationID, false)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("assistant turn panicked: %v", r)
		}
		stopTyping()
		if err != nil {
			o.reportUnavailable(ctx, conversationID)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	ac, err := o.store.GetOrCreateAssistantContext(ctx, conversationID, o.cfg.SystemPrompt, o.cfg.MaxContextMessages)
	if err != nil {
		return err
	}
	history, err := o.store.RecentMessages(ctx, conversationID, ac.MaxContextMessages)
	if err != nil {
		return err
	}
	prompt := BuildPrompt(ac.SystemPrompt, history)

	if o.cfg.ThinkingDelay > 0 {
		select {
		case <-time.After(o.cfg.ThinkingDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	typing = true
	o.setTyping(conversationID, true)

	reply, genErr := o.generate(ctx, prompt)
	stopTyping()

	reply = strings.TrimSpace(reply)
	if genErr != nil {
		return apperror.Upstream("assistant generation failed", genErr)
	}
	if reply == "" {
		return apperror.Upstream("assistant produced no reply", nil)
	}

	if _, err := o.replies.PostAssistantReply(ctx, conversationID, reply); err != nil {
		return err
	}
	if err := o.store.TouchAssistantContext(ctx, conversationID); err != nil {
		o.logger.Warn("touch assistant context", "conversation_id", conversationID, "error", err)
	}
	return nil
}

func (o *Orchestrator) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	return o.llm.Generate(ctx, prompt)
}

func (o *Orchestrator) reportUnavailable(ctx context.Context, conversationID int64) {
	o.hub.Broadcast(context.WithoutCancel(ctx), conversationID,
		realtime.ErrorEvent(conversationID, string(apperror.CodeUpstream), UnavailableMessage))
}

func (o *Orchestrator) setTyping(conversationID int64, on bool) {
	o.hub.Broadcast(context.WithoutCancel(o.ctx), conversationID, realtime.Event{
		Type:           realtime.EventAssistantTyping,
		ConversationID: conversationID,
		Payload:        realtime.AssistantTypingPayload{IsTyping: on},
	})
}

// Shutdown stops accepting turns and waits for running ones. When ctx ends
// first, in-flight turns are cancelled and awaited.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

// BuildPrompt renders the system prompt followed by the window in
// chronological order. history is newest first.
func BuildPrompt(systemPrompt string, history []*chat.Message) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(systemPrompt))
	b.WriteString("\n\n")
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		text := messageText(m)
		if text == "" {
			continue
		}
		if m.Sender.IsAssistant() {
			b.WriteString("Assistant: ")
		} else {
			b.WriteString("User: ")
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}

func messageText(m *chat.Message) string {
	var parts []string
	if m.TextContent != nil {
		if t := strings.TrimSpace(*m.TextContent); t != "" {
			parts = append(parts, t)
		}
	}
	for _, c := range m.Contents {
		switch {
		case c.TextContent != nil && strings.TrimSpace(*c.TextContent) != "":
			parts = append(parts, strings.TrimSpace(*c.TextContent))
		case c.FileName != nil:
			parts = append(parts, fmt.Sprintf("[%s: %s]", c.ContentType, *c.FileName))
		}
	}
	return strings.Join(parts, " ")
}
