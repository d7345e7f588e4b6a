package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/qwibitai/nanoclaw-sub014/internal/bus"
	"github.com/qwibitai/nanoclaw-sub014/internal/persistence"
)

// ErrNoChannel is returned when an outbound address names an unknown channel.
var ErrNoChannel = errors.New("no channel for address")

// Dispatcher is the router's hook into the per-group queue. Enqueue must be
// cheap and non-blocking; a queued-but-not-started job coalesces.
type Dispatcher interface {
	Enqueue(folder, reason string)
}

// RouterConfig is the routing policy.
type RouterConfig struct {
	TriggerWord string
	MainFolder  string
}

// Router normalizes inbound traffic, persists it, decides which messages wake
// an agent, and delivers outbound messages to the owning channel.
type Router struct {
	cfg      RouterConfig
	store    *persistence.Store
	eventBus *bus.Bus
	logger   *slog.Logger

	mu         sync.RWMutex
	channels   map[string]Channel
	dispatcher Dispatcher
}

func NewRouter(cfg RouterConfig, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:      cfg,
		store:    store,
		eventBus: eventBus,
		logger:   logger.With("component", "router"),
		channels: make(map[string]Channel),
	}
}

// Register adds a channel. Must be called before Start. Two channels with
// the same name would make outbound addresses ambiguous, so that is a
// startup failure, not a silent overwrite.
func (r *Router) Register(ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[ch.Name()]; exists {
		return fmt.Errorf("channel %q registered twice", ch.Name())
	}
	r.channels[ch.Name()] = ch
	return nil
}

// SetDispatcher wires the queue in after construction (the queue needs the
// router for sends, so the dependency is circular at build time).
func (r *Router) SetDispatcher(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatcher = d
}

func (r *Router) Channel(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Channels returns the registered channels in no particular order.
func (r *Router) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// Start starts every registered channel. Channels run until ctx is cancelled;
// a channel that fails to start is logged and skipped rather than aborting
// the host.
func (r *Router) Start(ctx context.Context) {
	for _, ch := range r.Channels() {
		ch := ch
		go func() {
			if err := ch.Start(ctx); err != nil {
				r.logger.Error("channel exited", "channel", ch.Name(), "error", err)
			}
		}()
	}
}

// HandleInbound persists a message and enqueues a dispatch when the routing
// policy says the agent should see it now. Every message is stored, even for
// unregistered chats; only registered chats dispatch.
func (r *Router) HandleInbound(ctx context.Context, msg InboundMessage) error {
	if err := r.store.InsertMessage(ctx, persistence.ChatMessage{
		ChatAddress: msg.Address.String(),
		MessageID:   msg.MessageID,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		Content:     msg.Text,
		MediaJSON:   msg.MediaJSON,
		IsFromBot:   msg.IsFromBot,
		Timestamp:   msg.Timestamp,
	}); err != nil {
		return fmt.Errorf("persist inbound: %w", err)
	}

	dispatched := false
	defer func() {
		if r.eventBus != nil {
			r.eventBus.Publish(bus.TopicMessageInbound, bus.InboundEvent{
				ChatAddress: msg.Address.String(),
				MessageID:   msg.MessageID,
				Dispatched:  dispatched,
			})
		}
	}()

	if msg.IsFromBot {
		return nil
	}

	group, err := r.store.GroupByAddress(ctx, msg.Address.String())
	if errors.Is(err, persistence.ErrUnknownGroup) {
		r.logger.Debug("message from unregistered chat stored", "address", msg.Address.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup group: %w", err)
	}

	if !r.shouldDispatch(group, msg.Text) {
		return nil
	}

	r.mu.RLock()
	d := r.dispatcher
	r.mu.RUnlock()
	if d == nil {
		r.logger.Warn("no dispatcher wired, dropping dispatch", "folder", group.Folder)
		return nil
	}
	d.Enqueue(group.Folder, "inbound message")
	dispatched = true
	return nil
}

// shouldDispatch applies the trigger policy: the main folder always
// dispatches, other groups only when the trigger word opens the message or
// mentions the bot.
func (r *Router) shouldDispatch(group persistence.RegisteredGroup, text string) bool {
	if group.Folder == r.cfg.MainFolder {
		return true
	}
	if !group.RequiresTrigger {
		return true
	}
	trigger := strings.ToLower(r.cfg.TriggerWord)
	if trigger == "" {
		return true
	}
	lowered := strings.ToLower(strings.TrimSpace(text))
	if strings.HasPrefix(lowered, trigger) {
		return true
	}
	// Mid-message mention counts only when it stands alone as a word.
	for _, field := range strings.Fields(lowered) {
		if strings.Trim(field, ".,!?;:") == trigger {
			return true
		}
	}
	return false
}

// Send delivers text to a chat, splitting it when the channel caps message
// length. Uses SendReply when a quote is requested and the channel supports
// it.
func (r *Router) Send(ctx context.Context, msg OutboundMessage) error {
	ch, ok := r.Channel(msg.Address.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoChannel, msg.Address.String())
	}

	limit := DefaultMaxMessageLen
	if ll, ok := ch.(LengthLimited); ok {
		limit = ll.MaxMessageLen()
	}

	parts := SplitMessage(msg.Text, limit)
	for i, part := range parts {
		out := OutboundMessage{Address: msg.Address, Text: part}
		// Only the first part quotes the original.
		if i == 0 {
			out.ReplyToID = msg.ReplyToID
		}
		var err error
		if out.ReplyToID != "" {
			if rc, ok := ch.(RepliesCapable); ok {
				err = rc.SendReply(ctx, out)
			} else {
				err = ch.Send(ctx, out)
			}
		} else {
			err = ch.Send(ctx, out)
		}
		if err != nil {
			return fmt.Errorf("send via %s: %w", ch.Name(), err)
		}
	}

	if len(msg.Attachments) > 0 {
		ac, ok := ch.(AttachmentsCapable)
		if !ok {
			r.logger.Warn("channel cannot deliver attachments, dropped",
				"channel", ch.Name(), "count", len(msg.Attachments))
		} else {
			for _, path := range msg.Attachments {
				if err := ac.SendAttachment(ctx, msg.Address, path); err != nil {
					return fmt.Errorf("attach via %s: %w", ch.Name(), err)
				}
			}
		}
	}

	if r.eventBus != nil {
		r.eventBus.Publish(bus.TopicMessageOutbound, msg.Address.String())
	}
	return nil
}

// React forwards a reaction when the channel supports it; a channel without
// reactions logs a warning and drops it rather than failing the request.
func (r *Router) React(ctx context.Context, addr Address, messageID, emoji string) error {
	ch, ok := r.Channel(addr.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoChannel, addr.String())
	}
	if rc, ok := ch.(ReactionsCapable); ok {
		return rc.React(ctx, addr, messageID, emoji)
	}
	r.logger.Warn("channel cannot react, reaction dropped", "channel", ch.Name(), "emoji", emoji)
	return nil
}

// SendPoll posts a poll on a polls-capable channel; otherwise the poll is
// dropped with a warning.
func (r *Router) SendPoll(ctx context.Context, addr Address, question string, options []string) error {
	ch, ok := r.Channel(addr.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoChannel, addr.String())
	}
	if pc, ok := ch.(PollsCapable); ok {
		return pc.SendPoll(ctx, addr, question, options)
	}
	r.logger.Warn("channel cannot post polls, poll dropped", "channel", ch.Name(), "question", question)
	return nil
}

// UpdateStream pushes a partial reply to a streaming-capable channel. Channels
// without streaming ignore partials; they get the final text via Send.
func (r *Router) UpdateStream(ctx context.Context, addr Address, runID, text string) {
	ch, ok := r.Channel(addr.Channel)
	if !ok {
		return
	}
	if sc, ok := ch.(StreamingCapable); ok {
		if err := sc.UpdateStream(ctx, addr, runID, text); err != nil {
			r.logger.Debug("stream update failed", "channel", ch.Name(), "error", err)
		}
	}
}

// FinishStream closes out a streamed reply. Returns false when the channel
// does not stream, in which case the caller must Send the final text.
func (r *Router) FinishStream(ctx context.Context, addr Address, runID, text string) bool {
	ch, ok := r.Channel(addr.Channel)
	if !ok {
		return false
	}
	sc, ok := ch.(StreamingCapable)
	if !ok {
		return false
	}
	if err := sc.FinishStream(ctx, addr, runID, text); err != nil {
		r.logger.Warn("stream finish failed, falling back to send", "channel", ch.Name(), "error", err)
		return false
	}
	return true
}

// SplitMessage breaks text into chunks of at most limit runes, preferring
// paragraph breaks, then line breaks, then spaces.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMaxMessageLen
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		window := string(runes[:limit])
		for _, sep := range []string{"\n\n", "\n", " "} {
			if idx := strings.LastIndex(window, sep); idx > limit/2 {
				cut = len([]rune(window[:idx]))
				break
			}
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n "))
		runes = []rune(strings.TrimLeft(string(runes[cut:]), "\n "))
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
