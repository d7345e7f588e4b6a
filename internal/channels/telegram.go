package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramMaxMessageLen is Telegram's hard per-message limit.
const telegramMaxMessageLen = 4096

// editThrottle rate-limits progressive edits to avoid Telegram 429 errors.
const editThrottle = 1500 * time.Millisecond

// InboundHandler receives normalized messages from a channel.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg InboundMessage) error
}

// TelegramChannel connects a bot account over long polling.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	handler    InboundHandler
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	healthy    atomic.Bool

	// streamMu protects streamMsgs for progressive editing.
	streamMu   sync.Mutex
	streamMsgs map[string]*tgStreamState // runID -> streaming state
}

// tgStreamState tracks progressive editing for one streamed reply.
type tgStreamState struct {
	chatID    int64
	messageID int
	lastEdit  time.Time
	lastText  string
}

// NewTelegramChannel creates a Telegram channel. An empty allowedIDs list
// means every chat is accepted (registration still gates dispatch).
func NewTelegramChannel(token string, allowedIDs []int64, handler InboundHandler, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		handler:    handler,
		logger:     logger.With("component", "telegram"),
		streamMsgs: make(map[string]*tgStreamState),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Healthy() bool {
	return t.healthy.Load()
}

func (t *TelegramChannel) MaxMessageLen() int {
	return telegramMaxMessageLen
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)
		t.healthy.Store(true)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()
		t.healthy.Store(false)

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

func (t *TelegramChannel) Stop(ctx context.Context) error {
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.healthy.Store(false)
	return nil
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if len(t.allowedIDs) > 0 {
				if _, ok := t.allowedIDs[update.Message.Chat.ID]; !ok {
					t.logger.Warn("telegram access denied", "chat_id", update.Message.Chat.ID)
					continue
				}
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" && msg.Caption != "" {
		content = strings.TrimSpace(msg.Caption)
	}
	if content == "" {
		return
	}

	sender := msg.From
	senderName := ""
	senderID := ""
	fromBot := false
	if sender != nil {
		senderID = strconv.FormatInt(sender.ID, 10)
		senderName = strings.TrimSpace(sender.FirstName + " " + sender.LastName)
		if senderName == "" {
			senderName = sender.UserName
		}
		fromBot = sender.IsBot
	}

	inbound := InboundMessage{
		Address:    Address{Channel: t.Name(), LocalID: strconv.FormatInt(msg.Chat.ID, 10)},
		MessageID:  strconv.Itoa(msg.MessageID),
		SenderID:   senderID,
		SenderName: senderName,
		Text:       content,
		Timestamp:  msg.Time(),
		IsFromBot:  fromBot,
	}
	if err := t.handler.HandleInbound(ctx, inbound); err != nil {
		t.logger.Error("inbound handling failed", "chat_id", msg.Chat.ID, "error", err)
	}
}

func (t *TelegramChannel) chatID(addr Address) (int64, error) {
	id, err := strconv.ParseInt(addr.LocalID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad telegram chat id %q: %w", addr.LocalID, err)
	}
	return id, nil
}

func (t *TelegramChannel) Send(ctx context.Context, msg OutboundMessage) error {
	chatID, err := t.chatID(msg.Address)
	if err != nil {
		return err
	}
	out := tgbotapi.NewMessage(chatID, msg.Text)
	if _, err := t.bot.Send(out); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SendReply quotes the original message.
func (t *TelegramChannel) SendReply(ctx context.Context, msg OutboundMessage) error {
	chatID, err := t.chatID(msg.Address)
	if err != nil {
		return err
	}
	out := tgbotapi.NewMessage(chatID, msg.Text)
	if replyID, err := strconv.Atoi(msg.ReplyToID); err == nil {
		out.ReplyToMessageID = replyID
	}
	if _, err := t.bot.Send(out); err != nil {
		return fmt.Errorf("telegram reply: %w", err)
	}
	return nil
}

// SendPoll posts a native Telegram poll.
func (t *TelegramChannel) SendPoll(ctx context.Context, addr Address, question string, options []string) error {
	chatID, err := t.chatID(addr)
	if err != nil {
		return err
	}
	poll := tgbotapi.NewPoll(chatID, question, options...)
	if _, err := t.bot.Send(poll); err != nil {
		return fmt.Errorf("telegram poll: %w", err)
	}
	return nil
}

// SendAttachment uploads a host file as a document.
func (t *TelegramChannel) SendAttachment(ctx context.Context, addr Address, hostPath string) error {
	chatID, err := t.chatID(addr)
	if err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(hostPath))
	if _, err := t.bot.Send(doc); err != nil {
		return fmt.Errorf("telegram document: %w", err)
	}
	return nil
}

// UpdateStream progressively edits a placeholder message as agent chunks
// arrive. Edits are throttled; dropped intermediate text shows up in the next
// edit since the full accumulated text is passed each time.
func (t *TelegramChannel) UpdateStream(ctx context.Context, addr Address, runID, text string) error {
	chatID, err := t.chatID(addr)
	if err != nil {
		return err
	}

	t.streamMu.Lock()
	state, exists := t.streamMsgs[runID]
	if !exists {
		t.streamMu.Unlock()
		msg := tgbotapi.NewMessage(chatID, clipForTelegram(text))
		sent, err := t.bot.Send(msg)
		if err != nil {
			return fmt.Errorf("stream placeholder: %w", err)
		}
		t.streamMu.Lock()
		t.streamMsgs[runID] = &tgStreamState{
			chatID:    chatID,
			messageID: sent.MessageID,
			lastEdit:  time.Now(),
			lastText:  text,
		}
		t.streamMu.Unlock()
		return nil
	}

	if time.Since(state.lastEdit) < editThrottle || text == state.lastText {
		t.streamMu.Unlock()
		return nil
	}
	state.lastEdit = time.Now()
	state.lastText = text
	msgID := state.messageID
	t.streamMu.Unlock()

	edit := tgbotapi.NewEditMessageText(chatID, msgID, clipForTelegram(text))
	if _, err := t.bot.Send(edit); err != nil {
		return fmt.Errorf("stream edit: %w", err)
	}
	return nil
}

// FinishStream applies the final text to the streamed message and forgets the
// run.
func (t *TelegramChannel) FinishStream(ctx context.Context, addr Address, runID, text string) error {
	t.streamMu.Lock()
	state, exists := t.streamMsgs[runID]
	delete(t.streamMsgs, runID)
	t.streamMu.Unlock()

	if !exists {
		return t.Send(ctx, OutboundMessage{Address: addr, Text: text})
	}
	if text == state.lastText {
		return nil
	}
	edit := tgbotapi.NewEditMessageText(state.chatID, state.messageID, clipForTelegram(text))
	if _, err := t.bot.Send(edit); err != nil {
		return fmt.Errorf("stream final edit: %w", err)
	}
	return nil
}

func clipForTelegram(text string) string {
	runes := []rune(text)
	if len(runes) <= telegramMaxMessageLen {
		return text
	}
	return string(runes[:telegramMaxMessageLen-1]) + "…"
}
