// Package channels connects chat networks to the host. Each connector
// implements Channel; optional abilities (replies, reactions, polls,
// streaming edits) are separate interfaces probed by type assertion so the
// router degrades gracefully on channels that lack them.
package channels

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Address identifies a chat as "<channel>:<localId>".
type Address struct {
	Channel string
	LocalID string
}

func (a Address) String() string {
	return a.Channel + ":" + a.LocalID
}

// ParseAddress splits "channel:localId". The local id may itself contain
// colons; only the first separates the channel name.
func ParseAddress(s string) (Address, error) {
	channel, local, ok := strings.Cut(s, ":")
	if !ok || channel == "" || local == "" {
		return Address{}, fmt.Errorf("malformed chat address %q", s)
	}
	return Address{Channel: channel, LocalID: local}, nil
}

// InboundMessage is a normalized message from any channel.
type InboundMessage struct {
	Address    Address
	MessageID  string
	SenderID   string
	SenderName string
	Text       string
	MediaJSON  string
	Timestamp  time.Time
	IsFromBot  bool
}

// OutboundMessage is a message the host wants delivered.
type OutboundMessage struct {
	Address Address
	Text    string
	// ReplyToID quotes an earlier message on channels that support replies.
	ReplyToID string
	// Attachments are host file paths delivered after the text on channels
	// that support them.
	Attachments []string
}

// Channel is the minimal connector surface.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
	Healthy() bool
}

// RepliesCapable channels can quote a prior message.
type RepliesCapable interface {
	SendReply(ctx context.Context, msg OutboundMessage) error
}

// ReactionsCapable channels can attach an emoji reaction to a message.
type ReactionsCapable interface {
	React(ctx context.Context, addr Address, messageID, emoji string) error
}

// PollsCapable channels can post a poll.
type PollsCapable interface {
	SendPoll(ctx context.Context, addr Address, question string, options []string) error
}

// AttachmentsCapable channels can deliver host files alongside text.
type AttachmentsCapable interface {
	SendAttachment(ctx context.Context, addr Address, hostPath string) error
}

// StreamingCapable channels can progressively update an in-flight reply while
// the agent is still generating.
type StreamingCapable interface {
	UpdateStream(ctx context.Context, addr Address, runID, text string) error
	FinishStream(ctx context.Context, addr Address, runID, text string) error
}

// LengthLimited channels declare a hard per-message size; the router splits
// longer text on paragraph boundaries. Channels without this interface get
// DefaultMaxMessageLen.
type LengthLimited interface {
	MaxMessageLen() int
}

// DefaultMaxMessageLen is used when a channel does not declare its own limit.
const DefaultMaxMessageLen = 4000
