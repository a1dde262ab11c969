// Package channels defines the boundary to external chat adapters
// (WhatsApp, Telegram, email ingestion). The daemon never speaks a
// messaging protocol itself: adapters implement Channel, deliver
// inbound messages through the Manager, and carry outbound sends.
package channels

import (
	"context"
	"errors"
	"time"
)

// Channel is implemented by every communication adapter.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a message to the specified chat.
	Send(ctx context.Context, msg *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports whether the channel is connected.
	IsConnected() bool
}

// OutgoingMessage is a message queued for delivery by an adapter.
type OutgoingMessage struct {
	// ChatID is the target chat or group on the platform.
	ChatID string

	// Text is the message body.
	Text string

	// Buttons is an optional button layout appended to the message.
	Buttons []Button
}

// Button is one element of an outbound button layout.
type Button struct {
	ID    string
	Label string
}

// IncomingMessage is a message received from any adapter.
type IncomingMessage struct {
	// Channel identifies the source adapter.
	Channel string

	// ChatID is the group or DM identifier.
	ChatID string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name, if available.
	FromName string

	// Text is the message content.
	Text string

	// GroupKey is the logical agent group this chat maps to.
	GroupKey string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrNoChannel           = errors.New("no channel available for send")
)
