// Package channel defines the interface between the routing core and
// messaging transports. A transport delivers user messages keyed by a
// stable chat identifier and sends replies back to the same chat.
package channel

import "context"

// Message is an incoming user message from any transport.
type Message struct {
	// Source identifies the transport (e.g., "matrix", "http")
	Source string

	// SenderID is the transport-specific sender identifier
	SenderID string

	// ChatID is the stable conversation identifier; all context
	// isolation keys off it
	ChatID string

	// Content is the message text
	Content string

	// Timestamp is the message timestamp in milliseconds
	Timestamp int64
}

// Response is an outgoing reply to a chat.
type Response struct {
	// Content is the text to send
	Content string

	// ChatID is the target conversation
	ChatID string
}

// Channel is a messaging transport.
type Channel interface {
	// Name returns the transport identifier (e.g., "matrix").
	Name() string

	// Start begins listening for messages. Blocks until ctx is
	// cancelled. Received messages are passed to the handler.
	Start(ctx context.Context, handler MessageHandler) error

	// Send delivers a response to a chat on this transport.
	Send(ctx context.Context, resp Response) error

	// Stop gracefully shuts down the transport.
	Stop() error
}

// MessageHandler is called for each received message.
type MessageHandler func(ctx context.Context, msg Message) error
