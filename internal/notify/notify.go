// Package notify defines the outbound delivery contract the
// broadcaster fans results out through. Transports (Telegram today)
// implement Sink; the broadcaster stays transport-agnostic.
package notify

import "context"

// Target is one delivery destination.
type Target struct {
	ChatID int64  `json:"chat_id"`
	Label  string `json:"label"` // requester, channel, extra
}

// Payload is one rendered notification.
type Payload struct {
	// Text is Markdown-formatted message text.
	Text string
	// ScreenshotPath optionally attaches a diagnostic capture.
	ScreenshotPath string
}

// Sink delivers a payload to a target. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, identityID string, t Target, p Payload) error
}
