// Package transport is the Chat Transport boundary spec.md §6 leaves as
// an external interface: an inbound stream of Updates and an outbound
// Send, so the dispatcher never imports a chat SDK directly. telegram.go
// is the production adapter; memory.go is an in-process fake for
// dispatcher tests.
package transport

import "context"

// Update is one inbound event: either a typed text message or a callback
// from an inline keyboard button, never both.
type Update struct {
	UserID       string
	ChatID       int64
	Text         string
	CallbackData string
}

// IsCallback reports whether this update came from an inline button press
// rather than a typed message.
func (u Update) IsCallback() bool {
	return u.CallbackData != ""
}

// Button is one inline keyboard button; Action is opaque callback data the
// dispatcher later receives back as Update.CallbackData.
type Button struct {
	Label  string
	Action string
}

// Outbound is one message to deliver, optionally with an inline keyboard
// laid out one button per row (matching bot_service.py's menu builders).
type Outbound struct {
	ChatID  int64
	Text    string
	Buttons []Button
}

// Transport decouples the dispatcher from any particular chat backend.
type Transport interface {
	// Updates returns the channel of inbound events. It is closed when the
	// transport stops.
	Updates() <-chan Update
	// Send delivers an outbound message.
	Send(ctx context.Context, out Outbound) error
	// Run starts receiving updates until ctx is cancelled.
	Run(ctx context.Context) error
}
