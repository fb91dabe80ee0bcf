// Package notification dispatches user-facing messages. Delivery is
// best-effort and decoupled from the core transaction: services enqueue
// after their mutation commits, and a failed enqueue never rolls one back.
package notification

import "context"

// Notifier is the external delivery collaborator.
type Notifier interface {
	SendEmail(ctx context.Context, kind, recipient string, data map[string]string) error
	SendSMS(ctx context.Context, kind, phoneNumber, code string) error
}

// NopNotifier swallows every message; used in tests and local development.
type NopNotifier struct{}

func (NopNotifier) SendEmail(context.Context, string, string, map[string]string) error { return nil }
func (NopNotifier) SendSMS(context.Context, string, string, string) error             { return nil }
