// Package transport defines the narrow contract between the host and a
// channel adapter. The orchestrator iterates adapter instances and never
// inspects transport identity outside the adapter's own code.
package transport

import "context"

// Adapter is one messaging transport. Poll is invoked once per fine tick:
// the adapter drains buffered inbound events and routes them to the
// Dispatcher it was constructed with.
type Adapter interface {
	Name() string
	Enabled() bool
	Poll(ctx context.Context) error
}

// SendFunc relays outbound text to the conversation identified by key
// ("<transport>:<chat>"). The host registers one per adapter with the
// orchestrator, which uses it for replies, approval prompts and warnings.
type SendFunc func(ctx context.Context, key, text string) error

// Dispatcher is the orchestrator surface an adapter invokes for inbound
// events.
type Dispatcher interface {
	Dispatch(ctx context.Context, key, text string, attachments []string) error
	ResolveApproval(ctx context.Context, key, requestID string, approve bool, feedback string) error
	Abort(ctx context.Context, key string) error
	HasActiveSession(key string) bool
}
