// Package executor abstracts "run/resume/poll/stop a task session".
//
// Two interchangeable backends satisfy the contract: a local runner that
// spawns one isolated process per session, and a client for a remote
// control-plane that translates its richer state model into the canonical
// status enum. The backend is selected once at startup and injected into the
// orchestrator.
//
// Poll failures are transport errors, returned as errors — they are never
// conflated with session failure; the caller owns the grace-window policy.
package executor

import (
	"context"
	"errors"
	"fmt"

	"attache/internal/config"
	"attache/pkg/logx"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Rules restrict what a session may do. Schedule fires run restricted
// because they may process untrusted external content.
type Rules struct {
	DenyNetwork bool
	DenyShell   bool
}

type Task struct {
	Text         string
	Context      string
	ApprovalMode string
	Rules        Rules
}

type StartResult struct {
	SessionID string
	Queued    bool
}

type ResumeOptions struct {
	ApprovalMode string
}

// PendingInput is a human-decision request reported by a poll. Its
// signature (Kind, Target) identifies the distinct request.
type PendingInput struct {
	RequestID string
	Kind      string
	Target    string
}

type Usage struct {
	ContextPct int
}

type PollResult struct {
	Status       Status
	Output       string
	PendingInput *PendingInput
	Usage        *Usage
}

var (
	// ErrNotSupported is returned by backends without an input-response
	// surface.
	ErrNotSupported = errors.New("executor: not supported by this backend")

	// ErrResumeInvalid means no matching prior run exists for the session
	// id; the caller falls back to a fresh start.
	ErrResumeInvalid = errors.New("executor: no matching prior run")

	// ErrRejected means start/resume was explicitly refused.
	ErrRejected = errors.New("executor: rejected")

	// ErrUnknownSession is a poll/cleanup for an id this backend does not
	// track.
	ErrUnknownSession = errors.New("executor: unknown session")
)

type Executor interface {
	Start(ctx context.Context, task Task) (StartResult, error)
	Resume(ctx context.Context, sessionID, message string, opts ResumeOptions) error
	Poll(ctx context.Context, sessionID string) (PollResult, error)
	Cleanup(ctx context.Context, sessionID string) error

	// RespondToInput resolves a pending approval request. Optional:
	// backends may return ErrNotSupported.
	RespondToInput(ctx context.Context, sessionID, requestID string, approve bool, feedback string) error
}

// New selects the configured backend once at startup.
func New(cfg config.ExecutorConfig, stateDir string, log logx.Logger) (Executor, error) {
	switch cfg.Kind {
	case "process":
		return newProcessRunner(cfg, stateDir, log)
	case "remote":
		return newRemoteExecutor(cfg.Remote, log)
	default:
		return nil, fmt.Errorf("executor: unknown kind %q", cfg.Kind)
	}
}
