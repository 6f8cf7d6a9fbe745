package orchestrator

import (
	"context"
	"fmt"
	"time"

	"attache/internal/executor"
	"attache/internal/storage"
	"attache/pkg/logx"
)

type sessionKind string

const (
	kindSchedule sessionKind = "schedule"
	kindChannel  sessionKind = "channel"
	kindManual   sessionKind = "manual"
)

// session is one in-flight run. PENDING_START -> RUNNING -> {DONE | ERROR},
// with WAITING_APPROVAL as a sub-state whenever a poll reports pending
// input. Fields are mutated only by the goroutine driving that kind's tick.
type session struct {
	kind         sessionKind
	key          string // active-set key: conversation key, or "schedule/<name>"
	id           string // executor session id
	scheduleName string
	targets      []string
	startedAt    time.Time

	// errSince tracks the start of a continuous error condition; the
	// session is only lost once it persists past the grace window.
	errSince time.Time

	// approvalSig is the relayed pending-input signature (kind + target).
	// Empty when nothing is pending.
	approvalSig string

	usageWarned bool
}

func (s *session) notifyKeys() []string {
	if s.kind == kindChannel {
		return []string{s.key}
	}
	return s.targets
}

func (o *Orchestrator) pollActive(ctx context.Context, kinds ...sessionKind) {
	want := map[sessionKind]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	o.mu.Lock()
	snapshot := make([]*session, 0, len(o.active))
	for _, s := range o.active {
		if want[s.kind] {
			snapshot = append(snapshot, s)
		}
	}
	o.mu.Unlock()

	for _, s := range snapshot {
		o.guard(func() { o.pollOne(ctx, s) })
	}
}

func (o *Orchestrator) pollOne(ctx context.Context, s *session) {
	now := o.clock()
	res, err := o.exec.Poll(ctx, s.id)
	if err != nil {
		// TransientPollError: never conflated with session failure
		// unless it persists past the grace window.
		o.log.Warn("poll failed", logx.String("session", s.id), logx.Err(err))
		o.noteError(ctx, s, now, err.Error())
		return
	}

	switch res.Status {
	case executor.StatusRunning:
		s.errSince = time.Time{}
		o.handlePending(ctx, s, res.PendingInput)
		o.handleUsage(ctx, s, res.Usage)
	case executor.StatusDone:
		o.finalize(ctx, s, now, true, res.Output)
	case executor.StatusError:
		o.noteError(ctx, s, now, res.Output)
	}
}

func (o *Orchestrator) noteError(ctx context.Context, s *session, now time.Time, detail string) {
	if s.errSince.IsZero() {
		s.errSince = now
		return
	}
	if now.Sub(s.errSince) < o.grace {
		return
	}
	// SessionLost: the error condition outlived the grace window.
	o.log.Error("session lost",
		logx.String("session", s.id), logx.String("key", s.key),
		logx.Duration("error_for", now.Sub(s.errSince)), logx.String("detail", detail))
	o.finalize(ctx, s, now, false, detail)
}

// finalize resolves a terminal session: cleanup, eviction, state update,
// one activity record, and outward delivery.
func (o *Orchestrator) finalize(ctx context.Context, s *session, now time.Time, ok bool, output string) {
	if err := o.exec.Cleanup(ctx, s.id); err != nil {
		o.log.Warn("session cleanup", logx.String("session", s.id), logx.Err(err))
	}
	o.removeActive(s.key)

	status := "ok"
	if !ok {
		status = "error"
	}

	switch s.kind {
	case kindSchedule, kindManual:
		o.recordScheduleResult(ctx, s.scheduleName, s.kind, s.startedAt, now, ok)
		if ok && output != "" {
			for _, target := range s.targets {
				o.sendToKey(ctx, target, output)
			}
		}
	case kindChannel:
		if ok {
			if output != "" {
				o.sendToKey(ctx, s.key, output)
				if err := o.history.Append(ctx, storage.Message{
					At: now, Key: s.key, Role: storage.RoleAssistant, Text: output,
				}); err != nil {
					o.log.Error("appending history", logx.String("key", s.key), logx.Err(err))
				}
			}
		} else {
			o.sendToKey(ctx, s.key, "The session for your last message ended with an error.")
		}
		if err := o.activity.Append(ctx, storage.ActivityRecord{
			At: now, Kind: storage.TriggerChannel, Source: s.key, Status: status, Duration: now.Sub(s.startedAt),
		}); err != nil {
			o.log.Error("appending activity", logx.Err(err))
		}
	}

	o.log.Info("session finished",
		logx.String("session", s.id), logx.String("key", s.key),
		logx.String("status", status), logx.Duration("took", now.Sub(s.startedAt)))
}

// recordScheduleResult persists the schedule's run state and appends one
// activity record. consecutiveErrors resets only on success and never
// decreases otherwise.
func (o *Orchestrator) recordScheduleResult(ctx context.Context, name string, kind sessionKind, startedAt, now time.Time, ok bool) {
	st, err := o.states.Get(name)
	if err != nil {
		o.log.Error("reading schedule state", logx.String("schedule", name), logx.Err(err))
	}
	if ok {
		st.ConsecutiveErrors = 0
		st.LastStatus = "ok"
	} else {
		st.ConsecutiveErrors++
		st.LastStatus = "error"
	}
	st.LastRunAt = now
	if err := o.states.Put(name, st); err != nil {
		o.log.Error("persisting schedule state", logx.String("schedule", name), logx.Err(err))
	}

	trigger := storage.TriggerSchedule
	if kind == kindManual {
		trigger = storage.TriggerManual
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	if err := o.activity.Append(ctx, storage.ActivityRecord{
		At: now, Kind: trigger, Source: name, Status: status, Duration: now.Sub(startedAt),
	}); err != nil {
		o.log.Error("appending activity", logx.Err(err))
	}
}

// handlePending relays an approval prompt exactly once per distinct
// pending-input signature. The marker clears once the signature disappears,
// whether resolved through ResolveApproval or externally.
func (o *Orchestrator) handlePending(ctx context.Context, s *session, p *executor.PendingInput) {
	if p == nil {
		s.approvalSig = ""
		return
	}
	sig := p.Kind + "\x00" + p.Target
	if sig == s.approvalSig {
		return
	}
	s.approvalSig = sig
	prompt := fmt.Sprintf(
		"Approval needed: the session wants to run %s (%s).\nReply /approve %s or /deny %s [reason].",
		p.Kind, p.Target, p.RequestID, p.RequestID,
	)
	for _, key := range s.notifyKeys() {
		o.sendToKey(ctx, key, prompt)
	}
	o.log.Info("approval prompt relayed",
		logx.String("session", s.id), logx.String("kind", p.Kind), logx.String("target", p.Target))
}

// handleUsage warns at most once per session, however long usage stays above
// the watermark.
func (o *Orchestrator) handleUsage(ctx context.Context, s *session, u *executor.Usage) {
	if u == nil || s.usageWarned || u.ContextPct < o.usageWarnPct {
		return
	}
	s.usageWarned = true
	warning := fmt.Sprintf("Heads up: this session's context is %d%% full; it may be wrapped up soon.", u.ContextPct)
	for _, key := range s.notifyKeys() {
		o.sendToKey(ctx, key, warning)
	}
	o.log.Warn("usage watermark crossed",
		logx.String("session", s.id), logx.Int("context_pct", u.ContextPct))
}
