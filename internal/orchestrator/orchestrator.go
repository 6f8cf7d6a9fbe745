package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"attache/internal/executor"
	"attache/internal/schedule"
	"attache/internal/storage"
	"attache/internal/transport"
	"attache/pkg/logx"
)

var (
	// ErrUnknownSchedule is returned by RunNow for a name that is not in
	// the current configuration.
	ErrUnknownSchedule = errors.New("orchestrator: unknown schedule")

	// ErrBusy means the schedule or key already has an active session.
	ErrBusy = errors.New("orchestrator: session already active")

	// ErrNoPendingApproval means there is nothing to approve for the key.
	ErrNoPendingApproval = errors.New("orchestrator: no pending approval")
)

// Narrow repository views, so the storage medium is swappable and the
// single-writer assumption is mockable in tests.

type KeyStore interface {
	Get(key string) (sessionID, mode string, ok bool, err error)
	Set(key, sessionID, mode string) error
	Clear(key string) error
}

type History interface {
	Append(ctx context.Context, m storage.Message) error
	LoadRecent(ctx context.Context, key string, n int) ([]storage.Message, error)
}

type Activity interface {
	Append(ctx context.Context, r storage.ActivityRecord) error
}

type States interface {
	Get(name string) (storage.ScheduleState, error)
	Put(name string, st storage.ScheduleState) error
}

type Options struct {
	Executor executor.Executor
	Keys     KeyStore
	History  History
	Activity Activity
	States   States
	Tracker  *schedule.Tracker
	Log      logx.Logger

	GraceWindow   time.Duration // ERROR must persist this long to count
	UsageWarnPct  int
	RecentHistory int
	PollInterval  time.Duration // run-now polling cadence
	Clock         func() time.Time
}

type Orchestrator struct {
	exec     executor.Executor
	keys     KeyStore
	history  History
	activity Activity
	states   States
	tracker  *schedule.Tracker
	log      logx.Logger

	grace         time.Duration
	usageWarnPct  int
	recentHistory int
	pollInterval  time.Duration
	clock         func() time.Time

	mu      sync.Mutex
	active  map[string]*session
	senders map[string]transport.SendFunc
}

func New(opts Options) *Orchestrator {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	grace := opts.GraceWindow
	if grace <= 0 {
		grace = 60 * time.Second
	}
	warn := opts.UsageWarnPct
	if warn <= 0 {
		warn = 85
	}
	recent := opts.RecentHistory
	if recent <= 0 {
		recent = 20
	}
	pollEvery := opts.PollInterval
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Orchestrator{
		exec:          opts.Executor,
		keys:          opts.Keys,
		history:       opts.History,
		activity:      opts.Activity,
		states:        opts.States,
		tracker:       opts.Tracker,
		log:           log,
		grace:         grace,
		usageWarnPct:  warn,
		recentHistory: recent,
		pollInterval:  pollEvery,
		clock:         clock,
		active:        map[string]*session{},
		senders:       map[string]transport.SendFunc{},
	}
}

// RegisterSender wires one transport's outbound primitive under its name.
func (o *Orchestrator) RegisterSender(name string, fn transport.SendFunc) {
	o.mu.Lock()
	o.senders[name] = fn
	o.mu.Unlock()
}

func (o *Orchestrator) sendToKey(ctx context.Context, key, text string) {
	name, _, found := strings.Cut(key, ":")
	o.mu.Lock()
	fn := o.senders[name]
	o.mu.Unlock()
	if !found || fn == nil {
		o.log.Warn("no sender for key", logx.String("key", key))
		return
	}
	if err := fn(ctx, key, text); err != nil {
		o.log.Warn("outbound send failed", logx.String("key", key), logx.Err(err))
	}
}

func scheduleKey(name string) string { return "schedule/" + name }

// SyncSchedules re-reads the schedule set; any change re-initializes the
// trackers.
func (o *Orchestrator) SyncSchedules(defs []schedule.Definition) {
	o.tracker.Sync(defs, o.clock())
}

// TickSchedules is the coarse tick: fire due schedules, then poll active
// schedule sessions. A failure in one schedule never aborts the rest.
func (o *Orchestrator) TickSchedules(ctx context.Context) {
	now := o.clock()
	for _, def := range o.tracker.Due(now) {
		// Advance unconditionally, whether or not the fire happens
		// or succeeds.
		o.tracker.Advance(def.Name, now)
		o.guard(func() { o.maybeFire(ctx, def) })
	}
	o.pollActive(ctx, kindSchedule, kindManual)
}

// TickChannels is the fine tick's orchestrator half: poll active channel
// sessions (approvals, warnings, terminal handling). Adapters are polled by
// the host.
func (o *Orchestrator) TickChannels(ctx context.Context) {
	o.pollActive(ctx, kindChannel)
}

func (o *Orchestrator) maybeFire(ctx context.Context, def schedule.Definition) {
	if o.HasActiveSession(scheduleKey(def.Name)) {
		o.log.Debug("schedule still active, skipping fire", logx.String("schedule", def.Name))
		return
	}
	st, err := o.states.Get(def.Name)
	if err != nil {
		o.log.Error("reading schedule state", logx.String("schedule", def.Name), logx.Err(err))
		return
	}
	// Auto-disable: computed on each check, never stored. No automatic
	// recovery; resetting the persisted state re-enables the schedule.
	if st.ConsecutiveErrors >= def.MaxErrors {
		o.log.Warn("schedule auto-disabled, skipping fire",
			logx.String("schedule", def.Name), logx.Int("consecutive_errors", st.ConsecutiveErrors))
		return
	}
	if err := o.fire(ctx, def, kindSchedule); err != nil {
		o.log.Error("schedule fire failed", logx.String("schedule", def.Name), logx.Err(err))
	}
}

// fire starts one session for a schedule. Schedules may process untrusted
// external content, so the session runs under the restrictive profile: no
// network egress, no shell execution, approvals denied.
func (o *Orchestrator) fire(ctx context.Context, def schedule.Definition, kind sessionKind) error {
	started := o.clock()
	task := executor.Task{
		Text:         buildSchedulePayload(def, started),
		ApprovalMode: "never",
		Rules:        executor.Rules{DenyNetwork: true, DenyShell: true},
	}
	res, err := o.exec.Start(ctx, task)
	if err != nil {
		// ExecutorRejection counts as a failure immediately.
		o.recordScheduleResult(ctx, def.Name, kind, started, started, false)
		return err
	}
	o.addActive(&session{
		kind:         kind,
		key:          scheduleKey(def.Name),
		id:           res.SessionID,
		scheduleName: def.Name,
		targets:      def.Targets,
		startedAt:    started,
	})
	o.log.Info("schedule fired",
		logx.String("schedule", def.Name), logx.String("session", res.SessionID), logx.Bool("queued", res.Queued))
	return nil
}

// Dispatch handles one inbound channel message. If a same-day session exists
// for the key it is resumed; a rejected resume clears the stored key and
// falls through to a fresh start in the same call, so the inbound message is
// never dropped.
func (o *Orchestrator) Dispatch(ctx context.Context, key, text string, attachments []string) error {
	if o.HasActiveSession(key) {
		o.sendToKey(ctx, key, "Still working on the previous message - I'll get to this one when it's done.")
		return fmt.Errorf("%w: %s", ErrBusy, key)
	}
	now := o.clock()

	// Load the recent window before appending, so the payload carries
	// prior context and the current message exactly once.
	recent, err := o.history.LoadRecent(ctx, key, o.recentHistory)
	if err != nil {
		o.log.Error("loading history", logx.String("key", key), logx.Err(err))
	}
	if err := o.history.Append(ctx, storage.Message{At: now, Key: key, Role: storage.RoleUser, Text: text}); err != nil {
		o.log.Error("appending history", logx.String("key", key), logx.Err(err))
	}

	sessionID, mode, ok, err := o.keys.Get(key)
	if err != nil {
		o.log.Error("reading session key", logx.String("key", key), logx.Err(err))
	}
	if ok {
		err := o.exec.Resume(ctx, sessionID, text, executor.ResumeOptions{ApprovalMode: mode})
		if err == nil {
			o.addActive(&session{kind: kindChannel, key: key, id: sessionID, startedAt: now})
			o.log.Info("session resumed", logx.String("key", key), logx.String("session", sessionID))
			return nil
		}
		o.log.Warn("resume rejected, falling back to fresh start",
			logx.String("key", key), logx.String("session", sessionID), logx.Err(err))
		if err := o.keys.Clear(key); err != nil {
			o.log.Error("clearing session key", logx.String("key", key), logx.Err(err))
		}
	}

	task := executor.Task{
		Text:         text,
		Context:      buildDispatchContext(key, recent, attachments, now),
		ApprovalMode: mode,
	}
	res, err := o.exec.Start(ctx, task)
	if err != nil {
		o.sendToKey(ctx, key, "Sorry - could not start a session for this message.")
		return err
	}
	if err := o.keys.Set(key, res.SessionID, mode); err != nil {
		o.log.Error("persisting session key", logx.String("key", key), logx.Err(err))
	}
	o.addActive(&session{kind: kindChannel, key: key, id: res.SessionID, startedAt: now})
	o.log.Info("session started", logx.String("key", key), logx.String("session", res.SessionID))
	return nil
}

// RunNow bypasses the timer but reuses the identical fire -> poll ->
// state-update sequence. It reports failure when the schedule is unknown or
// the fired session ends in error.
func (o *Orchestrator) RunNow(ctx context.Context, name string) error {
	def, ok := o.tracker.Definition(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	akey := scheduleKey(name)
	if o.HasActiveSession(akey) {
		return fmt.Errorf("%w: schedule %q", ErrBusy, name)
	}
	if err := o.fire(ctx, def, kindManual); err != nil {
		return err
	}

	for o.HasActiveSession(akey) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.pollInterval):
		}
		o.pollActive(ctx, kindManual)
	}
	st, err := o.states.Get(name)
	if err != nil {
		return err
	}
	if st.LastStatus != "ok" {
		return fmt.Errorf("schedule %q ended in error", name)
	}
	return nil
}

// Abort cancels the key's active session and clears tracked state. This is
// the only cancellation primitive; schedules otherwise run to completion.
func (o *Orchestrator) Abort(ctx context.Context, key string) error {
	o.mu.Lock()
	s, ok := o.active[key]
	if ok {
		delete(o.active, key)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active session for %s", key)
	}
	if err := o.exec.Cleanup(ctx, s.id); err != nil {
		o.log.Warn("cleanup on abort", logx.String("session", s.id), logx.Err(err))
	}
	if err := o.keys.Clear(key); err != nil {
		o.log.Error("clearing session key", logx.String("key", key), logx.Err(err))
	}
	o.log.Info("session aborted", logx.String("key", key), logx.String("session", s.id))
	return nil
}

// ResolveApproval forwards a human decision to the session waiting on it.
func (o *Orchestrator) ResolveApproval(ctx context.Context, key, requestID string, approve bool, feedback string) error {
	o.mu.Lock()
	s := o.active[key]
	o.mu.Unlock()
	if s == nil || s.approvalSig == "" {
		return fmt.Errorf("%w: %s", ErrNoPendingApproval, key)
	}
	return o.exec.RespondToInput(ctx, s.id, requestID, approve, feedback)
}

func (o *Orchestrator) HasActiveSession(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[key] != nil
}

// Shutdown aborts every tracked session. Called once on process stop.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	sessions := make([]*session, 0, len(o.active))
	for _, s := range o.active {
		sessions = append(sessions, s)
	}
	o.active = map[string]*session{}
	o.mu.Unlock()
	for _, s := range sessions {
		if err := o.exec.Cleanup(ctx, s.id); err != nil {
			o.log.Warn("cleanup on shutdown", logx.String("session", s.id), logx.Err(err))
		}
	}
}

func (o *Orchestrator) addActive(s *session) {
	o.mu.Lock()
	o.active[s.key] = s
	o.mu.Unlock()
}

func (o *Orchestrator) removeActive(key string) {
	o.mu.Lock()
	delete(o.active, key)
	o.mu.Unlock()
}

// guard keeps one failing unit of work from aborting the tick loop.
func (o *Orchestrator) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("recovered panic in tick work", logx.Any("panic", r))
		}
	}()
	fn()
}
