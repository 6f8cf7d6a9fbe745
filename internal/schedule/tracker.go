// Package schedule computes next-fire instants for cron-defined schedules.
//
// Definitions are read from config every tick; any change to the schedule set
// re-initializes all trackers, so edits apply without a restart. The tracker
// only answers "what is due now" — firing policy (auto-disable, one active
// session per name) belongs to the orchestrator.
package schedule

import (
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"

	"attache/pkg/logx"
)

// Definition is one named cron-triggered task. Immutable configuration.
type Definition struct {
	Name      string
	Expr      string // 5-field cron expression
	Steps     []string
	Targets   []string
	MaxErrors int
}

type entry struct {
	def   Definition
	sched cron.Schedule
	next  time.Time
	err   error // malformed cron expression; the schedule never fires
}

type Tracker struct {
	loc    *time.Location
	parser cron.Parser
	log    logx.Logger

	entries map[string]*entry
	order   []string
	hash    uint64
}

func NewTracker(loc *time.Location, log logx.Logger) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		loc:     loc,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		log:     log,
		entries: map[string]*entry{},
	}
}

// Sync re-initializes every tracker when the definition set changed since the
// last call. A malformed expression disables that one schedule only; the rest
// keep firing.
func (t *Tracker) Sync(defs []Definition, now time.Time) {
	h := hashDefs(defs)
	if h == t.hash && t.entries != nil && len(t.entries) == len(defs) {
		return
	}
	t.hash = h
	t.entries = make(map[string]*entry, len(defs))
	t.order = t.order[:0]

	for _, def := range defs {
		e := &entry{def: def}
		sched, err := t.parser.Parse(def.Expr)
		if err != nil {
			e.err = err
			t.log.Warn("invalid cron expression, schedule will not fire",
				logx.String("schedule", def.Name), logx.String("expr", def.Expr), logx.Err(err))
		} else {
			e.sched = sched
			e.next = sched.Next(now.In(t.loc))
		}
		t.entries[def.Name] = e
		t.order = append(t.order, def.Name)
	}
}

// Due returns the definitions whose next-fire instant has been reached.
func (t *Tracker) Due(now time.Time) []Definition {
	var due []Definition
	for _, name := range t.order {
		e := t.entries[name]
		if e.err != nil || e.next.IsZero() {
			continue
		}
		if !now.Before(e.next) {
			due = append(due, e.def)
		}
	}
	return due
}

// Advance moves a schedule to its next occurrence. Called unconditionally
// after each check, whether or not the fire succeeded.
func (t *Tracker) Advance(name string, now time.Time) {
	e, ok := t.entries[name]
	if !ok || e.sched == nil {
		return
	}
	e.next = e.sched.Next(now.In(t.loc))
}

// Definition looks up a schedule by name, for the "run now" path.
func (t *Tracker) Definition(name string) (Definition, bool) {
	e, ok := t.entries[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Next reports the computed next-fire instant (zero when invalid).
func (t *Tracker) Next(name string) time.Time {
	e, ok := t.entries[name]
	if !ok {
		return time.Time{}
	}
	return e.next
}

func hashDefs(defs []Definition) uint64 {
	b, err := json.Marshal(defs)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
