package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"attache/internal/schedule"
	"attache/internal/storage"
)

// buildSchedulePayload renders the task text for a fired schedule: the
// configured steps plus the rules the restricted profile enforces, stated up
// front so the session does not waste turns discovering them.
func buildSchedulePayload(def schedule.Definition, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scheduled task %q, fired at %s.\n\n", def.Name, now.Format(time.RFC3339))
	b.WriteString("Steps:\n")
	for i, step := range def.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	b.WriteString("\nThis run is unattended: network egress and shell execution are disabled, ")
	b.WriteString("and approval requests will be denied. Work within those limits and ")
	b.WriteString("finish with a short report of what was done.\n")
	return b.String()
}

// buildDispatchContext renders the context block for a fresh channel session:
// conversation metadata, the recent transcript window, and attachment paths.
// The current message itself travels as the task text, never duplicated here.
func buildDispatchContext(key string, recent []storage.Message, attachments []string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation %s, %s.\n", key, now.Format(time.RFC3339))
	b.WriteString("Reply in plain text suited to a chat message.\n")

	if len(recent) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "[%s] %s: %s\n", m.At.Format("15:04"), m.Role, m.Text)
		}
	}
	if len(attachments) > 0 {
		b.WriteString("\nAttached files:\n")
		for _, path := range attachments {
			fmt.Fprintf(&b, "- %s\n", path)
		}
	}
	return b.String()
}
