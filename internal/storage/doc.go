// Package storage is the persistence layer: one narrow repository per
// concern, all rooted in the state directory.
//
//   - HistoryLog: append-only per-key chat transcript (sqlite)
//   - ActivityLog: append-only audit of completed triggers (sqlite)
//   - SessionKeys: key -> session document with calendar-day expiry (json)
//   - ScheduleStates: per-schedule run state (json)
//
// The layer assumes exactly one orchestrator process per assistant instance;
// concurrent writers from multiple processes are unsupported.
package storage
