// Package orchestrator is the dispatch/fire engine. It decides
// resume-vs-start per conversation key, fires due schedules under a
// restricted execution profile, drives sessions to a terminal status with a
// grace window for transient errors, relays approval prompts and usage
// warnings outward, and persists schedule run state and activity records.
//
// One Orchestrator is constructed per process and owns all of its state;
// there is no package-level state. Concurrency is bounded by the in-memory
// active set: at most one in-flight session exists per schedule name and per
// conversation key.
package orchestrator
