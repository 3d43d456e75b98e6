// Package scheduler re-fires recurring tasks on their cadence.
//
// The scheduler is trigger-only: it holds a task id and its Schedule, and on
// each tick hands the id to a Trigger (the executor). It never dispatches and
// never blocks on dispatch.
//
// Cadences:
//   - interval_minutes: every N minutes, measured from registration
//   - daily_time: once a day at HH:MM in the configured timezone; a time that
//     already passed today first fires tomorrow
//   - none: the configured default interval
//
// Missed firings are not backfilled. If the process is down (or the trigger
// queue is full) when a tick is due, that occurrence is skipped and the entry
// waits for its next tick.
package scheduler
