// Package scheduler runs the persisted schedules.
//
// The active job set is rebuilt wholesale from the schedule collection on
// every reload; entries are never patched in place. Each firing dispatches
// one device command and reports the outcome on the event bus.
package scheduler
