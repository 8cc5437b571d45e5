// Package storage holds the persistence backends for the schedule collection.
//
// Drivers:
//   - "file": one pretty-printed JSON document {"schedules": [...]}
//   - "sqlite": modernc.org/sqlite database with a schedules table
package storage
