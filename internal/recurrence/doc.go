// Package recurrence converts user-local watering/mowing windows into the
// UTC cron expressions stored with each schedule, and back for display.
//
// Expressions always have the shape "<minute> <hour> * * <weekdays>" with
// weekdays 0=Sunday..6=Saturday, evaluated in UTC.
package recurrence
