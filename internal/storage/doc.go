// Package storage persists users, notification settings, seen-event
// fingerprints and reminders in a local sqlite database.
//
// Timestamps are stored as unix milliseconds (UTC). The reminder state
// machine relies on compare-and-set UPDATEs, so multiple coordinator
// instances can share one database without double-firing.
package storage
