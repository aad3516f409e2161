// Package storage persists scheduler registrations (job descriptors and their
// cron triggers) so they survive process restarts.
//
// Drivers:
//   - "memory": process-local map, lost on exit
//   - "file": JSON Lines journal compacted into a snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through lib/pq
package storage
