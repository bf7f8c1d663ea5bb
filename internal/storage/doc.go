// Package storage is the persistence layer behind the notification engine.
//
// Each entity kind has its own repository interface (rules, delivery log,
// scheduled notifications) plus a read-only CourseSource for the domain data
// the scans consume. Two drivers implement all of them:
//   - "memory": process-local maps, used by tests and single-shot tools
//   - "sqlite": a SQLite database file (modernc.org/sqlite, pure Go)
package storage
