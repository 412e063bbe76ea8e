// Package store provides persistent storage for the panel using SQLite.
//
// # Data Models
//
//   - Job: durable mirror of agent job records, served when the agent is
//     unreachable
//   - JobLog: append-only job log lines merged from the agent
//   - User: panel login accounts with bcrypt password hashes and a role
//     (admin, operator, viewer)
//   - AuditEntry: record of every mutating action taken through the API
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The schema is created on open; job log rows are deleted by foreign-key
// cascade when their job is deleted.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateJob: job id already taken
//   - ErrDuplicateUser: username already taken
//
// All methods accept context.Context for cancellation support.
package store
