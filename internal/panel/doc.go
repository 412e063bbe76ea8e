// ABOUTME: Package documentation for the panel backend
// ABOUTME: explains the reconciler, broadcaster, auth, and HTTP API pieces

// Package panel implements the browser-facing backend.
//
// The panel talks to the device agent over its Unix socket and keeps a
// SQLite mirror of every job it has seen, so history survives agent
// restarts and the UI stays useful while the device is offline.
//
// Pieces:
//
//   - Reconciler polls the agent and merges live job state and log lines
//     into the mirror, publishing deltas as it goes.
//   - Broadcaster fans those deltas out to SSE subscribers, keyed either
//     per job or on the all-jobs firehose.
//   - Authenticator issues and verifies JWT sessions backed by bcrypt
//     password hashes, with viewer < operator < admin role ordering.
//   - API is the chi router tying it together: login, job submission and
//     cancellation, log retrieval, SSE streams, audit, and metrics.
package panel
