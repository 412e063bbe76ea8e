// ABOUTME: Package documentation for the device-side agent daemon
// ABOUTME: covers the socket server, RPC methods, and the job engine wiring

// Package agent assembles the device daemon: the framed JSON-RPC server on
// the Unix socket, the method handlers it dispatches to, and the job runner
// with its registered capabilities.
//
// Job state lives in memory only. The panel keeps the durable mirror; a
// restarted agent starts with an empty job table and the panel fills in
// history for anything that ran before.
package agent
