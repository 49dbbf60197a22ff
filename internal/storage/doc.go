// Package storage provides the minimal persistence layer behind the engine.
//
// It currently covers:
//   - Dedup fingerprint state (so at-most-once survives restarts)
//   - Notification delivery history (audit/display)
//   - Active snoozes and mutes (display)
package storage
