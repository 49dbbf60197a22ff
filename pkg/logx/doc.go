// Package logx wraps zerolog behind a small Logger/Service pair.
//
// Service owns the sinks (console, JSON file) and can swap them at runtime
// via Apply(); Loggers handed out by Service stay live across swaps.
package logx
