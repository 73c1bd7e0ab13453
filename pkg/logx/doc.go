// Package logx wraps zerolog behind a small structured-logging API that can
// swap sinks at runtime (console, file, and an optional forward sink that
// mirrors warnings onto a delivery channel).
package logx
