// Package logging provides structured logging for container-assist.
//
// It wraps zap with context-aware methods: every log call extracts
// correlation fields (trace/span ids, session id, workflow stage, request
// id) from the context so log lines from concurrent workflow runs can be
// told apart. Output goes to stdout or stderr (JSON or console) and
// optionally to an OpenTelemetry log provider via the otelzap bridge.
package logging
