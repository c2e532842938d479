// Package telemetry wraps OpenTelemetry SDK initialization. The step
// executor emits a span per execution through the global tracer; this
// package decides where those spans go. When telemetry is disabled the
// global providers stay noop and nothing connects out.
package telemetry
