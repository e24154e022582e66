// Package telemetry sets up the OpenTelemetry SDK for the fleet daemon.
// When telemetry is disabled the global providers stay noop and nothing
// connects to a collector.
package telemetry
