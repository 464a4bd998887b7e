// Package telemetry provides the observability layer for the pressbox
// orchestrator: structured logging via zerolog, Prometheus metrics with an
// admin HTTP endpoint (including liveness/readiness checks), OpenTelemetry
// tracing around driver and lifecycle operations, and an in-process event
// stream that a UI bridge can subscribe to for site lifecycle updates.
//
// Components receive a *Telemetry instance explicitly at construction; the
// package never installs process-wide singletons beyond the OTel globals
// required by the SDK.
package telemetry
