// Package monitor provides health checks and lifecycle observability for
// warren clients.
//
// A Registry runs named Checkers concurrently and aggregates their results
// into an overall status, exposed over HTTP through Handler,
// ReadinessHandler and LivenessHandler. ExchangeChecker and
// ConnectionChecker cover the two warren components worth probing; a
// TransitionRecorder can be attached to any exchange machine to keep counts
// of state transitions, failures and replays for diagnostics.
package monitor
