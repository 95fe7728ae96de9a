// Package reliability provides retry pacing policies.
//
// The policies here decide how long to wait between repeated attempts at an
// operation, most importantly the connection manager's redial loop:
//   - ExponentialBackoff: multiplicative growth with a cap and ±15% jitter
//   - FixedDelay: constant spacing, useful for tests and short-lived tooling
//
// Policies are stateless and safe for concurrent use. An error can opt out of
// retries by implementing IsRetryable() bool; everything else is treated as
// transient.
package reliability
