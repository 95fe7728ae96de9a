// Package contracts provides the message value type carried through the warren publishing pipeline.
//
// A Message bundles the routed payload with its broker metadata:
//   - RoutingKey and Mandatory control broker routing
//   - Body, ContentType and Headers describe the payload
//   - Persistent selects the broker delivery mode
//   - Timeout bounds the wait for broker confirmation of this publish only
//
// Messages are plain values. The exchange state machine snapshots them into its
// unconfirmed-publish log, so a message handed to Publish must not be mutated
// afterwards; use WithHeader for copy-on-write header changes.
package contracts
