// Package exchange implements the exchange lifecycle state machine that makes
// publishing resilient to connection churn and broker restarts.
//
// A Machine owns one broker channel at a time and moves through explicit
// lifecycle states:
//
//	setup → initializing → ready | failed
//	ready | failed → reconnecting → reconnected → ready   (connection recovery)
//	ready | reconnected → initializing                    (broker released the channel)
//	ready → destroyed                                     (destroy; publish revives)
//
// Publish, Check and Destroy calls made between usable states are deferred
// and replayed in submission order once the target state is reached. Messages
// that were sent but never confirmed are tracked in a PublishLog and resent
// after reconnection once bindings are re-established. A resend failure is
// logged and the message dropped rather than blocking recovery: the machine
// errs on the side of availability over guaranteed delivery.
//
// All state lives on a single event-loop goroutine; broker I/O runs in
// short-lived goroutines that report back into the loop. Machines are safe
// for concurrent use. Listeners receive lifecycle events in order on a
// dedicated notifier goroutine and may call back into the machine.
package exchange
