// Package rabbitmq implements the warren collaborator interfaces on top of
// the amqp091-go client.
//
// This package includes:
//   - ConnectionManager: dials and owns the broker connection, redials on
//     loss, and announces reconnection to subscribed handlers
//   - ChannelFactory: produces confirm-mode channels bound to the current
//     connection attempt, one per exchange machine generation
//   - TopologyManager: records queue and binding declarations and re-asserts
//     them after every reconnect, announcing bindings-completed when done
//
// Connection loss is never surfaced to exchange machines directly; they only
// observe the reconnected notification once a fresh connection is usable.
package rabbitmq
