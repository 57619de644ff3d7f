// Package broker defines the capability set the transport needs from a
// queue/topic broker: a data plane (senders and peek-lock receivers) and a
// control plane (queues, topics and subscriptions).
//
// Implementations live in subpackages: azure talks to Azure Service Bus and
// inmemory is a process-local broker used by tests and local runs.
//
// Implementations report well-known conditions by wrapping the sentinel errors
// of this package (ErrEntityNotFound, ErrEntityAlreadyExists, ErrLockLost,
// ErrTransient) so callers can classify failures without knowing the backend.
package broker
