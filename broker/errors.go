package broker

import "errors"

var (
	// ErrNotConnected is returned when an operation requires an
	// established session and the client is not in StateConnected.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrAlreadyConnected is returned by Connect when a session is
	// already established or being established.
	ErrAlreadyConnected = errors.New("broker: already connected")

	// ErrAlreadyRegistered is returned when a request id is registered
	// twice. This indicates an id-reuse bug, not a runtime race.
	ErrAlreadyRegistered = errors.New("broker: request id already registered")

	// ErrBrokerDisconnected completes pending one-shot requests when the
	// connection drops before a reply arrives.
	ErrBrokerDisconnected = errors.New("broker: connection lost")

	// ErrRequestTimeout is returned when a one-shot request's deadline
	// expires before the broker replies.
	ErrRequestTimeout = errors.New("broker: request timed out")

	// ErrUnknownHandle is returned when unsubscribing a handle the
	// client does not know about.
	ErrUnknownHandle = errors.New("broker: unknown subscription handle")
)
