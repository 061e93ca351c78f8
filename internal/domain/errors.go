package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks a malformed request; rejected synchronously.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound covers entities that disappeared between two messages.
	// Treated as an expected race on disconnect, never as a protocol violation.
	ErrNotFound = errors.New("not found")

	ErrTransportNotFound = fmt.Errorf("transport %w", ErrNotFound)
	ErrProducerNotFound  = fmt.Errorf("producer %w", ErrNotFound)

	// ErrIncompatibleCapabilities means the router cannot feed this receiver.
	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")
)
