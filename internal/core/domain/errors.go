package domain

import "errors"

var (
	ErrStreamNotFound    = errors.New("stream not found")
	ErrRouterNotFound    = errors.New("router not found")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")

	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")
	ErrUnsupportedCodec         = errors.New("codec not supported by router")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrWorkerFatal              = errors.New("relay worker died")
	ErrNoWorkers                = errors.New("no relay workers available")
	ErrStreamEnded              = errors.New("stream has ended")

	ErrInvalidRole      = errors.New("invalid role")
	ErrInvalidDirection = errors.New("invalid transport direction")
	ErrInvalidKind      = errors.New("invalid media kind")
	ErrDuplicateID      = errors.New("duplicate resource id")
	ErrNotJoined        = errors.New("connection has not joined the stream")
	ErrTransportClosed  = errors.New("transport closed")
)

// IsNotFound reports whether err is any of the registry lookup misses.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStreamNotFound) ||
		errors.Is(err, ErrRouterNotFound) ||
		errors.Is(err, ErrTransportNotFound) ||
		errors.Is(err, ErrProducerNotFound) ||
		errors.Is(err, ErrConsumerNotFound)
}
