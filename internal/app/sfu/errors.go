package sfu

import "errors"

// Messages of these errors are sent verbatim to clients.
var (
	ErrNotReady          = errors.New("router is not ready yet")
	ErrRouterFull        = errors.New("router is full")
	ErrInternal          = errors.New("internal server error")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")
	ErrUnknownMethod     = errors.New("unknown method")
	ErrBadRequest        = errors.New("bad request")
)

var ErrNoRouters = errors.New("sfu: no router could be created")
