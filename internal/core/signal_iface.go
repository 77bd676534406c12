package core

// Frame is one encoded wire message.
type Frame []byte

// SignalConnection abstracts a message transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Emitter publishes events to the orchestration server.
type Emitter interface {
	Emit(event string, payload any) error
}
