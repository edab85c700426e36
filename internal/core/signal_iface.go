package core

// Frame is one encoded signaling message.
type Frame []byte

// SignalConnection is the outbound side of a client signaling channel.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
