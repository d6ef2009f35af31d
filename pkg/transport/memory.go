package transport

import "net"

// NewMemoryPair returns two ends of an in-memory binding, wired together
// with net.Pipe so every byte still crosses the real mux-frame encoding
// (§9 design notes: the in-memory transport must still emit real frames,
// not a short-circuited in-process call, so tests exercise the same wire
// path production bindings do). The first Conn is the initiating side
// (odd stream ids); the second is the accepting side (even stream ids).
func NewMemoryPair(maxLength int) (client *Conn, server *Conn) {
	a, b := net.Pipe()
	client = NewConn(a, true, maxLength)
	server = NewConn(b, false, maxLength)
	return client, server
}
