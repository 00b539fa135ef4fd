// Package transport owns the byte stream between the two peers.
//
// Ownership boundary:
// - connect/listen for tcp, unix and fifo endpoints
// - exact-length reads and writes
// - mapping of stream failures onto the protocol error taxonomy
//
// Framing knowledge lives in protocol/frame and protocol/codec.
package transport
