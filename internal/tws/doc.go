// Package tws implements the wire layer for the Interactive Brokers
// TWS/Gateway API: the v100+ handshake, length-prefixed null-separated
// framing, outbound request encoding, and decoding of inbound messages
// into tagged Events.
//
// The Session runs its read loop on a dedicated goroutine; the rest of the
// engine never touches the socket. All correlation and business logic lives
// in the bridge package.
package tws
