// Package signaling maintains the call-coordination channel between a
// participant and the backend: room and call membership, the participant
// roster, and delivery of peer-connection negotiation messages.
//
// Two transports implement the same wire contract: a polling transport that
// emulates a persistent channel with request/response cycles against the
// backend, and a socket transport that keeps a resumable WebSocket session to
// a standalone signaling server. The transport is selected once at
// construction based on configuration.
package signaling
