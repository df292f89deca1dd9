// Package relay owns the outbound side of a signaling connection: a bounded
// queue drained by a single writer goroutine, and forwarding of opaque
// offer/answer/candidate payloads between peers.
package relay
