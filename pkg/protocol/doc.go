// Package protocol defines the gateway wire format: one JSON object per
// WebSocket text frame, tagged by type as a request, response, or event,
// plus the handshake payloads exchanged during connection setup.
//
// The codec validates structural shape on both encode and decode so that
// malformed frames are rejected at the boundary rather than inside dispatch.
package protocol
