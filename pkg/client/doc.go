// Package client implements a persistent gateway connection: a single
// websocket carrying request/response RPC and server-pushed events.
//
// A Client authenticates with a signed challenge handshake, correlates
// requests by id with per-request timeouts, fans events out to subscribers
// with sequence-gap detection, paces outbound traffic through a token
// bucket, and recovers from dead connections with exponential backoff. When
// a presence channel is configured, only the elected leader among peer
// clients holds a connection at a time.
package client
