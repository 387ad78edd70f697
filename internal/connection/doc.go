// Package connection implements the Connection Controller component.
//
// The Connection Controller:
//   - Owns the gateway session and its connect/disconnect state
//   - Arms a disconnect subscription and a liveness poll exactly once
//   - Reconnects at a fixed interval up to a bounded number of attempts
//   - Cancels and awaits background tasks before closing the transport
//
// WSTransport is the production Transport: a JSON-over-websocket bridge to
// the trading gateway with request/response correlation for detail lookups.
package connection
