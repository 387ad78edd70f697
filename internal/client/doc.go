// Package client composes the connection controller and the instrument
// registry into a single gateway client.
//
// The controller is the registry's detail source, so lookups always go
// through the live session and fail fast with connection.ErrNotConnected
// while it is down.
package client
