// Package api implements the admin HTTP API and WebSocket server.
//
// This package provides:
//   - REST endpoints over the fleet of production orders
//   - Read-only views of the devices snapshot and structure tree
//   - A WebSocket hub relaying snapshot changes to subscribers
//   - Request tracing (ID, access log, panic recovery) and body limits
//   - The Prometheus scrape endpoint at /metrics
//
// # Architecture
//
// The server sits beside the broker, not in front of it. Instances are
// driven over MQTT; the API only creates and removes them and mirrors the
// info pack that the reflective device also publishes on the bus.
//
// Start binds before returning, so a busy port fails startup:
//
//	server, err := api.New(deps)
//	if err := server.Start(ctx); err != nil { ... }
//	defer server.Close()
//
// Without a fleet store the order endpoints answer 503. Reads and the
// WebSocket keep working.
package api
