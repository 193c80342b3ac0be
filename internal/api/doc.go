// Package api provides the HTTP REST API and WebSocket server for the
// relay bridge.
//
// It exposes the module session (status and relay commands), the module
// inventory and the audit history, and streams telemetry snapshots to
// WebSocket subscribers on the "relay.state" channel.
//
// The server follows the same lifecycle pattern as the other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
