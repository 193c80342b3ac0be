// Package device keeps the inventory of ETH relay modules the bridge has
// identified.
//
// A module is keyed by its MAC serial number, so a module that moves to a
// new IP address keeps its history. Each successful handshake upserts the
// module's identity and refreshes last_seen.
//
// # Architecture
//
//	┌──────────────────┐    ┌──────────────────┐
//	│     Registry     │───▶│  SQLiteRepository│───▶ modules table
//	│ • in-memory cache│    │ • upsert / query │
//	└──────────────────┘    └──────────────────┘
//
// # Thread Safety
//
// Registry methods are safe for concurrent use.
package device
