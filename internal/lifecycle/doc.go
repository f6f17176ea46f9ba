// Package lifecycle owns the bounded set of live peripheral connections.
//
// The Manager drives every record through
//
//	Discovered -> Connecting -> Ready -> Disconnecting -> removed
//
// rolls failed setups back to absent, and reconnects after unexpected loss at a fixed
// delay, forever, with at most one pending reconnect per device. All live-set mutations
// happen under a single mutex so capacity checks cannot race.
package lifecycle
