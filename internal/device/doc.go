// Package device defines the data model and the wireless transport contract used
// by the hub.
//
// This package provides:
//   - Record, the per-peripheral state owned by the lifecycle manager
//   - Info and Candidate, immutable views handed to readers and scan consumers
//   - Adapter, Conn and the channel interfaces implemented by the BLE backends
//     (see the goble and tinyble subpackages)
//   - The error taxonomy shared by every layer of the bridge
package device
