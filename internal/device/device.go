package device

import (
	"context"
	"time"
)

// ConnectionState is the lifecycle state of a peripheral known to the hub
type ConnectionState string

const (
	Discovered    ConnectionState = "discovered"
	Connecting    ConnectionState = "connecting"
	Ready         ConnectionState = "ready"
	Disconnecting ConnectionState = "disconnecting"
	Disconnected  ConnectionState = "disconnected"
)

// IsLive reports whether the state counts against the capacity bound.
func (s ConnectionState) IsLive() bool {
	return s == Connecting || s == Ready
}

// Candidate is a single scan observation of a peripheral advertising the expected service.
type Candidate struct {
	ID       string
	Name     string
	RSSI     int
	LastSeen time.Time
}

// DisplayName returns the advertised name, falling back to the ID
func (c Candidate) DisplayName() string {
	if c.Name == "" {
		return c.ID
	}
	return c.Name
}

// Record is the mutable per-peripheral state held in the live set.
//
// Only the lifecycle manager creates and mutates records; everything else sees Info snapshots.
type Record struct {
	ID          string
	DisplayName string
	RSSI        int
	State       ConnectionState

	// Conn is the transport handle, present while State is Connecting, Ready or Disconnecting.
	Conn Conn

	// Inbound and Outbound are present only while State is Ready.
	Inbound  InboundChannel
	Outbound OutboundChannel

	ConnectedAt time.Time
}

// NewRecord creates a record in the Discovered state.
func NewRecord(id, name string, rssi int) *Record {
	if name == "" {
		name = id
	}
	return &Record{
		ID:          id,
		DisplayName: name,
		RSSI:        rssi,
		State:       Discovered,
	}
}

// Release drops the transport and channel handles.
func (r *Record) Release() {
	r.Conn = nil
	r.Inbound = nil
	r.Outbound = nil
}

// Info returns an immutable snapshot of the record.
func (r *Record) Info() Info {
	return Info{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		RSSI:        r.RSSI,
		State:       r.State,
		ConnectedAt: r.ConnectedAt,
	}
}

// Info is a read-only view of a Record
//
//nolint:revive // Info is intentionally short; used as device.Info
type Info struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"name"`
	RSSI        int             `json:"rssi"`
	State       ConnectionState `json:"state"`
	ConnectedAt time.Time       `json:"connected_at"`
}

// StateEvent reports a lifecycle transition. Err is set for failures and unexpected loss.
type StateEvent struct {
	ID    string
	State ConnectionState
	Err   error
	At    time.Time
}

// ScanFilter restricts discovery to peripherals advertising Service.
type ScanFilter struct {
	Service string
}

// ChannelSpec names the service and the two characteristics forming a device data path.
type ChannelSpec struct {
	Service  string
	Inbound  string // write target
	Outbound string // notify source
}

// PermissionChecker reports whether the process holds the radio permissions that scanning
// and connecting need. Acquiring them is the caller's concern.
type PermissionChecker func() bool

// Adapter is the wireless transport backend.
type Adapter interface {
	// Powered reports whether the radio is available.
	Powered() bool

	// Scan reports every advertisement matching filter until ctx is done.
	// Returns nil when ctx is canceled or times out.
	Scan(ctx context.Context, filter ScanFilter, onResult func(Candidate)) error

	// Connect dials the peripheral and returns a live transport handle.
	Connect(ctx context.Context, id string) (Conn, error)
}

// Conn is a live wireless connection to a single peripheral.
type Conn interface {
	// DiscoverChannels resolves the write target and notify source described by spec.
	DiscoverChannels(ctx context.Context, spec ChannelSpec) (InboundChannel, OutboundChannel, error)

	// Disconnect releases the connection. The OnDisconnect callback is not invoked for it.
	Disconnect() error

	// OnDisconnect registers the callback fired when the link drops without Disconnect.
	OnDisconnect(func(err error))
}

// InboundChannel is the device's write target.
type InboundChannel interface {
	Write(data []byte) error
}

// OutboundChannel is the device's notification source.
type OutboundChannel interface {
	Subscribe(onData func(data []byte)) error
}
