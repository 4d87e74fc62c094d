package model

import "time"

// ApplicationInfo describes running build.
type ApplicationInfo struct {
	Revision    string
	Branch      string
	Environment string
}

// DeviceState is a transition of the device in the registry.
type DeviceState uint8

const (
	DeviceStateUnknown DeviceState = iota
	DeviceStateOnline
	DeviceStateClaimed
	DeviceStateReleased
	DeviceStateOffline
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateOnline:
		return "online"
	case DeviceStateClaimed:
		return "claimed"
	case DeviceStateReleased:
		return "released"
	case DeviceStateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// DeviceEvent is published every time device changes its state.
type DeviceEvent struct {
	MachineID    string
	ControllerID string
	State        DeviceState
	At           time.Time
}

// DeviceInfo is a snapshot of a connected device.
type DeviceInfo struct {
	MachineID    string    `json:"machine_id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	Claimed      bool      `json:"claimed"`
	ControllerID string    `json:"controller_id,omitempty"`
}
