package pairing

import (
	"fmt"

	"github.com/ferux/pairbroker/internal/registry"
)

// Status is the answer to controller's claim.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPaired
	StatusClaimedBySelf
	StatusClaimedByOther
	StatusControllerBusy
	StatusDeviceOffline
	StatusHostTokenMissing
)

func (s Status) String() string {
	switch s {
	case StatusPaired:
		return "paired"
	case StatusClaimedBySelf:
		return registry.AlreadyClaimedBySelf.String()
	case StatusClaimedByOther:
		return registry.AlreadyClaimedByOther.String()
	case StatusControllerBusy:
		return registry.ControllerBusyElsewhere.String()
	case StatusDeviceOffline:
		return registry.DeviceOffline.String()
	case StatusHostTokenMissing:
		return "host_token_missing"
	default:
		return "unknown"
	}
}

// ClaimResult is either a host token or a rejection with human readable message.
type ClaimResult struct {
	Status    Status
	HostToken string
	Message   string
}

// Paired reports whether controller received the host token.
func (r ClaimResult) Paired() bool { return r.Status == StatusPaired }

func rejection(outcome registry.Outcome, machineID, controllerID string) ClaimResult {
	switch outcome {
	case registry.AlreadyClaimedBySelf:
		return ClaimResult{
			Status:  StatusClaimedBySelf,
			Message: fmt.Sprintf("%s already connected to -> %s", controllerID, machineID),
		}
	case registry.AlreadyClaimedByOther:
		return ClaimResult{
			Status:  StatusClaimedByOther,
			Message: "remote connection is already in use",
		}
	case registry.ControllerBusyElsewhere:
		return ClaimResult{
			Status:  StatusControllerBusy,
			Message: fmt.Sprintf("%s is already connected with another robot", controllerID),
		}
	case registry.DeviceOffline:
		return ClaimResult{
			Status:  StatusDeviceOffline,
			Message: fmt.Sprintf("%s is Offline", machineID),
		}
	default:
		return ClaimResult{
			Status:  StatusUnknown,
			Message: fmt.Sprintf("unexpected claim outcome %s", outcome),
		}
	}
}
