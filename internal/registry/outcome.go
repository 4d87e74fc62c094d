package registry

// Outcome is a decision on a claim request.
type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	Accepted
	AlreadyClaimedBySelf
	AlreadyClaimedByOther
	ControllerBusyElsewhere
	DeviceOffline
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AlreadyClaimedBySelf:
		return "already_claimed_by_self"
	case AlreadyClaimedByOther:
		return "already_claimed_by_other"
	case ControllerBusyElsewhere:
		return "controller_busy_elsewhere"
	case DeviceOffline:
		return "device_offline"
	default:
		return "unknown"
	}
}
