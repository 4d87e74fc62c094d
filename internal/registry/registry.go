/*
Package registry tracks devices holding a live transport session and the
controller claiming each of them.

A device is claimed by at most one controller and a controller claims at
most one device. Every operation is atomic against the others; there are
no read-decide-write sequences exposed to callers.
*/
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferux/pairbroker/internal/model"
	"github.com/ferux/pairbroker/internal/pubsub"
)

// Transport is a live session of a device.
type Transport interface {
	RemoteAddr() string
}

type device struct {
	transport   Transport
	connectedAt time.Time
}

type Registry struct {
	logger zerolog.Logger
	subs   *pubsub.Core
	now    func() time.Time

	mu          sync.RWMutex
	devices     map[string]device
	claims      map[string]string // machine id -> controller id
	controllers map[string]string // controller id -> machine id
}

// New creates empty registry. subs may be nil.
func New(logger zerolog.Logger, subs *pubsub.Core) *Registry {
	return &Registry{
		logger: logger.With().Str("pkg", "registry").Logger(),
		subs:   subs,
		now:    time.Now,

		devices:     make(map[string]device),
		claims:      make(map[string]string),
		controllers: make(map[string]string),
	}
}

// RegisterDevice marks device as online. It fails with
// model.ErrAlreadyConnected if the machine id holds another session.
func (r *Registry) RegisterDevice(machineID string, t Transport) error {
	r.mu.Lock()
	if _, ok := r.devices[machineID]; ok {
		r.mu.Unlock()
		return model.ErrAlreadyConnected
	}

	now := r.now()
	r.devices[machineID] = device{transport: t, connectedAt: now}
	r.mu.Unlock()

	r.logger.Info().Str("machine_id", machineID).Str("remote_addr", t.RemoteAddr()).Msg("device online")
	r.notify(machineID, "", model.DeviceStateOnline, now)

	return nil
}

// UnregisterDevice removes device and its claim. It's safe to call it
// for a device which is already gone.
func (r *Registry) UnregisterDevice(machineID string) {
	r.mu.Lock()
	_, online := r.devices[machineID]
	controllerID, claimed := r.claims[machineID]
	delete(r.devices, machineID)
	r.dropClaim(machineID)
	r.mu.Unlock()

	if !online && !claimed {
		return
	}

	r.logger.Info().
		Str("machine_id", machineID).
		Str("controller_id", controllerID).
		Msg("device offline")
	r.notify(machineID, controllerID, model.DeviceStateOffline, r.now())
}

// LookupTransport returns session of online device or model.ErrNotFound.
func (r *Registry) LookupTransport(machineID string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[machineID]
	if !ok {
		return nil, model.ErrNotFound
	}

	return d.transport, nil
}

// Claim decides whether controller may take the device. Only Accepted
// creates a claim. AlreadyClaimedBySelf releases the existing claim so
// the controller can start over.
func (r *Registry) Claim(machineID, controllerID string) Outcome {
	r.mu.Lock()
	outcome := r.claim(machineID, controllerID)
	r.mu.Unlock()

	logger := r.logger.With().
		Str("machine_id", machineID).
		Str("controller_id", controllerID).
		Str("outcome", outcome.String()).
		Logger()

	switch outcome {
	case Accepted:
		logger.Info().Msg("device claimed")
		r.notify(machineID, controllerID, model.DeviceStateClaimed, r.now())
	case AlreadyClaimedBySelf:
		logger.Info().Msg("claim released by reclaim")
		r.notify(machineID, controllerID, model.DeviceStateReleased, r.now())
	default:
		logger.Warn().Msg("claim rejected")
	}

	return outcome
}

// claim must be called under r.mu.
func (r *Registry) claim(machineID, controllerID string) Outcome {
	if _, ok := r.devices[machineID]; !ok {
		return DeviceOffline
	}

	holder, claimed := r.claims[machineID]
	if claimed && holder == controllerID {
		r.dropClaim(machineID)
		return AlreadyClaimedBySelf
	}

	if _, busy := r.controllers[controllerID]; busy {
		return ControllerBusyElsewhere
	}

	if claimed {
		return AlreadyClaimedByOther
	}

	r.claims[machineID] = controllerID
	r.controllers[controllerID] = machineID

	return Accepted
}

// Release drops the claim if it's still held by controllerID. It reports
// whether anything was released.
func (r *Registry) Release(machineID, controllerID string) bool {
	r.mu.Lock()
	holder, ok := r.claims[machineID]
	if !ok || holder != controllerID {
		r.mu.Unlock()
		return false
	}

	r.dropClaim(machineID)
	r.mu.Unlock()

	r.logger.Info().Str("machine_id", machineID).Str("controller_id", controllerID).Msg("claim released")
	r.notify(machineID, controllerID, model.DeviceStateReleased, r.now())

	return true
}

// ClaimedBy returns controller holding the device.
func (r *Registry) ClaimedBy(machineID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	controllerID, ok := r.claims[machineID]
	return controllerID, ok
}

// Device returns snapshot of online device or model.ErrNotFound.
func (r *Registry) Device(machineID string) (model.DeviceInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[machineID]
	if !ok {
		return model.DeviceInfo{}, model.ErrNotFound
	}

	return r.info(machineID, d), nil
}

// Devices returns snapshot of online devices ordered by machine id.
func (r *Registry) Devices() []model.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]model.DeviceInfo, 0, len(r.devices))
	for id, d := range r.devices {
		devices = append(devices, r.info(id, d))
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].MachineID < devices[j].MachineID })

	return devices
}

// info must be called under r.mu.
func (r *Registry) info(machineID string, d device) model.DeviceInfo {
	controllerID, claimed := r.claims[machineID]

	return model.DeviceInfo{
		MachineID:    machineID,
		RemoteAddr:   d.transport.RemoteAddr(),
		ConnectedAt:  d.connectedAt,
		Claimed:      claimed,
		ControllerID: controllerID,
	}
}

// dropClaim must be called under r.mu.
func (r *Registry) dropClaim(machineID string) {
	controllerID, ok := r.claims[machineID]
	if !ok {
		return
	}

	delete(r.claims, machineID)
	if r.controllers[controllerID] == machineID {
		delete(r.controllers, controllerID)
	}
}

func (r *Registry) notify(machineID, controllerID string, state model.DeviceState, at time.Time) {
	r.subs.Notify(pubsub.DeviceStateTopic, model.DeviceEvent{
		MachineID:    machineID,
		ControllerID: controllerID,
		State:        state,
		At:           at,
	})
}
