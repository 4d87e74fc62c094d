package registry

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/ferux/pairbroker/internal/model"
	"github.com/ferux/pairbroker/internal/pubsub"
)

type fakeTransport string

func (t fakeTransport) RemoteAddr() string { return string(t) }

func newRegistry() *Registry {
	return New(zerolog.Nop(), nil)
}

func TestRegisterDevice(t *testing.T) {
	is := is.New(t)
	r := newRegistry()

	is.NoErr(r.RegisterDevice("bot1", fakeTransport("10.0.0.1:1000")))

	err := r.RegisterDevice("bot1", fakeTransport("10.0.0.2:1000"))
	is.True(errors.Is(err, model.ErrAlreadyConnected))

	tr, err := r.LookupTransport("bot1")
	is.NoErr(err)
	is.Equal(tr.RemoteAddr(), "10.0.0.1:1000")

	_, err = r.LookupTransport("bot2")
	is.True(errors.Is(err, model.ErrNotFound))
}

func TestUnregisterDeviceIdempotent(t *testing.T) {
	is := is.New(t)
	r := newRegistry()

	r.UnregisterDevice("bot1")

	is.NoErr(r.RegisterDevice("bot1", fakeTransport("a")))
	r.UnregisterDevice("bot1")
	r.UnregisterDevice("bot1")

	_, err := r.LookupTransport("bot1")
	is.True(errors.Is(err, model.ErrNotFound))

	// can connect again after cleanup
	is.NoErr(r.RegisterDevice("bot1", fakeTransport("a")))
}

func TestUnregisterDeviceDropsClaim(t *testing.T) {
	is := is.New(t)
	r := newRegistry()

	is.NoErr(r.RegisterDevice("bot1", fakeTransport("a")))
	is.Equal(r.Claim("bot1", "u1"), Accepted)

	r.UnregisterDevice("bot1")

	_, claimed := r.ClaimedBy("bot1")
	is.True(!claimed)

	// controller is free again
	is.NoErr(r.RegisterDevice("bot3", fakeTransport("b")))
	is.Equal(r.Claim("bot3", "u1"), Accepted)
}

func TestClaimScenarios(t *testing.T) {
	is := is.New(t)
	r := newRegistry()

	is.NoErr(r.RegisterDevice("bot1", fakeTransport("a")))
	is.NoErr(r.RegisterDevice("bot3", fakeTransport("b")))

	// offline device
	is.Equal(r.Claim("bot2", "u1"), DeviceOffline)

	is.Equal(r.Claim("bot1", "u1"), Accepted)
	controllerID, ok := r.ClaimedBy("bot1")
	is.True(ok)
	is.Equal(controllerID, "u1")

	// another controller wants the same device
	is.Equal(r.Claim("bot1", "u2"), AlreadyClaimedByOther)

	// holder wants another device
	is.Equal(r.Claim("bot3", "u1"), ControllerBusyElsewhere)
	_, ok = r.ClaimedBy("bot3")
	is.True(!ok)

	// holder reclaims: released, not granted
	is.Equal(r.Claim("bot1", "u1"), AlreadyClaimedBySelf)
	_, ok = r.ClaimedBy("bot1")
	is.True(!ok)

	// after release anybody may claim
	is.Equal(r.Claim("bot1", "u2"), Accepted)
	is.Equal(r.Claim("bot3", "u1"), Accepted)
}

func TestClaimBusyOverOther(t *testing.T) {
	is := is.New(t)
	r := newRegistry()

	is.NoErr(r.RegisterDevice("bot1", fakeTransport("a")))
	is.NoErr(r.RegisterDevice("bot2", fakeTransport("b")))
	is.Equal(r.Claim("bot1", "u1"), Accepted)
	is.Equal(r.Claim("bot2", "u2"), Accepted)

	is.Equal(r.Claim("bot2", "u1"), ControllerBusyElsewhere)
}

func TestRelease(t *testing.T) {
	is := is.New(t)
	r := newRegistry()

	is.NoErr(r.RegisterDevice("bot1", fakeTransport("a")))
	is.Equal(r.Claim("bot1", "u1"), Accepted)

	is.True(!r.Release("bot1", "u2"))
	is.True(r.Release("bot1", "u1"))
	is.True(!r.Release("bot1", "u1"))

	is.Equal(r.Claim("bot1", "u2"), Accepted)
}

func TestDevices(t *testing.T) {
	is := is.New(t)
	r := newRegistry()

	is.NoErr(r.RegisterDevice("bot2", fakeTransport("b")))
	is.NoErr(r.RegisterDevice("bot1", fakeTransport("a")))
	is.Equal(r.Claim("bot2", "u1"), Accepted)

	devices := r.Devices()
	is.Equal(len(devices), 2)
	is.Equal(devices[0].MachineID, "bot1")
	is.True(!devices[0].Claimed)
	is.Equal(devices[1].MachineID, "bot2")
	is.True(devices[1].Claimed)
	is.Equal(devices[1].ControllerID, "u1")
	is.Equal(devices[1].RemoteAddr, "b")

	d, err := r.Device("bot2")
	is.NoErr(err)
	is.Equal(d, devices[1])

	_, err = r.Device("bot3")
	is.True(errors.Is(err, model.ErrNotFound))
}

func TestEvents(t *testing.T) {
	is := is.New(t)

	subs := pubsub.New()
	var states []model.DeviceState
	subs.Subscribe(pubsub.DeviceStateTopic, func(args ...interface{}) {
		states = append(states, args[0].(model.DeviceEvent).State)
	})

	r := New(zerolog.Nop(), subs)
	is.NoErr(r.RegisterDevice("bot1", fakeTransport("a")))
	is.Equal(r.Claim("bot1", "u2"), Accepted)
	is.Equal(r.Claim("bot1", "u1"), AlreadyClaimedByOther)
	is.True(r.Release("bot1", "u2"))
	r.UnregisterDevice("bot1")
	r.UnregisterDevice("bot1")

	is.Equal(states, []model.DeviceState{
		model.DeviceStateOnline,
		model.DeviceStateClaimed,
		model.DeviceStateReleased,
		model.DeviceStateOffline,
	})
}

// checkClaimMaps verifies both directions of claim map agree.
func checkClaimMaps(t *testing.T, r *Registry) {
	t.Helper()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.claims) != len(r.controllers) {
		t.Fatalf("claims %v and controllers %v diverged", r.claims, r.controllers)
	}

	for machineID, controllerID := range r.claims {
		if r.controllers[controllerID] != machineID {
			t.Fatalf("controller %s holds %s, claim says %s", controllerID, r.controllers[controllerID], machineID)
		}

		if _, ok := r.devices[machineID]; !ok {
			t.Fatalf("claim on offline device %s", machineID)
		}
	}
}

func TestClaimMapsRandomSequence(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	r := newRegistry()

	machines := []string{"bot1", "bot2", "bot3", "bot4"}
	controllers := []string{"u1", "u2", "u3"}

	for i := 0; i < 5000; i++ {
		m := machines[rnd.Intn(len(machines))]
		c := controllers[rnd.Intn(len(controllers))]

		switch rnd.Intn(4) {
		case 0:
			_ = r.RegisterDevice(m, fakeTransport(m))
		case 1:
			r.UnregisterDevice(m)
		case 2:
			r.Claim(m, c)
		case 3:
			r.Release(m, c)
		}

		checkClaimMaps(t, r)
	}
}

func TestConcurrentClaims(t *testing.T) {
	is := is.New(t)
	r := newRegistry()

	is.NoErr(r.RegisterDevice("bot1", fakeTransport("a")))

	const controllers = 32

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)

	wg.Add(controllers)
	for i := 0; i < controllers; i++ {
		go func(i int) {
			defer wg.Done()

			if r.Claim("bot1", fmt.Sprintf("u%d", i)) == Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	is.Equal(accepted, 1)
	checkClaimMaps(t, r)
}

func TestOutcomeString(t *testing.T) {
	is := is.New(t)

	is.Equal(Accepted.String(), "accepted")
	is.Equal(DeviceOffline.String(), "device_offline")
	is.Equal(Outcome(100).String(), "unknown")
}
