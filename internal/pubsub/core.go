package pubsub

import "sync"

type Topic string

// DeviceStateTopic carries model.DeviceEvent values.
const DeviceStateTopic Topic = "device_state"

type Handler func(args ...interface{})

// Core stores subscribers for each event
type Core struct {
	subs map[Topic][]Handler

	mu sync.RWMutex
}

func New() *Core {
	return &Core{subs: make(map[Topic][]Handler)}
}

// Subscribe handler to specified topic.
func (c *Core) Subscribe(topic Topic, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subs[topic] = append(c.subs[topic], h)
}

// Notify subscribers. Handlers are called synchronously in order of
// subscription. It's safe to call Notify on nil Core.
func (c *Core) Notify(topic Topic, args ...interface{}) {
	if c == nil {
		return
	}

	c.mu.RLock()
	hs := c.subs[topic]
	c.mu.RUnlock()

	for _, h := range hs {
		h(args...)
	}
}
