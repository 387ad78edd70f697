package connection

import (
	"fmt"
	"sync"
)

// handlerRegistry tracks transport subscriptions by event and handler name
// so that each named handler is subscribed at most once.
type handlerRegistry struct {
	transport Transport

	mu   sync.Mutex
	subs map[Event]map[string]func() // event → name → unsubscribe
}

func newHandlerRegistry(t Transport) *handlerRegistry {
	return &handlerRegistry{
		transport: t,
		subs:      make(map[Event]map[string]func()),
	}
}

// register subscribes fn under name. It reports false if name was already
// registered for event.
func (h *handlerRegistry) register(event Event, name string, fn func()) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byName := h.subs[event]
	if byName == nil {
		byName = make(map[string]func())
		h.subs[event] = byName
	}
	if _, ok := byName[name]; ok {
		return false, nil
	}

	unsubscribe, err := h.transport.Subscribe(event, fn)
	if err != nil {
		return false, fmt.Errorf("subscribe %s/%s: %w", event, name, err)
	}
	byName[name] = unsubscribe
	return true, nil
}

// unregister removes name from event. It reports whether it was registered.
func (h *handlerRegistry) unregister(event Event, name string) bool {
	h.mu.Lock()
	unsubscribe, ok := h.subs[event][name]
	if ok {
		delete(h.subs[event], name)
	}
	h.mu.Unlock()

	if ok && unsubscribe != nil {
		unsubscribe()
	}
	return ok
}

// count returns the number of handlers registered for event.
func (h *handlerRegistry) count(event Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[event])
}
