package leap

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Handler processes one inbound message on a pump it listens to.
type Handler func(msg *Message)

// PumpSubscription associates one handler with one pump name. Go funcs
// are not comparable, so the subscription token itself identifies the
// (pump, handler) pair for removal.
type PumpSubscription struct {
	pump string
	fn   Handler
	id   uint64
}

// Pump returns the pump name the subscription listens on.
func (s *PumpSubscription) Pump() string { return s.pump }

// pumpRegistry maps pump names to their handlers. Dispatch runs on the
// event loop goroutine against a snapshot of the handler list, so
// subscriptions can be added or removed at any time without blocking an
// in-flight dispatch.
type pumpRegistry struct {
	mu     sync.RWMutex
	subs   map[string][]*PumpSubscription
	nextID uint64
	log    zerolog.Logger
}

func newPumpRegistry(log zerolog.Logger) *pumpRegistry {
	return &pumpRegistry{
		subs: make(map[string][]*PumpSubscription),
		log:  log,
	}
}

// listen registers a handler for pump. Multiple handlers per pump are
// allowed; dispatch preserves registration order.
func (pr *pumpRegistry) listen(pump string, fn Handler) *PumpSubscription {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.nextID++
	sub := &PumpSubscription{pump: pump, fn: fn, id: pr.nextID}
	pr.subs[pump] = append(pr.subs[pump], sub)
	return sub
}

// stopListening removes a subscription. Removing the last handler for a
// pump just makes future messages on it dispatch to nobody; the host is
// authoritative on pump existence, not us.
func (pr *pumpRegistry) stopListening(sub *PumpSubscription) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	list := pr.subs[sub.pump]
	for i, s := range list {
		if s.id == sub.id {
			pr.subs[sub.pump] = append(list[:i:i], list[i+1:]...)
			if len(pr.subs[sub.pump]) == 0 {
				delete(pr.subs, sub.pump)
			}
			return true
		}
	}
	return false
}

// dispatch invokes every handler registered for msg.Pump in registration
// order and returns how many ran. Each handler runs to completion before
// the next; a panicking handler is caught and reported, and never takes
// down the loop or the handlers after it.
func (pr *pumpRegistry) dispatch(msg *Message) int {
	pr.mu.RLock()
	list := pr.subs[msg.Pump]
	snapshot := make([]*PumpSubscription, len(list))
	copy(snapshot, list)
	pr.mu.RUnlock()

	for _, sub := range snapshot {
		pr.invoke(sub, msg)
	}
	return len(snapshot)
}

func (pr *pumpRegistry) invoke(sub *PumpSubscription, msg *Message) {
	defer func() {
		if rec := recover(); rec != nil {
			pr.log.Error().
				Str("pump", sub.pump).
				Str("panic", fmt.Sprint(rec)).
				Msg("pump handler panicked")
		}
	}()
	sub.fn(msg)
}

// clear drops every subscription. Called on the Stopping transition.
func (pr *pumpRegistry) clear() {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.subs = make(map[string][]*PumpSubscription)
}
