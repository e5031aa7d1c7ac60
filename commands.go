package leap

import (
	"fmt"
	"sync"
)

// CommandFunc handles one inbound command message. It receives the
// data.args payload (undef when the message carries none).
type CommandFunc func(args Value)

// commandRegistry maps data.command names to handlers. Inbound messages
// are offered here before pump dispatch; a registered command consumes
// the message.
type commandRegistry struct {
	mu       sync.RWMutex
	commands map[string]CommandFunc
}

func newCommandRegistry() *commandRegistry {
	return &commandRegistry{commands: make(map[string]CommandFunc)}
}

func (cr *commandRegistry) register(name string, fn CommandFunc) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.commands[name] = fn
}

func (cr *commandRegistry) deregister(name string) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if _, ok := cr.commands[name]; !ok {
		return false
	}
	delete(cr.commands, name)
	return true
}

// handle runs the command named by msg, if registered. Returns whether
// the message was consumed. A panicking command is caught and reported;
// the loop keeps running.
func (cr *commandRegistry) handle(r *Runtime, msg *Message) bool {
	name := msg.Command()
	if name == "" {
		return false
	}
	cr.mu.RLock()
	fn, ok := cr.commands[name]
	cr.mu.RUnlock()
	if !ok {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("command", name).
				Str("panic", fmt.Sprint(rec)).
				Msg("command handler panicked")
		}
	}()
	fn(msg.Args())
	return true
}

// registerBuiltins installs the commands every plugin understands:
// "stop" terminates the runtime, "log" echoes its args to diagnostics
// (useful for round-trip testing against a live host).
func (cr *commandRegistry) registerBuiltins(r *Runtime) {
	cr.register("stop", func(Value) {
		r.log.Info().Msg("stop command received")
		r.beginStop(nil)
	})
	cr.register("log", func(args Value) {
		r.log.Info().RawJSON("args", payloadJSON(args)).Msg("log command")
	})
}
