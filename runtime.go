package leap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrNotStarted reports use of a runtime before Start.
var ErrNotStarted = errors.New("leap: runtime not started")

// State is the runtime lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateAwaitingHandshake
	StateReady
	StateStopping
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// DefaultControllerPump is the well-known pump the initial listen
// registration targets, so host code can reach the plugin without
// knowing its UUID reply pump name.
const DefaultControllerPump = "leap.controller"

// Options configures a Runtime. The zero value is usable: stdin/stdout
// streams, stderr diagnostics, default limits.
type Options struct {
	// Reader is the inbound protocol stream. Defaults to os.Stdin.
	Reader io.Reader
	// Writer is the outbound protocol stream. Defaults to os.Stdout.
	Writer io.Writer
	// Logger receives diagnostics. Defaults to a zerolog logger on
	// os.Stderr, the stream the host routes into its own log.
	Logger *zerolog.Logger
	// Limits is the local framing policy. Zero fields take defaults.
	Limits Limits
	// ControllerPump names the shared pump the runtime registers as a
	// listener on after the handshake. Empty means DefaultControllerPump;
	// NoControllerPump skips the registration.
	ControllerPump string
	// NoControllerPump disables the initial listen registration.
	NoControllerPump bool
}

// Runtime is the protocol engine on the child-process side: it owns the
// byte streams, performs the startup handshake, correlates requests with
// responses and routes every other inbound event to pump listeners,
// while the plugin's own computation runs on its own goroutines.
//
// Concurrency model: one reader goroutine performs the blocking stream
// reads; one event loop goroutine consumes decoded messages in byte
// order and runs all command and pump handlers, so per-pump dispatch
// order is registration order and handlers never run concurrently with
// each other. Every outbound frame, from any goroutine, goes through a
// single serialized write path, so frames are never interleaved.
type Runtime struct {
	log            zerolog.Logger
	controllerPump string
	registerCtrl   bool

	reader *FrameReader
	writer *FrameWriter
	wmu    sync.Mutex // guards writer: the single exclusively-owned sink

	identity Identity
	state    atomic.Int32

	pending  *correlationTable
	pumps    *pumpRegistry
	commands *commandRegistry

	inbound chan *Message
	readErr error // set before inbound closes

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// New creates a Runtime from options. Call Start to run the handshake
// and begin routing.
func New(opts Options) *Runtime {
	if opts.Reader == nil {
		opts.Reader = os.Stdin
	}
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = zerolog.New(os.Stderr).With().Timestamp().Str("component", "leap").Logger()
	}
	limits := opts.Limits
	if limits.MaxFrame == 0 {
		limits.MaxFrame = DefaultMaxFrame
	}
	if limits.MaxHeader == 0 {
		limits.MaxHeader = DefaultMaxHeader
	}
	controller := opts.ControllerPump
	if controller == "" {
		controller = DefaultControllerPump
	}

	reader := NewFrameReader(opts.Reader)
	reader.SetLimits(limits)
	writer := NewFrameWriter(opts.Writer)
	writer.SetLimits(limits)

	r := &Runtime{
		log:            log,
		controllerPump: controller,
		registerCtrl:   !opts.NoControllerPump,
		reader:         reader,
		writer:         writer,
		pending:        newCorrelationTable(),
		pumps:          newPumpRegistry(log),
		commands:       newCommandRegistry(),
		inbound:        make(chan *Message, 16),
		done:           make(chan struct{}),
	}
	r.commands.registerBuiltins(r)
	return r
}

// NewStd creates a Runtime on stdin/stdout with default options.
func NewStd() *Runtime {
	return New(Options{})
}

// Start blocks until the host's initial handshake frame arrives, then
// begins routing. A malformed handshake is fatal: the runtime goes
// straight to Stopped and no protocol traffic is ever sent.
func (r *Runtime) Start() error {
	if !r.state.CompareAndSwap(int32(StateUninitialized), int32(StateAwaitingHandshake)) {
		return fmt.Errorf("start in state %s", r.State())
	}

	identity, err := negotiateHandshake(r.reader)
	if err != nil {
		r.log.Error().Err(err).Msg("handshake failed")
		r.failStop(err)
		return err
	}
	r.identity = identity
	r.state.Store(int32(StateReady))
	r.log.Info().
		Str("reply", identity.ReplyPump).
		Str("command", identity.CommandPump).
		Msg("handshake complete")

	if r.registerCtrl {
		if err := r.registerController(); err != nil {
			r.log.Error().Err(err).Msg("controller pump registration failed")
			r.failStop(err)
			return err
		}
	}

	go r.readLoop()
	go r.run()
	return nil
}

// registerController issues the initial listen registration: join the
// shared controller pump with our unique reply pump as listener name,
// so duplicate listener names cannot collide. Uses reqid -1, outside
// the allocated sequence, and is not tracked as pending: the host's
// echo arrives as an ordinary event on the reply pump.
func (r *Runtime) registerController() error {
	const startupReqID = -1
	data := map[string]Value{
		"op":       String("listen"),
		"reqid":    Int(startupReqID),
		"source":   String(r.controllerPump),
		"listener": String(r.identity.ReplyPump),
		"reply":    String(r.identity.ReplyPump),
	}
	return r.writeMessage(&Message{Pump: r.identity.CommandPump, Data: Map(data)})
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// ReplyPump returns the handshake reply pump name. Valid after Start.
func (r *Runtime) ReplyPump() string { return r.identity.ReplyPump }

// CommandPump returns the handshake command pump name. Valid after Start.
func (r *Runtime) CommandPump() string { return r.identity.CommandPump }

// Features returns the negotiated feature map. Valid after Start.
func (r *Runtime) Features() Value { return r.identity.Features }

// HasFeature reports whether the host advertises a protocol feature.
func (r *Runtime) HasFeature(name string) bool { return r.identity.Features.Has(name) }

// Done is closed when the runtime reaches Stopped.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Wait blocks until the runtime stops and returns the terminal error:
// nil for an orderly stop, ErrStreamClosed when the peer went away, a
// frame or handshake error when the stream was unrecoverable.
func (r *Runtime) Wait() error {
	<-r.done
	return r.stopErr
}

// Stop requests an orderly local stop. The reader goroutine may stay
// blocked in its stream read until the peer closes the stream or the
// process exits; on the stdio streams this runtime is built for, both
// happen together.
func (r *Runtime) Stop() {
	r.beginStop(nil)
}

// PendingCount returns the number of outstanding correlated requests.
func (r *Runtime) PendingCount() int { return r.pending.count() }

// Send posts data to the named pump without correlation metadata,
// fire-and-forget.
func (r *Runtime) Send(pump string, data Value) error {
	return r.writeMessage(&Message{Pump: pump, Data: data})
}

// Request posts data to the named pump expecting a correlated reply:
// it allocates the next reqid, stamps the payload with reqid and our
// reply pump, and returns the pending handle. The payload must be a
// map, since the correlation keys live inside it.
func (r *Runtime) Request(pump string, data Value) (*Pending, error) {
	if data.Kind() != KindMap {
		return nil, fmt.Errorf("correlated request payload must be a map, got %s", data.Kind())
	}
	id := r.pending.next()

	// Copy before stamping; the caller's value stays untouched.
	stamped := make(map[string]Value, data.Len()+2)
	for k, member := range data.AsMap() {
		stamped[k] = member
	}
	stamped["reqid"] = Int(id)
	if _, ok := stamped["reply"]; !ok {
		stamped["reply"] = String(r.identity.ReplyPump)
	}

	p := r.pending.track(id)
	if err := r.writeMessage(&Message{Pump: pump, Data: Map(stamped)}); err != nil {
		r.pending.cancel(id, err)
		return nil, err
	}
	return p, nil
}

// Call is Request followed by Wait: it blocks until the response
// arrives or ctx is done. Timeouts are the caller's policy via ctx.
func (r *Runtime) Call(ctx context.Context, pump string, data Value) (*Message, error) {
	p, err := r.Request(pump, data)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Listen registers a handler for inbound messages on pump and returns
// the subscription token used to remove it.
func (r *Runtime) Listen(pump string, fn Handler) *PumpSubscription {
	return r.pumps.listen(pump, fn)
}

// StopListening removes a subscription. Returns false when the
// subscription was already removed.
func (r *Runtime) StopListening(sub *PumpSubscription) bool {
	return r.pumps.stopListening(sub)
}

// RegisterCommand installs a handler for inbound messages whose
// data.command equals name. Commands run before pump dispatch and
// consume the message.
func (r *Runtime) RegisterCommand(name string, fn CommandFunc) {
	r.commands.register(name, fn)
}

// DeregisterCommand removes a command handler.
func (r *Runtime) DeregisterCommand(name string) bool {
	return r.commands.deregister(name)
}

// writeMessage is the single write path: every outbound frame from any
// goroutine serializes through here, so a frame is never interleaved
// with another frame's bytes.
func (r *Runtime) writeMessage(m *Message) error {
	switch r.State() {
	case StateUninitialized, StateAwaitingHandshake:
		return ErrNotStarted
	case StateStopping, StateStopped:
		return ErrStopped
	}
	r.log.Trace().Str("pump", m.Pump).RawJSON("data", payloadJSON(m.Data)).Msg("send")
	r.wmu.Lock()
	defer r.wmu.Unlock()
	return r.writer.WriteMessage(m)
}

// readLoop performs the blocking stream reads, the counterpart of the
// helper thread the original runtime wraps around stdin. Frames are
// handed to the event loop in exact byte order. A malformed payload is
// skipped (the length prefix already gave us the next frame boundary);
// framing errors that lose the stream offset are terminal.
func (r *Runtime) readLoop() {
	for {
		msg, err := r.reader.ReadMessage()
		if err != nil {
			var fe *FrameError
			if errors.As(err, &fe) && !fe.Fatal() {
				r.log.Error().Str("reason", fe.Message).Int("len", len(fe.Data)).Msg("malformed payload, skipping frame")
				dumpBadPacket(r.log, fe.Data)
				continue
			}
			if errors.Is(err, ErrStreamClosed) {
				r.log.Info().Msg("peer closed stream")
			} else {
				r.log.Error().Err(err).Msg("stream unrecoverable")
			}
			r.readErr = err
			close(r.inbound)
			return
		}
		select {
		case r.inbound <- msg:
		case <-r.done:
			return
		}
	}
}

// run is the event loop: it consumes decoded messages one at a time and
// routes each to exactly one consumer.
func (r *Runtime) run() {
	for {
		select {
		case msg, ok := <-r.inbound:
			if !ok {
				r.beginStop(r.readErr)
				return
			}
			r.route(msg)
		case <-r.done:
			return
		}
	}
}

// route hands one inbound message to its consumer: the correlation
// table when its reqid matches an outstanding request, else the command
// registry, else the pump listeners. A response with an unknown or
// absent reqid is not an error, merely an uncorrelated event.
func (r *Runtime) route(msg *Message) {
	r.log.Trace().Str("pump", msg.Pump).RawJSON("data", payloadJSON(msg.Data)).Msg("recv")
	if r.pending.resolve(msg) {
		return
	}
	if r.commands.handle(r, msg) {
		return
	}
	if n := r.pumps.dispatch(msg); n == 0 {
		r.log.Debug().Str("pump", msg.Pump).Msg("no listener for pump")
	}
}

// beginStop drives Ready -> Stopping -> Stopped: stop issuing sends,
// cancel every outstanding request so no caller stays blocked, release
// the pump subscriptions. Writes are synchronous, so there is nothing
// queued to flush. Idempotent.
func (r *Runtime) beginStop(cause error) {
	r.stopOnce.Do(func() {
		r.state.Store(int32(StateStopping))
		r.stopErr = cause
		if n := r.pending.cancelAll(ErrStopped); n > 0 {
			r.log.Warn().Int("cancelled", n).Msg("outstanding requests cancelled on stop")
		}
		r.pumps.clear()
		r.state.Store(int32(StateStopped))
		close(r.done)
		r.log.Info().Msg("stopped")
	})
}

// failStop marks the runtime Stopped after a fatal startup error.
func (r *Runtime) failStop(cause error) {
	r.stopOnce.Do(func() {
		r.stopErr = cause
		r.state.Store(int32(StateStopped))
		close(r.done)
	})
}
