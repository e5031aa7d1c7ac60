package leap

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testReplyPump   = "54481a53-c41f-4fc2-606e-516daed03636"
	testCommandPump = "18ce5015-b651-1d2e-2470-0de841fd3635"
)

// fakeHost drives the plugin side of the wire from a test: it owns the
// plugin's stdin writer and collects every frame the plugin emits.
type fakeHost struct {
	t       *testing.T
	stdin   *io.PipeWriter
	fw      *FrameWriter
	outbox  chan *Message
	ctrlReg *Message // the initial listen registration, drained by the harness
}

func (h *fakeHost) send(pump string, data Value) {
	h.t.Helper()
	require.NoError(h.t, h.fw.WriteMessage(&Message{Pump: pump, Data: data}))
}

func (h *fakeHost) sendRaw(payload string) {
	h.t.Helper()
	require.NoError(h.t, h.fw.WriteFrame([]byte(payload)))
}

// next returns the next frame the plugin wrote, failing the test after
// a bounded wait.
func (h *fakeHost) next() *Message {
	h.t.Helper()
	select {
	case msg, ok := <-h.outbox:
		require.True(h.t, ok, "plugin closed its output")
		return msg
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for plugin frame")
		return nil
	}
}

func (h *fakeHost) close() {
	h.stdin.Close()
}

// newTestRuntime wires a Runtime to a fake host over pipes, completes
// the handshake and drains the initial controller registration.
func newTestRuntime(t *testing.T) (*Runtime, *fakeHost) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	nop := zerolog.Nop()
	r := New(Options{
		Reader: stdinR,
		Writer: stdoutW,
		Logger: &nop,
	})

	host := &fakeHost{
		t:      t,
		stdin:  stdinW,
		fw:     NewFrameWriter(stdinW),
		outbox: make(chan *Message, 64),
	}
	go func() {
		fr := NewFrameReader(stdoutR)
		for {
			msg, err := fr.ReadMessage()
			if err != nil {
				close(host.outbox)
				return
			}
			host.outbox <- msg
		}
	}()

	// Pipe writes rendezvous with the reader, so the handshake goes out
	// on its own goroutine while Start consumes it.
	go host.send(testReplyPump, Map(map[string]Value{
		"command":  String(testCommandPump),
		"features": Map(nil),
	}))
	require.NoError(t, r.Start())

	host.ctrlReg = host.next()

	t.Cleanup(func() {
		r.Stop()
		stdinW.Close()
		stdoutW.Close()
	})
	return r, host
}

func TestStartEstablishesIdentity(t *testing.T) {
	r, _ := newTestRuntime(t)
	assert.Equal(t, StateReady, r.State())
	assert.Equal(t, testReplyPump, r.ReplyPump())
	assert.Equal(t, testCommandPump, r.CommandPump())
	assert.Equal(t, 0, r.Features().Len())
	assert.False(t, r.HasFeature("anything"))
}

func TestInitialListenRegistration(t *testing.T) {
	_, host := newTestRuntime(t)
	reg := host.ctrlReg
	require.NotNil(t, reg)
	assert.Equal(t, testCommandPump, reg.Pump)
	assert.Equal(t, "listen", reg.Data.Get("op").AsString())
	assert.Equal(t, int64(-1), reg.Data.Get("reqid").AsInt())
	assert.Equal(t, DefaultControllerPump, reg.Data.Get("source").AsString())
	assert.Equal(t, testReplyPump, reg.Data.Get("listener").AsString())
	assert.Equal(t, testReplyPump, reg.Data.Get("reply").AsString())
}

func TestControllerRegistrationIsNotPending(t *testing.T) {
	r, host := newTestRuntime(t)
	// The startup registration carries reqid -1 but no caller waits on
	// it, so it must not linger in the correlation table.
	assert.Equal(t, 0, r.PendingCount())

	// The host's echo of it is an ordinary event on the reply pump.
	got := make(chan *Message, 1)
	r.Listen(testReplyPump, func(msg *Message) { got <- msg })
	host.send(testReplyPump, Map(map[string]Value{
		"reqid": Int(-1),
		"op":    String("listen"),
	}))
	select {
	case msg := <-got:
		id, ok := msg.ReqID()
		require.True(t, ok)
		assert.Equal(t, int64(-1), id)
	case <-time.After(2 * time.Second):
		t.Fatal("registration echo never dispatched")
	}
	assert.Equal(t, 0, r.PendingCount())
}

func TestSendHasNoCorrelationMetadata(t *testing.T) {
	r, host := newTestRuntime(t)
	require.NoError(t, r.Send("motion", Map(map[string]Value{
		"command": String("set"),
	})))
	msg := host.next()
	assert.Equal(t, "motion", msg.Pump)
	assert.Equal(t, "set", msg.Command())
	assert.False(t, msg.Data.Has("reqid"))
	assert.False(t, msg.Data.Has("reply"))
}

func TestRequestAssignsSequentialIDs(t *testing.T) {
	r, host := newTestRuntime(t)

	p1, err := r.Request("motion", Map(map[string]Value{"command": String("set")}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), p1.ID())
	out1 := host.next()
	assert.Equal(t, int64(1), out1.Data.Get("reqid").AsInt())
	assert.Equal(t, testReplyPump, out1.Data.Get("reply").AsString())

	// The second id is assigned regardless of whether the first has
	// resolved.
	p2, err := r.Request("motion", Map(map[string]Value{"command": String("set")}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), p2.ID())
	assert.Equal(t, int64(2), host.next().Data.Get("reqid").AsInt())
}

func TestRequestRejectsNonMapPayload(t *testing.T) {
	r, _ := newTestRuntime(t)
	_, err := r.Request("motion", Int(5))
	assert.Error(t, err)
}

func TestRequestDoesNotMutateCallerPayload(t *testing.T) {
	r, host := newTestRuntime(t)
	payload := Map(map[string]Value{"command": String("get")})
	_, err := r.Request("motion", payload)
	require.NoError(t, err)
	host.next()
	assert.False(t, payload.Has("reqid"))
	assert.False(t, payload.Has("reply"))
}

func TestResponsesResolveOutOfOrder(t *testing.T) {
	r, host := newTestRuntime(t)

	p1, err := r.Request("motion", Map(map[string]Value{"command": String("get")}))
	require.NoError(t, err)
	p2, err := r.Request("motion", Map(map[string]Value{"command": String("get")}))
	require.NoError(t, err)
	host.next()
	host.next()

	// Respond to 2 first, then 1.
	host.send(testReplyPump, Map(map[string]Value{"reqid": Int(2), "marker": String("second")}))
	host.send(testReplyPump, Map(map[string]Value{"reqid": Int(1), "marker": String("first")}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res1, err := p1.Wait(ctx)
	require.NoError(t, err)
	res2, err := p2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", res1.Data.Get("marker").AsString())
	assert.Equal(t, "second", res2.Data.Get("marker").AsString())
	assert.Equal(t, 0, r.PendingCount())
}

func TestUnmatchedReqIDRoutesToListeners(t *testing.T) {
	r, host := newTestRuntime(t)
	got := make(chan *Message, 1)
	r.Listen(testReplyPump, func(msg *Message) { got <- msg })

	// No pending request carries id 999; this is an ordinary event,
	// not an error.
	host.send(testReplyPump, Map(map[string]Value{"reqid": Int(999), "marker": String("stray")}))

	select {
	case msg := <-got:
		assert.Equal(t, "stray", msg.Data.Get("marker").AsString())
	case <-time.After(2 * time.Second):
		t.Fatal("stray response never dispatched")
	}
}

func TestCommandDispatch(t *testing.T) {
	r, host := newTestRuntime(t)
	got := make(chan Value, 1)
	r.RegisterCommand("wave", func(args Value) { got <- args })

	host.send(testReplyPump, Map(map[string]Value{
		"command": String("wave"),
		"args":    Map(map[string]Value{"n": Int(3)}),
	}))

	select {
	case args := <-got:
		assert.Equal(t, int64(3), args.Get("n").AsInt())
	case <-time.After(2 * time.Second):
		t.Fatal("command never ran")
	}

	assert.True(t, r.DeregisterCommand("wave"))
	assert.False(t, r.DeregisterCommand("wave"))
}

func TestStopCommandStopsRuntime(t *testing.T) {
	r, host := newTestRuntime(t)

	p, err := r.Request("motion", Map(map[string]Value{"command": String("get")}))
	require.NoError(t, err)
	host.next()

	host.send(testCommandPump, Map(map[string]Value{"command": String("stop")}))

	waitErr := make(chan error, 1)
	go func() { waitErr <- r.Wait() }()
	select {
	case err := <-waitErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime never stopped")
	}
	assert.Equal(t, StateStopped, r.State())

	// The outstanding request was cancelled, not forgotten.
	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 0, r.PendingCount())

	// No new sends once stopped.
	assert.ErrorIs(t, r.Send("motion", Map(nil)), ErrStopped)
	_, err = r.Request("motion", Map(nil))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPeerShutdownStopsRuntime(t *testing.T) {
	r, host := newTestRuntime(t)
	host.close()

	waitErr := make(chan error, 1)
	go func() { waitErr <- r.Wait() }()
	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime never noticed peer shutdown")
	}
	assert.Equal(t, StateStopped, r.State())
}

func TestMalformedPayloadSkipsFrameOnly(t *testing.T) {
	r, host := newTestRuntime(t)
	got := make(chan *Message, 1)
	r.Listen(testReplyPump, func(msg *Message) { got <- msg })

	host.sendRaw("this is not notation")
	host.send(testReplyPump, Map(map[string]Value{"marker": String("after")}))

	select {
	case msg := <-got:
		assert.Equal(t, "after", msg.Data.Get("marker").AsString())
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not recover from malformed payload")
	}
	assert.Equal(t, StateReady, r.State())
}

func TestHandshakeMissingFeaturesIsFatal(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	nop := zerolog.Nop()
	r := New(Options{Reader: stdinR, Writer: io.Discard, Logger: &nop})

	go func() {
		fw := NewFrameWriter(stdinW)
		fw.WriteMessage(&Message{
			Pump: testReplyPump,
			Data: Map(map[string]Value{"command": String(testCommandPump)}),
		})
	}()

	err := r.Start()
	var he *HandshakeError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, HandshakeMissingRequiredKey, he.Kind)
	assert.Equal(t, "data.features", he.Key)

	// The loop never reached Ready and never will.
	assert.Equal(t, StateStopped, r.State())
	assert.ErrorIs(t, r.Send("anything", Map(nil)), ErrStopped)
	assert.ErrorAs(t, r.Wait(), &he)
}

func TestCallWithContextTimeout(t *testing.T) {
	r, host := newTestRuntime(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Call(ctx, "motion", Map(map[string]Value{"command": String("get")}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, r.PendingCount())

	// The request itself still went out before the deadline hit.
	out := host.next()
	assert.True(t, out.Data.Has("reqid"))
}

func TestCallResolves(t *testing.T) {
	r, host := newTestRuntime(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		out := host.next()
		id, ok := out.ReqID()
		require.True(t, ok)
		host.send(testReplyPump, Map(map[string]Value{
			"reqid":  Int(id),
			"status": Bool(true),
		}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := r.Call(ctx, "motion", Map(map[string]Value{"command": String("get")}))
	require.NoError(t, err)
	assert.True(t, res.Data.Get("status").AsBool())
	<-done
}

func TestOpsEnvelopes(t *testing.T) {
	r, host := newTestRuntime(t)

	_, err := r.Ping()
	require.NoError(t, err)
	msg := host.next()
	assert.Equal(t, testCommandPump, msg.Pump)
	assert.Equal(t, "ping", msg.Data.Get("op").AsString())
	assert.True(t, msg.Data.Has("reqid"))
	assert.Equal(t, testReplyPump, msg.Data.Get("reply").AsString())

	_, err = r.ListenOn("motion.controller")
	require.NoError(t, err)
	msg = host.next()
	assert.Equal(t, "listen", msg.Data.Get("op").AsString())
	assert.Equal(t, "motion.controller", msg.Data.Get("source").AsString())
	assert.Equal(t, testReplyPump, msg.Data.Get("listener").AsString())

	_, err = r.StopListeningOn("motion.controller")
	require.NoError(t, err)
	msg = host.next()
	assert.Equal(t, "stoplistening", msg.Data.Get("op").AsString())

	_, err = r.GetAPI("agent")
	require.NoError(t, err)
	msg = host.next()
	assert.Equal(t, "getAPI", msg.Data.Get("op").AsString())
	assert.Equal(t, "agent", msg.Data.Get("api").AsString())

	_, err = r.GetFeature("streaming")
	require.NoError(t, err)
	msg = host.next()
	assert.Equal(t, "getFeature", msg.Data.Get("op").AsString())

	name, _, err := r.NewPump("")
	require.NoError(t, err)
	msg = host.next()
	assert.Equal(t, "newpump", msg.Data.Get("op").AsString())
	assert.Equal(t, name, msg.Data.Get("name").AsString())
	_, parseErr := uuid.Parse(name)
	assert.NoError(t, parseErr, "generated pump names are UUIDs")
}

func TestListenersSeeBroadcasts(t *testing.T) {
	r, host := newTestRuntime(t)
	var order []string
	first := make(chan struct{})
	r.Listen("motion.controller", func(msg *Message) { order = append(order, "A") })
	r.Listen("motion.controller", func(msg *Message) {
		order = append(order, "B")
		select {
		case first <- struct{}{}:
		default:
		}
	})

	host.send("motion.controller", Map(map[string]Value{"marker": String("tick")}))
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never arrived")
	}
	// Handlers ran on the loop goroutine in registration order.
	assert.Equal(t, []string{"A", "B"}, order)
}
