package leap

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pumpMessage(pump string) *Message {
	return &Message{Pump: pump, Data: Map(map[string]Value{"x": Int(1)})}
}

func TestRegistryDispatchOrder(t *testing.T) {
	pr := newPumpRegistry(zerolog.Nop())
	var order []string
	pr.listen("motion", func(*Message) { order = append(order, "A") })
	pr.listen("motion", func(*Message) { order = append(order, "B") })

	n := pr.dispatch(pumpMessage("motion"))
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"A", "B"}, order)

	// Same order on every delivery.
	pr.dispatch(pumpMessage("motion"))
	assert.Equal(t, []string{"A", "B", "A", "B"}, order)
}

func TestRegistryStopListening(t *testing.T) {
	pr := newPumpRegistry(zerolog.Nop())
	var hits []string
	subA := pr.listen("motion", func(*Message) { hits = append(hits, "A") })
	pr.listen("motion", func(*Message) { hits = append(hits, "B") })

	require.True(t, pr.stopListening(subA))
	pr.dispatch(pumpMessage("motion"))
	assert.Equal(t, []string{"B"}, hits)

	// Removing twice reports false.
	assert.False(t, pr.stopListening(subA))
}

func TestRegistryDispatchToNobodyIsSilent(t *testing.T) {
	pr := newPumpRegistry(zerolog.Nop())
	sub := pr.listen("motion", func(*Message) { t.Fatal("should not run") })
	require.True(t, pr.stopListening(sub))

	// Last handler gone: the message dispatches to nothing, which is
	// not an error. The host owns pump existence, not this side.
	assert.Equal(t, 0, pr.dispatch(pumpMessage("motion")))
	assert.Equal(t, 0, pr.dispatch(pumpMessage("never-registered")))
}

func TestRegistryHandlerPanicIsolated(t *testing.T) {
	pr := newPumpRegistry(zerolog.Nop())
	var after bool
	pr.listen("motion", func(*Message) { panic("handler exploded") })
	pr.listen("motion", func(*Message) { after = true })

	assert.NotPanics(t, func() { pr.dispatch(pumpMessage("motion")) })
	// The failure stayed inside one handler.
	assert.True(t, after)
}

func TestRegistryRemoveDuringDispatch(t *testing.T) {
	pr := newPumpRegistry(zerolog.Nop())
	var sub *PumpSubscription
	var count int
	sub = pr.listen("motion", func(*Message) {
		count++
		pr.stopListening(sub)
	})

	pr.dispatch(pumpMessage("motion"))
	pr.dispatch(pumpMessage("motion"))
	assert.Equal(t, 1, count)
}

func TestRegistryClear(t *testing.T) {
	pr := newPumpRegistry(zerolog.Nop())
	pr.listen("a", func(*Message) { t.Fatal("cleared handler ran") })
	pr.listen("b", func(*Message) { t.Fatal("cleared handler ran") })
	pr.clear()
	assert.Equal(t, 0, pr.dispatch(pumpMessage("a")))
	assert.Equal(t, 0, pr.dispatch(pumpMessage("b")))
}
