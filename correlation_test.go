package leap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func responseFor(id int64, marker string) *Message {
	return &Message{
		Pump: "reply-pump",
		Data: Map(map[string]Value{
			"reqid":  Int(id),
			"marker": String(marker),
		}),
	}
}

func TestCorrelationIDsMonotonic(t *testing.T) {
	table := newCorrelationTable()
	assert.Equal(t, int64(1), table.next())
	assert.Equal(t, int64(2), table.next())

	// Resolution never recycles an identifier.
	p := table.track(2)
	require.True(t, table.resolve(responseFor(2, "done")))
	res := <-p.ch
	require.NoError(t, res.err)
	assert.Equal(t, int64(3), table.next())
}

func TestCorrelationOutOfOrderResolution(t *testing.T) {
	table := newCorrelationTable()
	p1 := table.track(table.next())
	p2 := table.track(table.next())

	// Responses arrive 2 then 1; each finds its own originator.
	require.True(t, table.resolve(responseFor(2, "second")))
	require.True(t, table.resolve(responseFor(1, "first")))

	res1 := <-p1.ch
	res2 := <-p2.ch
	assert.Equal(t, "first", res1.msg.Data.Get("marker").AsString())
	assert.Equal(t, "second", res2.msg.Data.Get("marker").AsString())
}

func TestCorrelationUnknownReqIDNotConsumed(t *testing.T) {
	table := newCorrelationTable()
	table.track(table.next())

	assert.False(t, table.resolve(responseFor(999, "stray")))
	assert.False(t, table.resolve(&Message{Pump: "p", Data: Map(nil)}))
	assert.Equal(t, 1, table.count())
}

func TestCorrelationCancelAll(t *testing.T) {
	table := newCorrelationTable()
	p1 := table.track(table.next())
	p2 := table.track(table.next())

	n := table.cancelAll(ErrStopped)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, table.count())

	for _, p := range []*Pending{p1, p2} {
		res := <-p.ch
		assert.ErrorIs(t, res.err, ErrStopped)
	}
}

func TestPendingWaitContextCancel(t *testing.T) {
	table := newCorrelationTable()
	p := table.track(table.next())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// Abandoning the wait removed the table entry: no silent leak.
	assert.Equal(t, 0, table.count())
}

func TestPendingWaitResolvedBeatsDoneContext(t *testing.T) {
	table := newCorrelationTable()
	p := table.track(table.next())
	require.True(t, table.resolve(responseFor(1, "arrived")))

	// The context is already done, but the response already resolved;
	// the caller gets the message, never a cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "arrived", msg.Data.Get("marker").AsString())
}

func TestPendingCancelExplicit(t *testing.T) {
	table := newCorrelationTable()
	p := table.track(table.next())
	p.Cancel()

	msg, err := p.Wait(context.Background())
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, table.count())

	// Cancel after resolution is a no-op.
	p.Cancel()
}
