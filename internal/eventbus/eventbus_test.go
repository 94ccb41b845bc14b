package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	Name string
	Seq  int
}

func TestPublishSubscribe(t *testing.T) {
	bus := New[event](0)
	a, b := bus.Subscribe(), bus.Subscribe()
	bus.Publish(event{Name: "forecasted", Seq: 1})
	assert.Equal(t, event{Name: "forecasted", Seq: 1}, <-a)
	assert.Equal(t, event{Name: "forecasted", Seq: 1}, <-b)

	bus.Unsubscribe(a)
	_, ok := <-a
	assert.False(t, ok)
	bus.Publish(event{Seq: 2})
	assert.Equal(t, 2, (<-b).Seq)
}

func TestFullBufferDrops(t *testing.T) {
	bus := New[int](2)
	ch := bus.Subscribe()
	for i := 0; i < 5; i++ {
		bus.Publish(i)
	}
	assert.Equal(t, uint64(3), bus.Dropped())
	assert.Equal(t, 0, <-ch)
	assert.Equal(t, 1, <-ch)
}

func TestClose(t *testing.T) {
	bus := New[string](1)
	ch1, ch2 := bus.Subscribe(), bus.Subscribe()
	bus.Close()
	bus.Close()
	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)

	late := bus.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
	require.NotPanics(t, func() {
		bus.Unsubscribe(ch1)
		bus.Publish("ignored")
	})
}
