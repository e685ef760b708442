package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metapulse/internal/logging"
)

var counterTopic = NewTopic[int]("counter:update")

func TestPublishDeliversSynchronously(t *testing.T) {
	bus := NewBus(logging.Nop())

	var got []int
	Subscribe(bus, counterTopic, func(e Event[int]) {
		assert.Equal(t, "counter:update", e.Topic)
		assert.False(t, e.Timestamp.IsZero())
		got = append(got, e.Payload)
	})

	Publish(bus, counterTopic, 1)
	Publish(bus, counterTopic, 2)

	assert.Equal(t, []int{1, 2}, got)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(logging.Nop())

	calls := 0
	sub := Subscribe(bus, counterTopic, func(Event[int]) { calls++ })
	require.Equal(t, 1, bus.SubscriberCount("counter:update"))

	sub.Unsubscribe()
	sub.Unsubscribe()
	Publish(bus, counterTopic, 1)

	assert.Zero(t, calls)
	assert.Zero(t, bus.SubscriberCount("counter:update"))
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(logging.Nop())

	Subscribe(bus, counterTopic, func(Event[int]) { panic("channel down") })
	delivered := false
	Subscribe(bus, counterTopic, func(Event[int]) { delivered = true })

	require.NotPanics(t, func() { Publish(bus, counterTopic, 7) })
	assert.True(t, delivered)
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus(logging.Nop())
	other := NewTopic[string]("other:update")

	calls := 0
	Subscribe(bus, counterTopic, func(Event[int]) { calls++ })
	Publish(bus, other, "hello")

	assert.Zero(t, calls)
}
