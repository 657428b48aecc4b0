package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TopicMonitorEvent, Data: "x"})

	ea := <-a
	ec := <-c
	assert.Equal(t, TopicMonitorEvent, ea.Type)
	assert.Equal(t, "x", ec.Data)
	assert.False(t, ea.Time.IsZero())
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	e := <-ch
	assert.Equal(t, "a", e.Type)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %q", extra.Type)
	default:
	}
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestSubscribeFiltersTopics(t *testing.T) {
	t.Parallel()
	b := New()
	states, unsub := b.Subscribe(4, TopicStateChanged)
	defer unsub()

	b.Publish(Event{Type: TopicMonitorEvent, Data: 1})
	b.Publish(Event{Type: TopicStateChanged, Data: 2})

	e := <-states
	assert.Equal(t, 2, e.Data)
	select {
	case extra := <-states:
		t.Fatalf("unexpected event %q", extra.Type)
	default:
	}
	assert.Zero(t, b.Dropped(), "filtered events are not drops")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: "after"})
}
