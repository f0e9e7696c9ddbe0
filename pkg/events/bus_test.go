package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishReachesSubscribers(t *testing.T) {
	b := NewBus()
	var got []Event
	b.Subscribe(TopicOrderFilled, func(ev Event) { got = append(got, ev) })

	b.Publish(TopicOrderFilled, 42)
	b.Publish(TopicOrderCancelled, 1) // different topic, not delivered

	assert.Len(t, got, 1)
	assert.Equal(t, TopicOrderFilled, got[0].Topic)
	assert.Equal(t, 42, got[0].Payload)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	calls := 0
	id := b.Subscribe(TopicOrderPlaced, func(Event) { calls++ })
	b.Publish(TopicOrderPlaced, nil)
	b.Unsubscribe(TopicOrderPlaced, id)
	b.Publish(TopicOrderPlaced, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.SubscriberCount(TopicOrderPlaced))
}

func TestBus_HandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	b := NewBus()
	var id int
	calls := 0
	id = b.Subscribe(TopicEngineStopped, func(Event) {
		calls++
		b.Unsubscribe(TopicEngineStopped, id)
	})

	b.Publish(TopicEngineStopped, nil)
	b.Publish(TopicEngineStopped, nil)
	assert.Equal(t, 1, calls)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	seen := 0
	b.Subscribe(TopicOrderPartial, func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(TopicOrderPartial, nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, seen)
}
