package realtime_test

import (
	"sync"
	"testing"

	"github.com/d9705996/logexpert/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_PublishToTopicSubscribers(t *testing.T) {
	r := realtime.NewRegistry(4, nil)
	all := r.Subscribe(realtime.TopicIncidents)
	one := r.Subscribe(realtime.IncidentTopic("i1"))
	defer all.Close()
	defer one.Close()

	n := r.Publish(realtime.Event{Topic: realtime.TopicIncidents, Type: "created"})
	assert.Equal(t, 1, n)
	n = r.Publish(realtime.Event{Topic: realtime.IncidentTopic("i1"), Type: "resolved"})
	assert.Equal(t, 1, n)

	ev := <-all.Events()
	assert.Equal(t, "created", ev.Type)
	assert.False(t, ev.Timestamp.IsZero())
	ev = <-one.Events()
	assert.Equal(t, "resolved", ev.Type)
}

func TestRegistry_CloseUnregistersAndClosesChannel(t *testing.T) {
	r := realtime.NewRegistry(1, nil)
	sub := r.Subscribe("a", "b")
	require.Equal(t, 1, r.Subscribers("a"))

	sub.Close()
	sub.Close()

	assert.Equal(t, 0, r.Subscribers("a"))
	assert.Equal(t, 0, r.Subscribers("b"))
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Equal(t, 0, r.Publish(realtime.Event{Topic: "a"}))
}

func TestRegistry_FullBufferDropsWithoutBlocking(t *testing.T) {
	r := realtime.NewRegistry(1, nil)
	sub := r.Subscribe("a")
	defer sub.Close()

	assert.Equal(t, 1, r.Publish(realtime.Event{Topic: "a", Type: "first"}))
	assert.Equal(t, 0, r.Publish(realtime.Event{Topic: "a", Type: "second"}))
	assert.Equal(t, "first", (<-sub.Events()).Type)
}

func TestRegistry_ConcurrentPublishAndClose(t *testing.T) {
	r := realtime.NewRegistry(8, nil)
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(2)
		sub := r.Subscribe("a")
		go func() {
			defer wg.Done()
			r.Publish(realtime.Event{Topic: "a"})
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Subscribers("a"))
}
