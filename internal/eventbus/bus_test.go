package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: JobExecuted, Job: "jobA"})

	ea := <-a
	ec := <-c
	assert.Equal(t, "jobA", ea.Job)
	assert.Equal(t, ea, ec)
	assert.False(t, ea.Time.IsZero())

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)
	b.Publish(Event{Type: JobVetoed})
	assert.Equal(t, JobVetoed, (<-c).Type)
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: JobExecuted})
	b.Publish(Event{Type: JobExecuted})
	b.Publish(Event{Type: JobExecuted})
	assert.Equal(t, uint64(2), b.Dropped())
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Event{Type: JobExecuted})
			}
		}()
		go func() {
			defer wg.Done()
			_, unsub := b.Subscribe(2)
			unsub()
		}()
	}
	wg.Wait()
}

func TestNilBusPublish(t *testing.T) {
	t.Parallel()
	var b *Bus
	require.NotPanics(t, func() { b.Publish(Event{Type: JobExecuted}) })
}

func TestRecentKeepsNewest(t *testing.T) {
	t.Parallel()
	r := NewRecent(2)
	r.Add(Event{Job: "a"})
	r.Add(Event{Job: "b"})
	r.Add(Event{Job: "c"})
	items := r.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].Job)
	assert.Equal(t, "c", items[1].Job)
}
