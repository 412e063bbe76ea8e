// ABOUTME: Tests for the job update broadcaster
// ABOUTME: covers subscribe/publish/unsubscribe, slow consumers, and ctx cleanup

package panel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BGirginn/rasp-pi-webUI/internal/store"
)

func TestBroadcaster_PublishReachesSubscriber(t *testing.T) {
	b := NewBroadcaster(testLogger())
	defer b.Close()

	updates, subID := b.Subscribe(context.Background(), JobKey("j1"))
	defer b.Unsubscribe(JobKey("j1"), subID)

	b.Publish(JobKey("j1"), &JobUpdate{
		Event: EventState,
		Job:   &store.Job{ID: "j1", State: "running"},
	})

	select {
	case update := <-updates:
		require.NotNil(t, update.Job)
		assert.Equal(t, EventState, update.Event)
		assert.Equal(t, "j1", update.Job.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestBroadcaster_KeysAreIsolated(t *testing.T) {
	b := NewBroadcaster(testLogger())
	defer b.Close()

	one, id1 := b.Subscribe(context.Background(), JobKey("j1"))
	defer b.Unsubscribe(JobKey("j1"), id1)
	other, id2 := b.Subscribe(context.Background(), JobKey("j2"))
	defer b.Unsubscribe(JobKey("j2"), id2)

	b.Publish(JobKey("j1"), &JobUpdate{Event: EventState})

	select {
	case <-one:
	case <-time.After(time.Second):
		t.Fatal("subscriber on published key got nothing")
	}
	select {
	case update := <-other:
		t.Fatalf("unexpected update on other key: %+v", update)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_AllJobsKeyFansOut(t *testing.T) {
	b := NewBroadcaster(testLogger())
	defer b.Close()

	first, id1 := b.Subscribe(context.Background(), AllJobsKey)
	second, id2 := b.Subscribe(context.Background(), AllJobsKey)
	defer b.Unsubscribe(AllJobsKey, id1)
	defer b.Unsubscribe(AllJobsKey, id2)

	b.Publish(AllJobsKey, &JobUpdate{Event: EventCreated})

	for _, ch := range []<-chan *JobUpdate{first, second} {
		select {
		case update := <-ch:
			assert.Equal(t, EventCreated, update.Event)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out")
		}
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroadcaster(testLogger())
	defer b.Close()

	_, subID := b.Subscribe(context.Background(), AllJobsKey)
	defer b.Unsubscribe(AllJobsKey, subID)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(AllJobsKey, &JobUpdate{Event: EventLogs})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(testLogger())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	b.Subscribe(ctx, JobKey("j1"))
	require.Equal(t, 1, b.SubscriberCount(JobKey("j1")))

	cancel()

	require.Eventually(t, func() bool {
		return b.SubscriberCount(JobKey("j1")) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_UnsubscribePrunesKey(t *testing.T) {
	b := NewBroadcaster(testLogger())
	defer b.Close()

	updates, subID := b.Subscribe(context.Background(), JobKey("j1"))
	b.Unsubscribe(JobKey("j1"), subID)

	assert.Equal(t, 0, b.SubscriberCount(JobKey("j1")))
	_, open := <-updates
	assert.False(t, open, "channel should be closed after unsubscribe")
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(testLogger())
	defer b.Close()

	// Publishing while subscribers churn must never send on a closed
	// channel. Receivers drain so the buffers stay clear.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(JobKey("j1"), &JobUpdate{Event: EventState})
			}
		}
	}()

	for i := 0; i < 500; i++ {
		ch, subID := b.Subscribe(context.Background(), JobKey("j1"))
		go func() {
			for range ch {
			}
		}()
		b.Unsubscribe(JobKey("j1"), subID)
	}

	close(stop)
	wg.Wait()
	assert.Equal(t, 0, b.SubscriberCount(JobKey("j1")))
}

func TestBroadcaster_PublishWithoutSubscribersIsNoop(t *testing.T) {
	b := NewBroadcaster(testLogger())
	defer b.Close()

	// Must not panic or block.
	b.Publish(AllJobsKey, &JobUpdate{Event: EventState})
}
