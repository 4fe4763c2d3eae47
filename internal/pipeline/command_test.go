package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackCmd(id string) command {
	return command{kind: cmdTrack, track: &trackRequest{id: id, name: "test_event"}}
}

func TestCommandQueue_EnqueueDequeue(t *testing.T) {
	q := newCommandQueue()

	ok := q.Enqueue(trackCmd("evt-1"))
	require.True(t, ok, "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, cmdTrack, got.kind)
	assert.Equal(t, "evt-1", got.track.id)
}

func TestCommandQueue_FIFO(t *testing.T) {
	q := newCommandQueue()

	q.Enqueue(trackCmd("evt-a"))
	q.Enqueue(command{kind: cmdFlush})
	q.Enqueue(trackCmd("evt-b"))

	c1, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "evt-a", c1.track.id)

	c2, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, cmdFlush, c2.kind)

	c3, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "evt-b", c3.track.id)
}

func TestCommandQueue_TryDequeue_Empty(t *testing.T) {
	q := newCommandQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestCommandQueue_Wait_SignalsOnEnqueue(t *testing.T) {
	q := newCommandQueue()

	done := make(chan struct{})
	go func() {
		<-q.Wait()
		close(done)
	}()

	// Give the goroutine time to block.
	time.Sleep(10 * time.Millisecond)

	q.Enqueue(trackCmd("evt-1"))

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("wait did not fire on enqueue")
	}
}

func TestCommandQueue_Close_WakesWaiter(t *testing.T) {
	q := newCommandQueue()

	done := make(chan struct{})
	go func() {
		<-q.Wait()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)

	q.Close()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("wait did not fire after close")
	}
}

func TestCommandQueue_Enqueue_AfterClose(t *testing.T) {
	q := newCommandQueue()
	q.Close()
	q.Close() // idempotent

	ok := q.Enqueue(trackCmd("evt-late"))
	assert.False(t, ok, "enqueue after close should return false")
}

func TestCommandQueue_DrainsAfterClose(t *testing.T) {
	q := newCommandQueue()

	q.Enqueue(trackCmd("evt-1"))
	q.Enqueue(trackCmd("evt-2"))
	q.Close()

	// Commands accepted before close are still dequeued.
	c1, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "evt-1", c1.track.id)

	c2, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "evt-2", c2.track.id)

	_, ok = q.TryDequeue()
	assert.False(t, ok)
}

func TestCommandQueue_Len(t *testing.T) {
	q := newCommandQueue()

	assert.Equal(t, 0, q.Len())

	q.Enqueue(trackCmd("evt-1"))
	assert.Equal(t, 1, q.Len())

	q.Enqueue(trackCmd("evt-2"))
	assert.Equal(t, 2, q.Len())

	q.TryDequeue()
	assert.Equal(t, 1, q.Len())

	q.TryDequeue()
	assert.Equal(t, 0, q.Len())
}

func TestCommandQueue_ThreadSafe(t *testing.T) {
	q := newCommandQueue()

	const producers = 10
	const commandsPerProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < commandsPerProducer; i++ {
				q.Enqueue(command{kind: cmdFlush})
			}
		}()
	}

	received := 0
	consumerDone := make(chan struct{})
	go func() {
		for received < producers*commandsPerProducer {
			if _, ok := q.TryDequeue(); !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			received++
		}
		close(consumerDone)
	}()

	wg.Wait()

	select {
	case <-consumerDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer timeout: received %d commands", received)
	}
}
