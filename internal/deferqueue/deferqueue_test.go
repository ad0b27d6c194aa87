package deferqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	t.Run("actions run in deadline order", func(t *testing.T) {
		assert := require.New(t)
		q := New(Config{Workers: 1})
		q.Start()
		defer q.Stop()

		out := make(chan int, 3)
		q.OnTimeout(60*time.Millisecond, func() { out <- 3 })
		q.OnTimeout(20*time.Millisecond, func() { out <- 1 })
		q.OnTimeout(40*time.Millisecond, func() { out <- 2 })

		for _, exp := range []int{1, 2, 3} {
			select {
			case v := <-out:
				assert.Equal(exp, v)
			case <-time.After(time.Second):
				t.Fatal("timeout")
			}
		}
		assert.Equal(0, q.Len())
	})

	t.Run("zero delay", func(t *testing.T) {
		q := New(Config{})
		q.Start()
		defer q.Stop()

		done := make(chan struct{})
		q.OnTimeout(0, func() { close(done) })

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	})

	t.Run("cancel", func(t *testing.T) {
		assert := require.New(t)
		q := New(Config{})
		q.Start()
		defer q.Stop()

		cancelled := make(chan struct{}, 1)
		done := make(chan struct{})

		h := q.OnTimeout(30*time.Millisecond, func() { cancelled <- struct{}{} })
		q.OnTimeout(60*time.Millisecond, func() { close(done) })
		assert.Equal(2, q.Len())
		assert.True(q.Cancel(h))
		assert.False(q.Cancel(h))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
		assert.Len(cancelled, 0)
	})

	t.Run("cancel after fire", func(t *testing.T) {
		assert := require.New(t)
		q := New(Config{})
		q.Start()
		defer q.Stop()

		done := make(chan struct{})
		h := q.OnTimeout(0, func() { close(done) })

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
		assert.False(q.Cancel(h))
	})

	t.Run("panics are recovered", func(t *testing.T) {
		q := New(Config{Workers: 1})
		q.Start()
		defer q.Stop()

		done := make(chan struct{})
		q.OnTimeout(0, func() { panic("boom") })
		q.OnTimeout(10*time.Millisecond, func() { close(done) })

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	})

	t.Run("bounded channel", func(t *testing.T) {
		assert := require.New(t)
		q := New(Config{Workers: 1, QueueDepth: 1})
		q.Start()

		release := make(chan struct{})
		var mu sync.Mutex
		var count int

		for i := 0; i < 5; i++ {
			q.OnTimeout(0, func() {
				<-release
				mu.Lock()
				count++
				mu.Unlock()
			})
		}

		// one action is running, one is buffered and the timer go-routine
		// blocks on the third
		assert.Eventually(func() bool { return q.Len() == 2 }, time.Second, 5*time.Millisecond)

		close(release)
		assert.Eventually(func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
		q.Stop()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(5, count)
	})

	t.Run("stop discards pending", func(t *testing.T) {
		assert := require.New(t)
		q := New(Config{})
		q.Start()

		ran := make(chan struct{}, 1)
		q.OnTimeout(time.Hour, func() { ran <- struct{}{} })
		q.Stop()

		assert.Equal(0, q.Len())
		assert.Len(ran, 0)

		// no-op after stop
		q.OnTimeout(0, func() { ran <- struct{}{} })
		assert.Equal(0, q.Len())
	})
}
