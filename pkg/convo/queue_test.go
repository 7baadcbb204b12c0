package convo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialQueue_RunsTasksInOrder(t *testing.T) {
	q := newSerialQueue(zerolog.Nop())
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var dones []<-chan error
	for i := 1; i <= 5; i++ {
		i := i
		dones = append(dones, q.Enqueue("task", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, done := range dones {
		require.NoError(t, <-done)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestSerialQueue_NeverConcurrent(t *testing.T) {
	q := newSerialQueue(zerolog.Nop())
	defer q.Close()

	var running, maxRunning int
	var mu sync.Mutex
	var dones []<-chan error
	for i := 0; i < 20; i++ {
		dones = append(dones, q.Enqueue("task", func(ctx context.Context) error {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		}))
	}
	for _, done := range dones {
		require.NoError(t, <-done)
	}
	assert.Equal(t, 1, maxRunning)
}

func TestSerialQueue_ReportsTaskError(t *testing.T) {
	q := newSerialQueue(zerolog.Nop())
	defer q.Close()

	boom := errors.New("boom")
	err := <-q.Enqueue("failing", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestSerialQueue_CloseDrainsThenRejects(t *testing.T) {
	q := newSerialQueue(zerolog.Nop())

	ran := false
	done := q.Enqueue("last", func(ctx context.Context) error {
		ran = true
		return nil
	})
	q.Close()

	require.NoError(t, <-done)
	assert.True(t, ran)

	err := <-q.Enqueue("late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
}
