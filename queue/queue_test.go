package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const defLen = 1000

func TestQueue_Write(t *testing.T) {
	r := require.New(t)
	q := New[int]()
	wg := sync.WaitGroup{}

	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < defLen; i++ {
				r.NoError(q.Write(i))
			}
		}()
	}

	wg.Wait()
	r.Equal(2*defLen, q.Len())
}

func TestQueue_ReadOrder(t *testing.T) {
	r := require.New(t)
	q := New[int]()
	for i := 0; i < defLen; i++ {
		r.NoError(q.Write(i))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < defLen; i++ {
		v, err := q.Read(ctx)
		r.NoError(err)
		r.Equal(i, v)
	}
	r.Zero(q.Len())
}

func TestQueue_ReadBlocks(t *testing.T) {
	r := require.New(t)
	q := New[string]()
	got := make(chan string, 1)
	go func() {
		v, err := q.Read(context.Background())
		if err == nil {
			got <- v
		}
	}()
	time.Sleep(10 * time.Millisecond)
	r.NoError(q.Write("hello"))
	select {
	case v := <-got:
		r.Equal("hello", v)
	case <-time.After(5 * time.Second):
		t.Fatal("reader was not woken up")
	}
}

func TestQueue_ReadContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Read(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Close(t *testing.T) {
	r := require.New(t)
	q := New[[]byte]()
	for i := 0; i < defLen; i++ {
		r.NoError(q.Write([]byte("LOLOLOLLZ")))
	}
	r.Equal(defLen, q.Len())

	c := make(chan struct{})
	go func() {
		defer close(c)
		time.Sleep(10 * time.Millisecond)
		i := 0
		for {
			_, err := q.Read(context.Background())
			if err != nil {
				return
			}
			i++
			if i == defLen {
				t.Error("Finished all queue while close was called midway")
			}
		}
	}()

	// close it right away
	q.Close()
	<-c
	r.ErrorIs(q.Write([]byte("late")), ErrQueueClosed)
}
