package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jaym/go-orleans-client/client/internal/dispatch"
	"github.com/jaym/go-orleans-client/grain"
	"github.com/jaym/go-orleans-client/message"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSender struct {
	lock    sync.Mutex
	batches [][]*message.Message
	block   chan struct{}
	err     error
}

func (s *recordingSender) Send(ctx context.Context, batch []*message.Message) error {
	if s.block != nil {
		<-s.block
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

func (s *recordingSender) Batches() [][]*message.Message {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([][]*message.Message(nil), s.batches...)
}

var (
	siloX = grain.SiloAddress{Host: "x", Port: 1}
	siloY = grain.SiloAddress{Host: "y", Port: 1}
)

func newMessage(dest grain.SiloAddress) *message.Message {
	return &message.Message{
		ID:          message.NewCorrelationID(),
		Direction:   message.DirectionRequest,
		TargetGrain: grain.NewIntegerIdentity(1, 1),
		TargetSilo:  dest,
	}
}

func ids(batch []*message.Message) []message.CorrelationID {
	out := make([]message.CorrelationID, len(batch))
	for i := range batch {
		out[i] = batch[i].ID
	}
	return out
}

func TestBatching(t *testing.T) {
	t.Run("only contiguous runs are coalesced", func(t *testing.T) {
		sender := &recordingSender{}
		q := dispatch.New(logr.Discard(), sender, dispatch.Options{UseBatching: true, MaxBatchSize: 10})

		a, b, c, d := newMessage(siloX), newMessage(siloX), newMessage(siloY), newMessage(siloX)
		for _, m := range []*message.Message{a, b, c, d} {
			require.NoError(t, q.Enqueue(m))
		}
		q.Start()
		require.NoError(t, q.Close(context.Background()))

		batches := sender.Batches()
		require.Len(t, batches, 3)
		require.Equal(t, []message.CorrelationID{a.ID, b.ID}, ids(batches[0]))
		require.Equal(t, []message.CorrelationID{c.ID}, ids(batches[1]))
		require.Equal(t, []message.CorrelationID{d.ID}, ids(batches[2]))
	})

	t.Run("batches are capped", func(t *testing.T) {
		sender := &recordingSender{}
		q := dispatch.New(logr.Discard(), sender, dispatch.Options{UseBatching: true, MaxBatchSize: 2})
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Enqueue(newMessage(siloX)))
		}
		q.Start()
		require.NoError(t, q.Close(context.Background()))

		batches := sender.Batches()
		require.Len(t, batches, 3)
		require.Len(t, batches[0], 2)
		require.Len(t, batches[1], 2)
		require.Len(t, batches[2], 1)
	})

	t.Run("without batching every message is its own unit", func(t *testing.T) {
		sender := &recordingSender{}
		q := dispatch.New(logr.Discard(), sender, dispatch.Options{})
		for i := 0; i < 3; i++ {
			require.NoError(t, q.Enqueue(newMessage(siloX)))
		}
		q.Start()
		require.NoError(t, q.Close(context.Background()))
		require.Len(t, sender.Batches(), 3)
	})
}

func TestQueue(t *testing.T) {
	t.Run("close drains what was queued", func(t *testing.T) {
		sender := &recordingSender{block: make(chan struct{})}
		q := dispatch.New(logr.Discard(), sender, dispatch.Options{})
		q.Start()

		for i := 0; i < 4; i++ {
			require.NoError(t, q.Enqueue(newMessage(siloX)))
		}

		closed := make(chan error)
		go func() {
			closed <- q.Close(context.Background())
		}()
		accepted := 0
		require.Eventually(t, func() bool {
			err := q.Enqueue(newMessage(siloX))
			if err == nil {
				accepted++
			}
			return errors.Is(err, dispatch.ErrQueueClosed)
		}, time.Second, time.Millisecond)

		close(sender.block)
		require.NoError(t, <-closed)
		require.Len(t, sender.Batches(), 4+accepted)
	})

	t.Run("send errors do not stop the worker", func(t *testing.T) {
		sender := &recordingSender{err: errors.New("transport down")}
		q := dispatch.New(logr.Discard(), sender, dispatch.Options{})
		q.Start()
		require.NoError(t, q.Enqueue(newMessage(siloX)))
		require.NoError(t, q.Enqueue(newMessage(siloY)))
		require.NoError(t, q.Close(context.Background()))
		require.Len(t, sender.Batches(), 2)
	})

	t.Run("close gives up when the context ends", func(t *testing.T) {
		sender := &recordingSender{block: make(chan struct{})}
		q := dispatch.New(logr.Discard(), sender, dispatch.Options{})
		q.Start()
		require.NoError(t, q.Enqueue(newMessage(siloX)))
		require.NoError(t, q.Enqueue(newMessage(siloX)))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)

		close(sender.block)
		require.NoError(t, q.Close(context.Background()))
		require.LessOrEqual(t, len(sender.Batches()), 1)
	})

	t.Run("close before start", func(t *testing.T) {
		q := dispatch.New(logr.Discard(), &recordingSender{}, dispatch.Options{})
		require.NoError(t, q.Enqueue(newMessage(siloX)))
		require.NoError(t, q.Close(context.Background()))
		require.True(t, errors.Is(q.Enqueue(newMessage(siloX)), dispatch.ErrQueueClosed))
	})
}
