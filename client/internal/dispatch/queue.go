package dispatch

import (
	"context"
	"sync"

	gods "github.com/Workiva/go-datastructures/queue"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"

	"github.com/jaym/go-orleans-client/message"
)

var ErrQueueClosed = errors.New("outbound queue closed")

// Sender hands a batch of messages to the transport. All messages in a batch
// have the same destination.
type Sender interface {
	Send(ctx context.Context, batch []*message.Message) error
}

type Options struct {
	UseBatching  bool
	MaxBatchSize int
}

// Queue serializes outbound messages onto a single worker. Enqueue never
// blocks. With batching enabled, contiguous runs of messages to the same
// destination are handed to the sender together.
type Queue struct {
	log          logr.Logger
	sender       Sender
	useBatching  bool
	maxBatchSize int

	lock    sync.RWMutex
	started bool
	closed  bool
	items   *gods.Queue
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// closeMarker is the last item put in the queue. Everything before it is
// still sent.
type closeMarker struct{}

func New(log logr.Logger, sender Sender, opts Options) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	maxBatchSize := opts.MaxBatchSize
	if maxBatchSize < 1 {
		maxBatchSize = 1
	}
	return &Queue{
		log:          log,
		sender:       sender,
		useBatching:  opts.UseBatching,
		maxBatchSize: maxBatchSize,
		items:        gods.New(64),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

func (q *Queue) Start() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go q.run()
}

func (q *Queue) Enqueue(msg *message.Message) error {
	q.lock.RLock()
	defer q.lock.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if err := q.items.Put(msg); err != nil {
		return errors.Mark(err, ErrQueueClosed)
	}
	return nil
}

func (q *Queue) Len() int {
	return int(q.items.Len())
}

// Close stops accepting messages and waits for the ones already queued to
// be handed to the sender. If ctx ends first, the remaining messages are
// dropped.
func (q *Queue) Close(ctx context.Context) error {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return q.wait(ctx)
	}
	q.closed = true
	if !q.started {
		q.lock.Unlock()
		dropped := q.items.Dispose()
		if len(dropped) > 0 {
			q.log.Info("outbound queue closed before start", "dropped", len(dropped))
		}
		q.cancel()
		close(q.done)
		return nil
	}
	err := q.items.Put(closeMarker{})
	q.lock.Unlock()
	if err != nil {
		return err
	}
	return q.wait(ctx)
}

func (q *Queue) wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		dropped := q.items.Dispose()
		q.cancel()
		q.log.Info("outbound queue did not drain", "dropped", len(dropped))
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	defer q.cancel()

	for {
		items, err := q.items.Get(1)
		if err != nil {
			return
		}
		msg, ok := items[0].(*message.Message)
		if !ok {
			q.items.Dispose()
			return
		}
		batch := []*message.Message{msg}
		if q.useBatching {
			batch = q.extend(batch)
		}
		q.send(batch)
	}
}

// extend appends the messages at the head of the queue for as long as they
// go to the same destination as the first message of the batch. The worker
// is the only consumer, so a peeked item is still the head when taken.
func (q *Queue) extend(batch []*message.Message) []*message.Message {
	dest := batch[0].Destination()
	for len(batch) < q.maxBatchSize {
		next, err := q.items.Peek()
		if err != nil {
			break
		}
		nextMsg, ok := next.(*message.Message)
		if !ok || nextMsg.Destination() != dest {
			break
		}
		if _, err := q.items.Get(1); err != nil {
			break
		}
		batch = append(batch, nextMsg)
	}
	return batch
}

func (q *Queue) send(batch []*message.Message) {
	if q.log.V(4).Enabled() {
		for _, m := range batch {
			q.log.V(4).Info("sending", "message", m.String(), "destination", m.Destination())
		}
	}
	if err := q.sender.Send(q.ctx, batch); err != nil {
		q.log.Error(err, "failed to hand off messages", "destination", batch[0].Destination(), "count", len(batch))
	}
}
