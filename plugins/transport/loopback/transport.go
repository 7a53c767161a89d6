package loopback

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/jaym/go-orleans-client/client/services/cluster"
	"github.com/jaym/go-orleans-client/message"
)

// Handler plays the cluster side. It is called for every batch sent by the
// client and may answer with deliver, now or later.
type Handler func(batch []*message.Message, deliver func(*message.Message))

// Transport connects a client to a Handler in the same process.
type Transport struct {
	log     logr.Logger
	handler Handler

	lock    sync.Mutex
	closed  bool
	batches [][]*message.Message

	inbox     chan *message.Message
	closeChan chan struct{}
}

var _ cluster.Transport = (*Transport)(nil)

func New(log logr.Logger, handler Handler) *Transport {
	return &Transport{
		log:       log.WithName("loopback-transport"),
		handler:   handler,
		inbox:     make(chan *message.Message, 1024),
		closeChan: make(chan struct{}),
	}
}

func (t *Transport) Send(ctx context.Context, batch []*message.Message) error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return cluster.ErrTransportClosed
	}
	t.batches = append(t.batches, batch)
	t.lock.Unlock()

	if t.handler != nil {
		t.handler(batch, t.Deliver)
	}
	return nil
}

// Deliver hands msg to the client as if it came from the cluster.
func (t *Transport) Deliver(msg *message.Message) {
	select {
	case t.inbox <- msg:
	case <-t.closeChan:
		t.log.V(1).Info("dropping message for closed transport", "message", msg.String())
	}
}

func (t *Transport) Receive(ctx context.Context) (*message.Message, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.closeChan:
		return nil, cluster.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) Close(ctx context.Context) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.closed {
		t.closed = true
		close(t.closeChan)
	}
	return nil
}

// Batches returns every batch sent so far.
func (t *Transport) Batches() [][]*message.Message {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([][]*message.Message(nil), t.batches...)
}

// Sent returns every message sent so far in order.
func (t *Transport) Sent() []*message.Message {
	t.lock.Lock()
	defer t.lock.Unlock()
	var out []*message.Message
	for _, b := range t.batches {
		out = append(out, b...)
	}
	return out
}
