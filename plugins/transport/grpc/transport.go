package grpc

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/flowchartsman/retry"
	"github.com/go-logr/logr"
	"go.uber.org/atomic"
	ggrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jaym/go-orleans-client/client/services/cluster"
	"github.com/jaym/go-orleans-client/grain"
	"github.com/jaym/go-orleans-client/message"
	"github.com/jaym/go-orleans-client/plugins/codec"
)

type transportOptions struct {
	serializer  codec.Serializer
	dialOptions []ggrpc.DialOption
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	inboxSize   int
}

type TransportOption func(*transportOptions)

func WithSerializer(s codec.Serializer) TransportOption {
	return func(o *transportOptions) {
		o.serializer = s
	}
}

// WithDialOptions replaces the default insecure credentials.
func WithDialOptions(opts ...ggrpc.DialOption) TransportOption {
	return func(o *transportOptions) {
		o.dialOptions = opts
	}
}

// WithConnectRetry sets how often connecting to a gateway is attempted
// before a batch is failed.
func WithConnectRetry(maxRetries int, initialDelay, maxDelay time.Duration) TransportOption {
	return func(o *transportOptions) {
		o.maxRetries = maxRetries
		o.retryDelay = initialDelay
		o.maxDelay = maxDelay
	}
}

// Transport connects a client to one gateway silo over a bidirectional
// gRPC stream. When the stream breaks, the next Send picks a gateway again.
type Transport struct {
	log      logr.Logger
	opts     transportOptions
	gateways cluster.GatewayListProvider

	lock    sync.Mutex
	conn    *ggrpc.ClientConn
	stream  ggrpc.ClientStream
	cancel  context.CancelFunc
	gateway grain.SiloAddress
	next    int

	inbox     chan *message.Message
	closed    atomic.Bool
	closeChan chan struct{}
	wg        sync.WaitGroup
}

var _ cluster.Transport = (*Transport)(nil)

func New(log logr.Logger, gateways cluster.GatewayListProvider, opts ...TransportOption) *Transport {
	o := transportOptions{
		maxRetries: 3,
		retryDelay: 50 * time.Millisecond,
		maxDelay:   time.Second,
		inboxSize:  128,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.serializer == nil {
		o.serializer = codec.NewCBOR()
	}
	if o.dialOptions == nil {
		o.dialOptions = []ggrpc.DialOption{ggrpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Transport{
		log:       log.WithName("grpc-transport"),
		opts:      o,
		gateways:  gateways,
		inbox:     make(chan *message.Message, o.inboxSize),
		closeChan: make(chan struct{}),
	}
}

func (t *Transport) Send(ctx context.Context, batch []*message.Message) error {
	if t.closed.Load() {
		return cluster.ErrTransportClosed
	}
	data, err := encodeBatch(ctx, t.opts.serializer, batch)
	if err != nil {
		t.failBatch(batch, err)
		return err
	}

	stream, err := t.connect(ctx)
	if err != nil {
		t.failBatch(batch, err)
		return err
	}

	t.lock.Lock()
	err = sendFrame(stream, data)
	t.lock.Unlock()
	if err != nil {
		t.log.Error(err, "failed to send batch", "size", len(batch))
		t.reset(stream)
		t.failBatch(batch, err)
		return errors.Wrap(err, "failed to send batch")
	}
	t.log.V(5).Info("sent batch", "size", len(batch))
	return nil
}

// failBatch answers every request of a batch that never left the process
// with a transient rejection, so the caller may resend it elsewhere.
func (t *Transport) failBatch(batch []*message.Message, cause error) {
	for _, m := range batch {
		if m.Direction != message.DirectionRequest {
			continue
		}
		rejection := m.CreateRejection(message.RejectionTransient, "failed to send to gateway: "+cause.Error())
		t.deliver(rejection)
	}
}

func (t *Transport) deliver(m *message.Message) {
	select {
	case t.inbox <- m:
	case <-t.closeChan:
	}
}

func (t *Transport) connect(ctx context.Context) (ggrpc.ClientStream, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.stream != nil {
		return t.stream, nil
	}

	retrier := retry.NewRetrier(t.opts.maxRetries, t.opts.retryDelay, t.opts.maxDelay)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		gateways, err := t.gateways.Gateways(ctx)
		if err != nil {
			return err
		}
		if len(gateways) == 0 {
			return cluster.ErrNoGateways
		}
		gw := gateways[t.next%len(gateways)]
		t.next++
		return t.dial(ctx, gw)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to a gateway")
	}
	return t.stream, nil
}

func (t *Transport) dial(ctx context.Context, gw grain.SiloAddress) error {
	log := t.log.WithValues("gateway", gw.String())
	log.Info("Connecting to gateway", "addr", gw.Endpoint())
	cc, err := ggrpc.DialContext(ctx, gw.Endpoint(), t.opts.dialOptions...)
	if err != nil {
		log.Error(err, "failed to dial")
		return err
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := cc.NewStream(streamCtx, &gatewayServiceDesc.Streams[0], connectMethod)
	if err != nil {
		cancel()
		cc.Close()
		log.Error(err, "failed to start stream")
		return err
	}
	t.conn = cc
	t.stream = stream
	t.cancel = cancel
	t.gateway = gw

	t.wg.Add(1)
	go t.receiveLoop(log, stream)
	return nil
}

func (t *Transport) receiveLoop(log logr.Logger, stream ggrpc.ClientStream) {
	defer t.wg.Done()
	for {
		data, err := recvFrame(stream)
		if err != nil {
			if t.closed.Load() {
				return
			}
			if err != io.EOF {
				log.Error(err, "gateway stream failed")
			} else {
				log.Info("gateway closed the stream")
			}
			t.reset(stream)
			return
		}
		msgs, err := decodeBatch(context.Background(), t.opts.serializer, data)
		if err != nil {
			log.Error(err, "dropping undecodable batch")
			continue
		}
		for _, m := range msgs {
			t.deliver(m)
		}
	}
}

// reset drops stream if it is still the current one.
func (t *Transport) reset(stream ggrpc.ClientStream) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.stream != stream {
		return
	}
	t.closeConnLocked()
}

func (t *Transport) closeConnLocked() {
	if t.stream != nil {
		_ = t.stream.CloseSend()
		t.stream = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			t.log.V(1).Info("failed to close connection", "error", err.Error())
		}
		t.conn = nil
	}
	t.gateway = grain.SiloAddress{}
}

// Gateway is the silo the transport is connected to, if any.
func (t *Transport) Gateway() grain.SiloAddress {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.gateway
}

func (t *Transport) Receive(ctx context.Context) (*message.Message, error) {
	select {
	case m := <-t.inbox:
		return m, nil
	case <-t.closeChan:
		return nil, cluster.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.log.V(0).Info("Stopping transport")
	close(t.closeChan)

	t.lock.Lock()
	t.closeConnLocked()
	t.lock.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
