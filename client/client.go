package client

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/jaym/go-orleans-client/client/internal/callback"
	"github.com/jaym/go-orleans-client/client/internal/dispatch"
	"github.com/jaym/go-orleans-client/client/internal/localobject"
	"github.com/jaym/go-orleans-client/client/services/cluster"
	"github.com/jaym/go-orleans-client/client/telemetry"
	"github.com/jaym/go-orleans-client/grain"
	"github.com/jaym/go-orleans-client/message"
	"github.com/jaym/go-orleans-client/plugins/codec"
)

// Client is the runtime of a process that calls into the cluster from the
// outside. It sends calls through a transport, correlates the responses and
// hosts local objects that the cluster can call back.
type Client struct {
	log                logr.Logger
	id                 grain.Identity
	clock              clock.Clock
	serializer         codec.Serializer
	transport          cluster.Transport
	membershipProtocol cluster.MembershipProtocol
	typeResolver       TypeResolver
	metrics            *telemetry.Metrics

	configLock sync.RWMutex
	config     Config

	outbound  *dispatch.Queue
	callbacks *callback.Table
	objects   *localobject.Registry

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func New(log logr.Logger, transport cluster.Transport, opts ...ClientOption) (*Client, error) {
	options := clientOptions{}
	for _, o := range opts {
		o(&options)
	}

	config := options.Config()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewMetrics(options.meterProvider)
	if err != nil {
		return nil, err
	}

	c := &Client{
		log:                log.WithName("client"),
		id:                 options.Identity(),
		clock:              options.Clock(),
		serializer:         options.Serializer(),
		transport:          transport,
		membershipProtocol: options.membershipProtocol,
		typeResolver:       options.TypeResolver(),
		metrics:            metrics,
		config:             config,
		callbacks:          callback.NewTable(),
	}
	c.log = c.log.WithValues("clientId", c.id.String())

	c.outbound = dispatch.New(c.log.WithName("outbound-queue"), transport, dispatch.Options{
		UseBatching:  config.UseMessageBatching,
		MaxBatchSize: config.MaxMessageBatchingSize,
	})
	c.objects = localobject.NewRegistry(localobject.Config{
		Log:         c.log.WithName("local-objects"),
		Clock:       c.clock,
		Serializer:  c.serializer,
		Respond:     c.outbound.Enqueue,
		DropExpired: config.DropExpiredMessages,
	})
	return c, nil
}

func (c *Client) Identity() grain.Identity {
	return c.id
}

func (c *Client) Config() Config {
	c.configLock.RLock()
	defer c.configLock.RUnlock()
	return c.config
}

func (c *Client) ResponseTimeout() time.Duration {
	return c.Config().ResponseTimeout
}

// SetResponseTimeout changes the default timeout of calls made from now on.
func (c *Client) SetResponseTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.WithDetailf(ErrInvalidConfig, "response timeout must be positive, got %s", d)
	}
	c.configLock.Lock()
	defer c.configLock.Unlock()
	c.config.ResponseTimeout = d
	return nil
}

// OutstandingRequests is the number of calls waiting for an outcome.
func (c *Client) OutstandingRequests() int {
	return c.callbacks.Len()
}

func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.outbound.Start()

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return c.receiveLoop(gctx)
	})
	c.group = g

	if c.membershipProtocol != nil {
		err := c.membershipProtocol.Start(ctx, &cluster.MembershipDelegateCallbacks{
			NotifyJoinFunc: func(n cluster.Node) {
				c.log.V(1).Info("node joined", "node", n.Name, "silo", n.Silo)
			},
			NotifyLeaveFunc: func(n cluster.Node) {
				c.log.V(0).Info("node left", "node", n.Name, "silo", n.Silo)
				if !n.Silo.IsZero() {
					c.BreakOutstandingMessagesToDeadSilo(n.Silo)
				}
			},
		})
		if err != nil {
			return errors.Wrap(err, "failed to start membership protocol")
		}
	}

	c.log.V(0).Info("client started")
	return nil
}

// Stop fails every outstanding call with ErrClientStopped, drains the
// outbound queue and closes the transport.
func (c *Client) Stop(ctx context.Context) error {
	if !c.started.Load() || !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	var errs error
	if c.membershipProtocol != nil {
		if err := c.membershipProtocol.Leave(ctx); err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, "failed to leave membership"))
		}
	}

	if n := c.callbacks.RejectAll(ErrClientStopped); n > 0 {
		c.log.V(1).Info("rejected outstanding requests", "count", n)
	}

	if err := c.objects.Close(ctx); err != nil {
		errs = multierror.Append(errs, errors.Wrap(err, "failed to stop local objects"))
	}
	if err := c.outbound.Close(ctx); err != nil {
		errs = multierror.Append(errs, errors.Wrap(err, "failed to drain outbound queue"))
	}
	if err := c.transport.Close(ctx); err != nil {
		errs = multierror.Append(errs, errors.Wrap(err, "failed to close transport"))
	}

	c.cancel()
	if err := c.group.Wait(); err != nil {
		errs = multierror.Append(errs, err)
	}

	c.log.V(0).Info("client stopped")
	return errs
}

func (c *Client) receiveLoop(ctx context.Context) error {
	for {
		msg, err := c.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, cluster.ErrTransportClosed) {
				return nil
			}
			c.log.Error(err, "failed to receive message")
			return errors.Wrap(err, "receive failed")
		}
		c.dispatchInbound(msg)
	}
}

func (c *Client) dispatchInbound(msg *message.Message) {
	c.log.V(4).Info("received", "message", msg.String())
	switch msg.Direction {
	case message.DirectionResponse:
		c.receiveResponse(msg)
	case message.DirectionRequest, message.DirectionOneWay:
		// the registry logs why a message could not be delivered
		_ = c.objects.Dispatch(msg)
	default:
		c.log.Info("dropping message with unknown direction", "message", msg.String())
	}
}

func (c *Client) receiveResponse(msg *message.Message) {
	if msg.Result == message.ResultRejection && msg.RejectionKind == message.RejectionDuplicateRequest {
		c.log.V(1).Info("dropping duplicate request rejection", "correlationId", msg.ID.String())
		return
	}
	rec, ok := c.callbacks.Get(msg.ID)
	if !ok {
		c.log.V(1).Info("no callback for response", "correlationId", msg.ID.String(), "response", msg.String())
		return
	}
	rec.DoCallback(msg)
}

// BreakOutstandingMessagesToDeadSilo fails over the calls whose last attempt
// went to silo.
func (c *Client) BreakOutstandingMessagesToDeadSilo(silo grain.SiloAddress) {
	n := c.callbacks.BreakOutstandingToDeadSilo(silo)
	c.log.V(1).Info("broke outstanding messages to dead silo", "silo", silo.String(), "count", n)
}
