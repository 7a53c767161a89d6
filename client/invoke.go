package client

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jaym/go-orleans-client/client/internal/callback"
	gcontext "github.com/jaym/go-orleans-client/context"
	"github.com/jaym/go-orleans-client/future"
	"github.com/jaym/go-orleans-client/grain"
	"github.com/jaym/go-orleans-client/message"
)

// Invoke calls a method on ref and converts the result to T.
func Invoke[T any](ctx context.Context, c *Client, ref grain.Reference, interfaceID, methodID int32, args []any, opts ...InvokeOption) future.Future[T] {
	f := c.InvokeMethod(ctx, ref, interfaceID, methodID, args, opts...)
	return future.Map(f, func(v any) (T, error) {
		var out T
		if err := message.DecodeValue(c.serializer, v, &out); err != nil {
			return out, errors.Mark(err, ErrUnexpectedType)
		}
		return out, nil
	})
}

// InvokeOneWay sends a call that expects no response.
func (c *Client) InvokeOneWay(ctx context.Context, ref grain.Reference, interfaceID, methodID int32, args []any, opts ...InvokeOption) error {
	opts = append(opts, OneWay())
	_, err := c.InvokeMethod(ctx, ref, interfaceID, methodID, args, opts...).Await(ctx)
	return err
}

// InvokeMethod sends a call to ref. The returned future completes exactly
// once with the result, the error raised by the callee, or an error made up
// by the client such as a timeout. One-way calls complete as soon as the
// call is queued.
func (c *Client) InvokeMethod(ctx context.Context, ref grain.Reference, interfaceID, methodID int32, args []any, opts ...InvokeOption) future.Future[any] {
	if !c.started.Load() {
		return future.Rejected[any](ErrClientNotStarted)
	}
	if c.stopped.Load() {
		return future.Rejected[any](ErrClientStopped)
	}
	if ref.IsZero() {
		return future.Rejected[any](errors.WithDetail(grain.ErrInvalidReference, "empty reference"))
	}

	options := invokeOptions{}
	for _, o := range opts {
		o(&options)
	}

	argsCopy, err := c.copyArguments(args)
	if err != nil {
		return future.Rejected[any](err)
	}

	msg := c.newRequest(ctx, ref, message.NewInvokeMethodRequest(interfaceID, methodID, argsCopy), options)
	log := c.log.WithValues("correlationId", msg.ID.String(), "target", ref.String(), "interface", interfaceID, "method", methodID)
	log.V(4).Info("InvokeMethod", "oneWay", options.oneWay)

	if options.oneWay {
		c.metrics.Started(msg)
		if err := c.outbound.Enqueue(msg); err != nil {
			return future.Rejected[any](err)
		}
		return future.Resolved[any](nil)
	}

	config := c.Config()
	timeout, err := c.effectiveTimeout(ctx, config, options)
	if err != nil {
		return future.Rejected[any](err)
	}
	now := c.clock.Now()
	if config.DropExpiredMessages && msg.IsExpirable() {
		msg.Expiration = now.Add(timeout)
	}

	f, p := future.NewFuture[any](now.Add(timeout))
	rec := callback.NewRecord(msg, p, callback.Config{
		Log:   c.log.WithName("callback"),
		Clock: c.clock,
		Policy: callback.Policy{
			ResendOnTimeout: config.ResendOnTimeout,
			MaxResendCount:  config.MaxResendCount,
		},
		Resend:   c.outbound.Enqueue,
		Listener: c.metrics,
	})
	if err := c.registerCallback(rec); err != nil {
		return future.Rejected[any](err)
	}
	c.metrics.Started(msg)
	rec.StartTimer(timeout)

	if err := c.outbound.Enqueue(msg); err != nil {
		log.V(1).Info("failed to queue request", "error", err.Error())
		rec.Fail(err)
	}
	return f
}

// registerCallback adds rec to the correlation table. Stop flips stopped
// before it rejects the table, so a record registered after that sweep is
// caught by the second check.
func (c *Client) registerCallback(rec *callback.Record) error {
	if err := c.callbacks.Register(rec); err != nil {
		return err
	}
	if c.stopped.Load() {
		rec.Fail(ErrClientStopped)
		return ErrClientStopped
	}
	return nil
}

func (c *Client) effectiveTimeout(ctx context.Context, config Config, options invokeOptions) (time.Duration, error) {
	timeout := config.ResponseTimeout
	if options.timeout > 0 {
		timeout = options.timeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return 0, context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	return timeout, nil
}

func (c *Client) copyArguments(args []any) ([]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]any, len(args))
	for i := range args {
		v, err := c.serializer.DeepCopy(args[i])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to copy argument %d", i)
		}
		out[i] = v
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, ref grain.Reference, req *message.InvokeMethodRequest, options invokeOptions) *message.Message {
	msg := &message.Message{
		ID:               message.NewCorrelationID(),
		Direction:        message.DirectionRequest,
		SendingGrain:     c.id,
		TargetGrain:      ref.Identity(),
		GenericArguments: ref.GenericArguments(),
		DebugContext:     options.debugContext,
		Body:             req,
	}
	if options.oneWay {
		msg.Direction = message.DirectionOneWay
		msg.Options |= message.OptionOneWay
	}
	if ref.IsSystemTarget() {
		msg.TargetSilo = ref.SystemTargetSilo()
	}
	if ref.IsObserver() {
		msg.TargetObserver = ref.ObserverID()
	}
	if options.unordered || c.typeResolver.IsUnordered(ref.Identity().TypeCode) {
		msg.Options |= message.OptionUnordered
	}
	if options.readOnly {
		msg.Options |= message.OptionReadOnly
	}
	if rc := gcontext.RequestContext(ctx); len(rc) > 0 {
		msg.RequestContext = make(map[string]string, len(rc))
		for k, v := range rc {
			msg.RequestContext[k] = v
		}
	}
	return msg
}
