package client

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/jaym/go-orleans-client/client/internal/callback"
	"github.com/jaym/go-orleans-client/future"
	"github.com/jaym/go-orleans-client/grain"
	"github.com/jaym/go-orleans-client/message"
	"github.com/jaym/go-orleans-client/plugins/transport/loopback"
)

func TestRegisterCallbackAfterStop(t *testing.T) {
	c, err := New(logr.Discard(), loopback.New(logr.Discard(), nil))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	ref, err := grain.NewReference(grain.NewIntegerIdentity(0x11, 7), "")
	require.NoError(t, err)
	msg := c.newRequest(context.Background(), ref, message.NewInvokeMethodRequest(1, 1, nil), invokeOptions{})
	f, p := future.NewFuture[any](c.clock.Now().Add(time.Minute))
	rec := callback.NewRecord(msg, p, callback.Config{Log: logr.Discard(), Clock: c.clock})

	// A call that passed the lifecycle check before Stop registers after
	// the outstanding requests were rejected.
	require.NoError(t, c.Stop(context.Background()))
	err = c.registerCallback(rec)
	require.True(t, errors.Is(err, ErrClientStopped))
	require.Equal(t, 0, c.OutstandingRequests())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = f.Await(ctx)
	require.True(t, errors.Is(err, ErrClientStopped))
}
