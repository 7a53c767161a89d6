package cluster

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/jaym/go-orleans-client/message"
)

var ErrTransportClosed = errors.New("transport closed")

// Transport moves messages between a client and the cluster. Send must not
// drop messages silently: a request that cannot be delivered comes back
// from Receive as a rejection.
type Transport interface {
	Send(ctx context.Context, batch []*message.Message) error
	// Receive blocks until a message arrives. It returns ErrTransportClosed
	// once the transport is closed.
	Receive(ctx context.Context) (*message.Message, error)
	Close(ctx context.Context) error
}
