package client

import (
	"github.com/cockroachdb/errors"

	"github.com/jaym/go-orleans-client/client/internal/dispatch"
	"github.com/jaym/go-orleans-client/client/internal/localobject"
	"github.com/jaym/go-orleans-client/message"
)

var (
	ErrTimeout            = message.ErrTimeout
	ErrTargetUnavailable  = message.ErrTargetUnavailable
	ErrRejected           = message.ErrRejected
	ErrTransientRejection = message.ErrTransientRejection
	ErrOverloaded         = message.ErrOverloaded
	ErrPermanentRejection = message.ErrPermanentRejection
	ErrGatewayTooBusy     = message.ErrGatewayTooBusy
	ErrUnexpectedResponse = message.ErrUnexpectedResponse
	ErrQueueClosed        = dispatch.ErrQueueClosed
	ErrNotRegistered      = localobject.ErrNotRegistered

	ErrClientNotStarted   = errors.New("client not started")
	ErrClientStopped      = errors.New("client stopped")
	ErrAlreadyStarted     = errors.New("client already started")
	ErrNotLocalObject     = errors.New("reference is not a local object of this client")
	ErrInvalidLocalObject = errors.New("invalid local object")
	ErrUnexpectedType     = errors.New("unexpected result type")
)
