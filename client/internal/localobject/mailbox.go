package localobject

import (
	"context"
	"fmt"
	"sync"
	"weak"

	gods "github.com/Workiva/go-datastructures/queue"
	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"go.uber.org/atomic"

	gcontext "github.com/jaym/go-orleans-client/context"
	"github.com/jaym/go-orleans-client/grain"
	"github.com/jaym/go-orleans-client/message"
	"github.com/jaym/go-orleans-client/plugins/codec"
)

var (
	ErrNotRegistered     = errors.New("local object not registered")
	ErrAlreadyRegistered = errors.New("local object already registered")
	ErrTargetCollected   = errors.New("local object was garbage collected")
	ErrMissingObserverID = errors.New("message has no observer id")
	ErrUnexpectedBody    = errors.New("unexpected message body")
)

type State int32

const (
	StateActive State = iota
	StateCollected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateCollected:
		return "Collected"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// Target resolves the object behind a mailbox. It returns nil once the
// object is gone.
type Target func() any

// Weak returns a Target that does not keep obj alive.
func Weak[T any](obj *T) Target {
	wp := weak.Make(obj)
	return func() any {
		if p := wp.Value(); p != nil {
			return p
		}
		return nil
	}
}

// Strong returns a Target that always resolves to obj.
func Strong(obj any) Target {
	return func() any {
		return obj
	}
}

// Responder sends a response back to the caller.
type Responder func(*message.Message) error

// Mailbox queues calls for one local object and runs them one at a time in
// the order they arrived.
type Mailbox struct {
	log         logr.Logger
	clock       clock.Clock
	serializer  codec.Serializer
	respond     Responder
	dropExpired bool

	ref     grain.Reference
	target  Target
	invoker grain.Invoker

	queue   *gods.Queue
	running atomic.Bool
	state   atomic.Int32

	wg          *sync.WaitGroup
	onCollected func(*Mailbox)
}

func (m *Mailbox) Reference() grain.Reference {
	return m.ref
}

func (m *Mailbox) State() State {
	return State(m.state.Load())
}

func (m *Mailbox) Len() int {
	return int(m.queue.Len())
}

// Enqueue adds msg to the mailbox and starts a pump if none is running.
func (m *Mailbox) Enqueue(msg *message.Message) error {
	switch m.State() {
	case StateCollected:
		return ErrTargetCollected
	case StateClosed:
		return ErrNotRegistered
	}
	if m.resolve() == nil {
		return ErrTargetCollected
	}
	if err := m.queue.Put(msg); err != nil {
		return errors.Mark(err, ErrNotRegistered)
	}
	if m.running.CompareAndSwap(false, true) {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.pump()
		}()
	}
	return nil
}

// resolve returns the target, moving the mailbox to StateCollected the
// first time the target is found to be gone.
func (m *Mailbox) resolve() any {
	target := m.target()
	if target == nil {
		if m.state.CompareAndSwap(int32(StateActive), int32(StateCollected)) {
			m.queue.Dispose()
			if m.onCollected != nil {
				m.onCollected(m)
			}
		}
	}
	return target
}

func (m *Mailbox) close() {
	if m.state.CompareAndSwap(int32(StateActive), int32(StateClosed)) {
		m.queue.Dispose()
	}
}

func (m *Mailbox) pump() {
	for {
		for !m.queue.Empty() {
			items, err := m.queue.Get(1)
			if err != nil {
				m.running.Store(false)
				return
			}
			m.process(items[0].(*message.Message))
		}
		m.running.Store(false)
		if m.queue.Empty() || !m.running.CompareAndSwap(false, true) {
			return
		}
	}
}

func (m *Mailbox) process(msg *message.Message) {
	log := m.log.WithValues("correlationId", msg.ID.String())

	if m.dropExpired && msg.IsExpired(m.clock.Now()) {
		log.V(1).Info("dropping expired message", "message", msg.String())
		return
	}

	target := m.resolve()
	if target == nil {
		log.Info("local object was garbage collected", "message", msg.String())
		return
	}

	req, ok := msg.Body.(*message.InvokeMethodRequest)
	if !ok {
		err := errors.WithDetailf(ErrUnexpectedBody, "%T", msg.Body)
		log.Error(err, "cannot invoke local object")
		if !msg.IsOneWay() {
			m.sendResponse(log, msg, nil, err)
		}
		return
	}
	req.WithDecoder(m.serializer)

	ctx := gcontext.WithRequestContext(context.Background(), msg.RequestContext)
	ctx = gcontext.WithReferenceContext(ctx, m.ref)

	log.V(4).Info("invoking", "interface", req.Interface, "method", req.Method)
	val, err := m.invoke(ctx, target, req)
	if msg.IsOneWay() {
		if err != nil {
			log.Error(err, "one-way call to local object failed", "interface", req.Interface, "method", req.Method)
		}
		return
	}
	m.sendResponse(log, msg, val, err)
}

func (m *Mailbox) invoke(ctx context.Context, target any, req *message.InvokeMethodRequest) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("local object panicked: %v", r)
		}
	}()
	return m.invoker.Invoke(ctx, target, req)
}

// sendResponse copies the result so the caller shares nothing with the
// local object. A result that cannot be copied is replaced with an error.
func (m *Mailbox) sendResponse(log logr.Logger, msg *message.Message, val any, err error) {
	if m.dropExpired && msg.IsExpired(m.clock.Now()) {
		log.V(1).Info("dropping expired response", "message", msg.String())
		return
	}

	resp := msg.CreateResponse()
	if err != nil {
		copied, copyErr := codec.CopyError(context.Background(), err)
		if copyErr != nil {
			copied = errors.Wrapf(copyErr, "failed to copy error %q", err.Error())
		}
		resp.Result = message.ResultError
		resp.Body = &message.Response{Err: copied}
	} else {
		copied, copyErr := m.serializer.DeepCopy(val)
		if copyErr != nil {
			log.Error(copyErr, "failed to copy result", "type", typeName(val))
			resp.Result = message.ResultError
			resp.Body = &message.Response{Err: errors.Wrapf(copyErr, "failed to copy result of type %s", typeName(val))}
		} else {
			resp.Body = &message.Response{Value: copied}
		}
	}

	if err := m.respond(resp); err != nil {
		log.Error(err, "failed to send response")
	}
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
