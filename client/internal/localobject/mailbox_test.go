package localobject_test

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/jaym/go-orleans-client/client/internal/localobject"
	gcontext "github.com/jaym/go-orleans-client/context"
	"github.com/jaym/go-orleans-client/grain"
	"github.com/jaym/go-orleans-client/message"
	"github.com/jaym/go-orleans-client/plugins/codec"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errInsufficientFunds = errors.New("insufficient funds")

type account struct {
	Name    string
	History []string
}

type responses struct {
	lock sync.Mutex
	msgs []*message.Message
}

func (r *responses) Respond(m *message.Message) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *responses) All() []*message.Message {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]*message.Message(nil), r.msgs...)
}

type fixture struct {
	clock     *clock.Mock
	responses *responses
	registry  *localobject.Registry
	client    grain.Identity
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		clock:     clock.NewMock(),
		responses: &responses{},
		client:    grain.NewClientIdentity(),
	}
	f.registry = localobject.NewRegistry(localobject.Config{
		Log:         logr.Discard(),
		Clock:       f.clock,
		Serializer:  codec.NewCBOR(),
		Respond:     f.responses.Respond,
		DropExpired: true,
	})
	t.Cleanup(func() {
		require.NoError(t, f.registry.Close(context.Background()))
	})
	return f
}

func (f *fixture) register(t *testing.T, target localobject.Target, invoker grain.Invoker) grain.Reference {
	t.Helper()
	ref, err := grain.NewObserverReference(f.client, grain.NewObserverID())
	require.NoError(t, err)
	_, err = f.registry.Register(ref, target, invoker)
	require.NoError(t, err)
	return ref
}

func call(ref grain.Reference, method int32, args ...any) *message.Message {
	return &message.Message{
		ID:             message.NewCorrelationID(),
		Direction:      message.DirectionRequest,
		SendingGrain:   grain.NewIntegerIdentity(4, 4),
		TargetGrain:    ref.Identity(),
		TargetObserver: ref.ObserverID(),
		Body:           message.NewInvokeMethodRequest(1, method, args),
	}
}

func TestMailboxOrdering(t *testing.T) {
	f := newFixture(t)

	var (
		lock        sync.Mutex
		order       []int32
		concurrent  atomic.Int32
		maxObserved atomic.Int32
	)
	release := make(chan struct{})
	ref := f.register(t, localobject.Strong(&account{}), grain.InvokerFunc(
		func(ctx context.Context, target any, req grain.Request) (any, error) {
			n := concurrent.Inc()
			if n > maxObserved.Load() {
				maxObserved.Store(n)
			}
			defer concurrent.Dec()
			if req.MethodID() == 1 {
				<-release
			}
			lock.Lock()
			order = append(order, req.MethodID())
			lock.Unlock()
			return req.MethodID(), nil
		}))

	for i := int32(1); i <= 3; i++ {
		require.NoError(t, f.registry.Dispatch(call(ref, i)))
	}
	close(release)

	require.Eventually(t, func() bool {
		return len(f.responses.All()) == 3
	}, time.Second, time.Millisecond)

	require.Equal(t, []int32{1, 2, 3}, order)
	require.Equal(t, int32(1), maxObserved.Load())
	for i, resp := range f.responses.All() {
		v, err := message.Outcome(resp)
		require.NoError(t, err)
		require.Equal(t, int32(i+1), v)
	}
}

func TestMailboxResponses(t *testing.T) {
	t.Run("results are copied", func(t *testing.T) {
		f := newFixture(t)
		acct := &account{Name: "a", History: []string{"open"}}
		ref := f.register(t, localobject.Strong(acct), grain.InvokerFunc(
			func(ctx context.Context, target any, req grain.Request) (any, error) {
				return target.(*account), nil
			}))

		req := call(ref, 1)
		require.NoError(t, f.registry.Dispatch(req))
		require.Eventually(t, func() bool { return len(f.responses.All()) == 1 }, time.Second, time.Millisecond)
		acct.History[0] = "changed"

		resp := f.responses.All()[0]
		require.Equal(t, req.ID, resp.ID)
		require.Equal(t, req.SendingGrain, resp.TargetGrain)
		v, err := message.Outcome(resp)
		require.NoError(t, err)
		require.Equal(t, []string{"open"}, v.(*account).History)
	})

	t.Run("arguments are decoded", func(t *testing.T) {
		f := newFixture(t)
		ref := f.register(t, localobject.Strong(&account{}), grain.InvokerFunc(
			func(ctx context.Context, target any, req grain.Request) (any, error) {
				var amount int
				if err := req.Argument(0, &amount); err != nil {
					return nil, err
				}
				return amount * 2, nil
			}))

		require.NoError(t, f.registry.Dispatch(call(ref, 1, 21)))
		require.Eventually(t, func() bool { return len(f.responses.All()) == 1 }, time.Second, time.Millisecond)
		v, err := message.Outcome(f.responses.All()[0])
		require.NoError(t, err)
		require.Equal(t, 42, v)
	})

	t.Run("application errors", func(t *testing.T) {
		f := newFixture(t)
		ref := f.register(t, localobject.Strong(&account{}), grain.InvokerFunc(
			func(ctx context.Context, target any, req grain.Request) (any, error) {
				return nil, errors.Wrap(errInsufficientFunds, "withdraw")
			}))

		require.NoError(t, f.registry.Dispatch(call(ref, 1)))
		require.Eventually(t, func() bool { return len(f.responses.All()) == 1 }, time.Second, time.Millisecond)
		resp := f.responses.All()[0]
		require.Equal(t, message.ResultError, resp.Result)
		_, err := message.Outcome(resp)
		require.True(t, errors.Is(err, errInsufficientFunds))
	})

	t.Run("results that cannot be copied become errors", func(t *testing.T) {
		f := newFixture(t)
		ref := f.register(t, localobject.Strong(&account{}), grain.InvokerFunc(
			func(ctx context.Context, target any, req grain.Request) (any, error) {
				return make(chan int), nil
			}))

		require.NoError(t, f.registry.Dispatch(call(ref, 1)))
		require.Eventually(t, func() bool { return len(f.responses.All()) == 1 }, time.Second, time.Millisecond)
		resp := f.responses.All()[0]
		require.Equal(t, message.ResultError, resp.Result)
		_, err := message.Outcome(resp)
		require.Error(t, err)
	})

	t.Run("panics become errors", func(t *testing.T) {
		f := newFixture(t)
		ref := f.register(t, localobject.Strong(&account{}), grain.InvokerFunc(
			func(ctx context.Context, target any, req grain.Request) (any, error) {
				panic("boom")
			}))

		require.NoError(t, f.registry.Dispatch(call(ref, 1)))
		require.NoError(t, f.registry.Dispatch(call(ref, 2)))
		require.Eventually(t, func() bool { return len(f.responses.All()) == 2 }, time.Second, time.Millisecond)
		_, err := message.Outcome(f.responses.All()[0])
		require.Contains(t, err.Error(), "boom")
	})

	t.Run("one-way calls get no response", func(t *testing.T) {
		f := newFixture(t)
		var calls atomic.Int32
		ref := f.register(t, localobject.Strong(&account{}), grain.InvokerFunc(
			func(ctx context.Context, target any, req grain.Request) (any, error) {
				calls.Inc()
				return nil, errors.New("ignored")
			}))

		msg := call(ref, 1)
		msg.Direction = message.DirectionOneWay
		require.NoError(t, f.registry.Dispatch(msg))
		require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
		require.Empty(t, f.responses.All())
	})

	t.Run("expired messages are dropped", func(t *testing.T) {
		f := newFixture(t)
		var calls atomic.Int32
		ref := f.register(t, localobject.Strong(&account{}), grain.InvokerFunc(
			func(ctx context.Context, target any, req grain.Request) (any, error) {
				calls.Inc()
				return nil, nil
			}))

		expired := call(ref, 1)
		expired.Expiration = f.clock.Now().Add(-time.Second)
		live := call(ref, 2)
		live.Expiration = f.clock.Now().Add(time.Second)
		require.NoError(t, f.registry.Dispatch(expired))
		require.NoError(t, f.registry.Dispatch(live))

		require.Eventually(t, func() bool { return len(f.responses.All()) == 1 }, time.Second, time.Millisecond)
		require.Equal(t, int32(1), calls.Load())
		require.Equal(t, live.ID, f.responses.All()[0].ID)
	})

	t.Run("request context and reference reach the object", func(t *testing.T) {
		f := newFixture(t)
		var ref grain.Reference
		ref = f.register(t, localobject.Strong(&account{}), grain.InvokerFunc(
			func(ctx context.Context, target any, req grain.Request) (any, error) {
				v, _ := gcontext.RequestValue(ctx, "tenant")
				self, ok := gcontext.ReferenceFromContext(ctx)
				if !ok || !self.Equal(ref) {
					return nil, errors.New("missing reference")
				}
				return v, nil
			}))

		msg := call(ref, 1)
		msg.RequestContext = map[string]string{"tenant": "t1"}
		require.NoError(t, f.registry.Dispatch(msg))
		require.Eventually(t, func() bool { return len(f.responses.All()) == 1 }, time.Second, time.Millisecond)
		v, err := message.Outcome(f.responses.All()[0])
		require.NoError(t, err)
		require.Equal(t, "t1", v)
	})
}

func TestRegistry(t *testing.T) {
	nop := grain.InvokerFunc(func(ctx context.Context, target any, req grain.Request) (any, error) {
		return nil, nil
	})

	t.Run("messages without an observer id", func(t *testing.T) {
		f := newFixture(t)
		msg := call(grain.Reference{}, 1)
		require.True(t, errors.Is(f.registry.Dispatch(msg), localobject.ErrMissingObserverID))
	})

	t.Run("unknown and unregistered objects", func(t *testing.T) {
		f := newFixture(t)
		ref := f.register(t, localobject.Strong(&account{}), nop)
		other, err := grain.NewObserverReference(f.client, grain.NewObserverID())
		require.NoError(t, err)
		require.True(t, errors.Is(f.registry.Dispatch(call(other, 1)), localobject.ErrNotRegistered))

		require.NoError(t, f.registry.Unregister(ref.ObserverID()))
		require.True(t, errors.Is(f.registry.Dispatch(call(ref, 1)), localobject.ErrNotRegistered))
		require.True(t, errors.Is(f.registry.Unregister(ref.ObserverID()), localobject.ErrNotRegistered))
	})

	t.Run("registering twice", func(t *testing.T) {
		f := newFixture(t)
		ref := f.register(t, localobject.Strong(&account{}), nop)
		_, err := f.registry.Register(ref, localobject.Strong(&account{}), nop)
		require.True(t, errors.Is(err, localobject.ErrAlreadyRegistered))
	})

	t.Run("collected objects are torn down on access", func(t *testing.T) {
		f := newFixture(t)
		acct := &account{Name: "gone", History: []string{"x"}}
		ref := f.register(t, localobject.Weak(acct), nop)
		mailbox, ok := f.registry.Get(ref.ObserverID())
		require.True(t, ok)
		require.Equal(t, localobject.StateActive, mailbox.State())

		acct = nil
		runtime.GC()
		runtime.GC()

		require.True(t, errors.Is(f.registry.Dispatch(call(ref, 1)), localobject.ErrTargetCollected))
		require.Equal(t, localobject.StateCollected, mailbox.State())
		require.Equal(t, 0, f.registry.Len())
		require.True(t, errors.Is(f.registry.Dispatch(call(ref, 1)), localobject.ErrNotRegistered))
	})
}
