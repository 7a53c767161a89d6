package callback_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/jaym/go-orleans-client/client/internal/callback"
	"github.com/jaym/go-orleans-client/future"
	"github.com/jaym/go-orleans-client/grain"
	"github.com/jaym/go-orleans-client/message"
)

var silo = grain.SiloAddress{Host: "10.0.0.1", Port: 30000, Generation: 1}

type resender struct {
	lock sync.Mutex
	sent []*message.Message
	err  error
}

func (r *resender) Resend(m *message.Message) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, m)
	return nil
}

func (r *resender) Count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.sent)
}

type countingListener struct {
	resent   atomic.Int32
	resolved atomic.Int32
	outcome  atomic.Int32
}

func (l *countingListener) Resent(*message.Message) {
	l.resent.Inc()
}

func (l *countingListener) Resolved(_ *message.Message, o callback.Outcome) {
	l.resolved.Inc()
	l.outcome.Store(int32(o))
}

func newRequest() *message.Message {
	return &message.Message{
		ID:          message.NewCorrelationID(),
		Direction:   message.DirectionRequest,
		TargetGrain: grain.NewIntegerIdentity(3, 9),
		TargetSilo:  silo,
		Body:        message.NewInvokeMethodRequest(1, 1, nil),
	}
}

func success(req *message.Message, v any) *message.Message {
	resp := req.CreateResponse()
	resp.Body = &message.Response{Value: v}
	return resp
}

type fixture struct {
	clock    *clock.Mock
	resender *resender
	listener *countingListener
	table    *callback.Table
}

func newFixture() *fixture {
	return &fixture{
		clock:    clock.NewMock(),
		resender: &resender{},
		listener: &countingListener{},
		table:    callback.NewTable(),
	}
}

func (f *fixture) newRecord(t *testing.T, policy callback.Policy) (*message.Message, *callback.Record, future.Future[any]) {
	t.Helper()
	msg := newRequest()
	fut, p := future.NewFuture[any](time.Time{})
	rec := callback.NewRecord(msg, p, callback.Config{
		Log:      logr.Discard(),
		Clock:    f.clock,
		Policy:   policy,
		Resend:   f.resender.Resend,
		Listener: f.listener,
	})
	require.NoError(t, f.table.Register(rec))
	return msg, rec, fut
}

func await(t *testing.T, f future.Future[any]) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Await(ctx)
}

func TestTimeout(t *testing.T) {
	t.Run("single shot without resend", func(t *testing.T) {
		f := newFixture()
		_, rec, fut := f.newRecord(t, callback.Policy{})
		rec.StartTimer(300 * time.Millisecond)

		f.clock.Add(299 * time.Millisecond)
		require.Equal(t, callback.StatePending, rec.State())

		f.clock.Add(time.Millisecond)
		require.Eventually(t, func() bool {
			return rec.State() == callback.StateResolved
		}, time.Second, time.Millisecond)

		_, err := await(t, fut)
		require.True(t, errors.Is(err, message.ErrTimeout))
		require.Equal(t, 0, f.resender.Count())
		require.Equal(t, 0, f.table.Len())
	})

	t.Run("resend cap", func(t *testing.T) {
		f := newFixture()
		start := f.clock.Now()
		msg, rec, fut := f.newRecord(t, callback.Policy{ResendOnTimeout: true, MaxResendCount: 2})
		rec.StartTimer(300 * time.Millisecond)

		f.clock.Add(100 * time.Millisecond)
		require.Eventually(t, func() bool { return f.resender.Count() == 1 }, time.Second, time.Millisecond)
		require.Equal(t, callback.StatePending, rec.State())

		f.clock.Add(100 * time.Millisecond)
		require.Eventually(t, func() bool { return f.resender.Count() == 2 }, time.Second, time.Millisecond)
		require.Equal(t, callback.StatePending, rec.State())

		f.clock.Add(99 * time.Millisecond)
		require.Equal(t, callback.StatePending, rec.State())

		f.clock.Add(time.Millisecond)
		require.Eventually(t, func() bool {
			return rec.State() == callback.StateResolved
		}, time.Second, time.Millisecond)
		require.Equal(t, 300*time.Millisecond, f.clock.Now().Sub(start))

		_, err := await(t, fut)
		require.True(t, errors.Is(err, message.ErrTimeout))

		// one original attempt plus two resends, all with the same id
		require.Equal(t, 2, f.resender.Count())
		for i, m := range f.resender.sent {
			require.Equal(t, msg.ID, m.ID)
			require.Equal(t, i+1, m.ResendCount)
		}
		require.Equal(t, int32(2), f.listener.resent.Load())
		require.Equal(t, int32(1), f.listener.resolved.Load())
		require.Equal(t, int32(callback.OutcomeTimeout), f.listener.outcome.Load())

		f.clock.Add(time.Second)
		require.Equal(t, 2, f.resender.Count())
	})

	t.Run("failed resend resolves with the timeout", func(t *testing.T) {
		f := newFixture()
		f.resender.err = errors.New("queue closed")
		_, rec, fut := f.newRecord(t, callback.Policy{ResendOnTimeout: true, MaxResendCount: 2})
		rec.StartTimer(300 * time.Millisecond)
		f.clock.Add(100 * time.Millisecond)

		_, err := await(t, fut)
		require.True(t, errors.Is(err, message.ErrTimeout))
	})
}

func TestDoCallback(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f := newFixture()
		msg, rec, fut := f.newRecord(t, callback.Policy{})
		rec.StartTimer(time.Second)

		rec.DoCallback(success(msg, "hello"))
		v, err := await(t, fut)
		require.NoError(t, err)
		require.Equal(t, "hello", v)
		require.Equal(t, 0, f.table.Len())

		// the timer is gone
		f.clock.Add(2 * time.Second)
		require.Equal(t, int32(1), f.listener.resolved.Load())
	})

	t.Run("application errors are delivered verbatim", func(t *testing.T) {
		f := newFixture()
		msg, rec, fut := f.newRecord(t, callback.Policy{})
		appErr := errors.New("insufficient funds")
		resp := msg.CreateResponse()
		resp.Result = message.ResultError
		resp.Body = &message.Response{Err: appErr}

		rec.DoCallback(resp)
		_, err := await(t, fut)
		require.Equal(t, appErr, err)
		require.Equal(t, int32(callback.OutcomeError), f.listener.outcome.Load())
	})

	t.Run("transient rejection is invisible", func(t *testing.T) {
		f := newFixture()
		msg, rec, fut := f.newRecord(t, callback.Policy{ResendOnTimeout: true, MaxResendCount: 1})
		rec.StartTimer(time.Second)

		rec.DoCallback(msg.CreateRejection(message.RejectionTransient, "not ready"))
		require.Equal(t, callback.StatePending, rec.State())
		require.Equal(t, 1, f.resender.Count())
		require.Equal(t, msg.ID, rec.Message().ID)
		require.Equal(t, 1, rec.Message().ResendCount)

		rec.DoCallback(success(msg, 42))
		v, err := await(t, fut)
		require.NoError(t, err)
		require.Equal(t, 42, v)
	})

	t.Run("transient rejection with resend disabled reaches the caller", func(t *testing.T) {
		f := newFixture()
		msg, rec, fut := f.newRecord(t, callback.Policy{MaxResendCount: 3})

		rec.DoCallback(msg.CreateRejection(message.RejectionTransient, "not ready"))
		_, err := await(t, fut)
		require.True(t, errors.Is(err, message.ErrTransientRejection))
		require.True(t, errors.Is(err, message.ErrRejected))
		require.Equal(t, 0, f.resender.Count())
	})

	t.Run("duplicate request rejection is ignored", func(t *testing.T) {
		f := newFixture()
		msg, rec, fut := f.newRecord(t, callback.Policy{})

		rec.DoCallback(msg.CreateRejection(message.RejectionDuplicateRequest, ""))
		require.Equal(t, callback.StatePending, rec.State())
		require.Equal(t, 1, f.table.Len())

		rec.DoCallback(success(msg, 1))
		v, err := await(t, fut)
		require.NoError(t, err)
		require.Equal(t, 1, v)
	})

	t.Run("duplicate responses resolve once", func(t *testing.T) {
		f := newFixture()
		msg, rec, fut := f.newRecord(t, callback.Policy{ResendOnTimeout: true, MaxResendCount: 1})
		rec.StartTimer(time.Second)
		f.clock.Add(500 * time.Millisecond)
		require.Eventually(t, func() bool { return f.resender.Count() == 1 }, time.Second, time.Millisecond)

		rec.DoCallback(success(msg, "first"))
		rec.DoCallback(success(msg, "second"))

		v, err := await(t, fut)
		require.NoError(t, err)
		require.Equal(t, "first", v)
		require.Equal(t, int32(1), f.listener.resolved.Load())
	})

	t.Run("gateway too busy", func(t *testing.T) {
		f := newFixture()
		msg, rec, fut := f.newRecord(t, callback.Policy{ResendOnTimeout: true, MaxResendCount: 3})

		rec.DoCallback(msg.CreateRejection(message.RejectionGatewayTooBusy, "busy"))
		_, err := await(t, fut)
		require.True(t, errors.Is(err, message.ErrGatewayTooBusy))
		require.Equal(t, 0, f.resender.Count())
	})
}

func TestTargetHostFail(t *testing.T) {
	t.Run("resolves with target unavailable", func(t *testing.T) {
		f := newFixture()
		_, rec, fut := f.newRecord(t, callback.Policy{})
		rec.OnTargetHostFail()
		_, err := await(t, fut)
		require.True(t, errors.Is(err, message.ErrTargetUnavailable))
	})

	t.Run("resends first when allowed", func(t *testing.T) {
		f := newFixture()
		_, rec, _ := f.newRecord(t, callback.Policy{ResendOnTimeout: true, MaxResendCount: 1})
		rec.OnTargetHostFail()
		require.Equal(t, callback.StatePending, rec.State())
		require.Equal(t, 1, f.resender.Count())
		require.True(t, rec.Message().TargetSilo.IsZero())
	})
}

func TestExactlyOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		var completions atomic.Int32
		msg := newRequest()
		p := future.NewFuncPromise[any](time.Time{}, func(any, error) {
			completions.Inc()
		})
		rec := callback.NewRecord(msg, p, callback.Config{
			Log:    logr.Discard(),
			Clock:  clock.New(),
			Policy: callback.Policy{ResendOnTimeout: true, MaxResendCount: 1},
			Resend: func(*message.Message) error { return nil },
		})
		rec.StartTimer(time.Millisecond)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for j := 0; j < 4; j++ {
			wg.Add(4)
			go func() {
				defer wg.Done()
				<-start
				rec.OnTimeout()
			}()
			go func() {
				defer wg.Done()
				<-start
				rec.DoCallback(success(msg, 1))
			}()
			go func() {
				defer wg.Done()
				<-start
				rec.OnTargetHostFail()
			}()
			go func() {
				defer wg.Done()
				<-start
				rec.Fail(errors.New("stopped"))
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), completions.Load())
		require.Equal(t, callback.StateResolved, rec.State())
	}
}
