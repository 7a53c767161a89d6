package callback

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"go.uber.org/atomic"

	"github.com/jaym/go-orleans-client/future"
	"github.com/jaym/go-orleans-client/message"
)

type State int32

const (
	StatePending State = iota
	StateResolving
	StateResolved
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateResolving:
		return "Resolving"
	case StateResolved:
		return "Resolved"
	}
	return "Unknown"
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	OutcomeRejected
	OutcomeTimeout
	OutcomeTargetUnavailable
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeTargetUnavailable:
		return "target_unavailable"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Policy decides whether a request may be sent again.
type Policy struct {
	ResendOnTimeout bool
	MaxResendCount  int
}

func (p Policy) resendEnabled() bool {
	return p.ResendOnTimeout && p.MaxResendCount > 0
}

// Resender submits a message for another attempt.
type Resender func(*message.Message) error

// Listener observes the life of records. It must not block.
type Listener interface {
	Resent(msg *message.Message)
	Resolved(msg *message.Message, outcome Outcome)
}

type nopListener struct{}

func (nopListener) Resent(*message.Message)            {}
func (nopListener) Resolved(*message.Message, Outcome) {}

type Config struct {
	Log      logr.Logger
	Clock    clock.Clock
	Policy   Policy
	Resend   Resender
	Listener Listener
}

// Record tracks one outstanding request from the first send until its
// promise is completed. Whatever happens first of a response, a timeout, a
// target failure or an explicit failure completes it; everything after is
// ignored.
type Record struct {
	log      logr.Logger
	clock    clock.Clock
	policy   Policy
	resend   Resender
	listener Listener
	promise  future.Promise[any]
	id       message.CorrelationID
	started  time.Time

	state atomic.Int32
	table *Table

	lock      sync.Mutex
	msg       *message.Message
	timer     *clock.Timer
	period    time.Duration
	repeating bool
}

func NewRecord(msg *message.Message, promise future.Promise[any], cfg Config) *Record {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Listener == nil {
		cfg.Listener = nopListener{}
	}
	return &Record{
		log:      cfg.Log.WithValues("correlationId", msg.ID.String()),
		clock:    cfg.Clock,
		policy:   cfg.Policy,
		resend:   cfg.Resend,
		listener: cfg.Listener,
		promise:  promise,
		id:       msg.ID,
		started:  cfg.Clock.Now(),
		msg:      msg,
	}
}

func (r *Record) ID() message.CorrelationID {
	return r.id
}

func (r *Record) State() State {
	return State(r.state.Load())
}

// Message returns the latest attempt of the request.
func (r *Record) Message() *message.Message {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.msg
}

// StartTimer arms the timeout. When resends are allowed the timeout is split
// evenly between the attempts, so the last one still fires at the original
// deadline.
func (r *Record) StartTimer(timeout time.Duration) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.State() != StatePending || r.timer != nil {
		return
	}
	if r.policy.resendEnabled() {
		r.period = timeout / time.Duration(r.policy.MaxResendCount+1)
		r.repeating = true
	} else {
		r.period = timeout
	}
	r.timer = r.clock.AfterFunc(r.period, r.tick)
}

func (r *Record) tick() {
	r.lock.Lock()
	if r.repeating && r.State() == StatePending {
		r.timer = r.clock.AfterFunc(r.period, r.tick)
	}
	r.lock.Unlock()
	r.OnTimeout()
}

func (r *Record) stopTimer() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.repeating = false
}

func (r *Record) OnTimeout() {
	if r.State() != StatePending {
		return
	}
	msg := r.Message()
	if r.tryResend("timeout") {
		return
	}
	elapsed := r.clock.Now().Sub(r.started)
	r.complete(nil, message.NewTimeoutError(msg, elapsed), OutcomeTimeout)
}

func (r *Record) OnTargetHostFail() {
	if r.State() != StatePending {
		return
	}
	msg := r.Message()
	if r.tryResend("target silo failed") {
		return
	}
	r.complete(nil, message.NewTargetUnavailableError(msg), OutcomeTargetUnavailable)
}

func (r *Record) DoCallback(resp *message.Message) {
	if r.State() != StatePending {
		r.log.V(1).Info("response for completed request dropped", "response", resp.String())
		return
	}
	if resp.Result == message.ResultRejection {
		switch resp.RejectionKind {
		case message.RejectionDuplicateRequest:
			r.log.V(1).Info("duplicate request rejection ignored")
			return
		case message.RejectionTransient:
			if r.tryResend("transient rejection") {
				return
			}
		}
	}

	val, err := message.Outcome(resp)
	outcome := OutcomeSuccess
	switch resp.Result {
	case message.ResultError:
		outcome = OutcomeError
	case message.ResultRejection:
		outcome = OutcomeRejected
	}
	if err != nil && outcome == OutcomeSuccess {
		outcome = OutcomeError
	}
	r.complete(val, err, outcome)
}

// Fail completes the record with err without trying to resend.
func (r *Record) Fail(err error) bool {
	return r.complete(nil, err, OutcomeFailed)
}

// tryResend reports whether the request is handled by another attempt, or
// by a concurrent resolution.
func (r *Record) tryResend(reason string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.State() != StatePending {
		return true
	}
	if !r.policy.ResendOnTimeout || !r.msg.MayResend(r.policy.MaxResendCount) {
		return false
	}
	next := r.msg.ForResend()
	if err := r.resend(next); err != nil {
		r.log.Error(err, "failed to resend", "reason", reason)
		return false
	}
	r.msg = next
	r.log.V(4).Info("resent", "reason", reason, "resendCount", next.ResendCount)
	r.listener.Resent(next)
	return true
}

// complete is the only way out of Pending. The promise is completed after
// the record is gone from the table and its timer is stopped.
func (r *Record) complete(val any, err error, outcome Outcome) bool {
	if !r.state.CompareAndSwap(int32(StatePending), int32(StateResolving)) {
		return false
	}
	r.stopTimer()
	if r.table != nil {
		r.table.remove(r)
	}
	r.state.Store(int32(StateResolved))

	r.listener.Resolved(r.Message(), outcome)
	if err != nil {
		r.promise.Reject(err)
	} else {
		r.promise.Resolve(val)
	}
	return true
}
