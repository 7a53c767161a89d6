package localobject

import (
	"context"
	"sync"

	gods "github.com/Workiva/go-datastructures/queue"
	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"

	"github.com/jaym/go-orleans-client/grain"
	"github.com/jaym/go-orleans-client/message"
	"github.com/jaym/go-orleans-client/plugins/codec"
)

type Config struct {
	Log         logr.Logger
	Clock       clock.Clock
	Serializer  codec.Serializer
	Respond     Responder
	DropExpired bool
}

// Registry maps observer ids to the mailboxes of local objects.
type Registry struct {
	cfg Config
	log logr.Logger

	lock      sync.RWMutex
	mailboxes map[grain.ObserverID]*Mailbox
	wg        sync.WaitGroup
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Serializer == nil {
		cfg.Serializer = codec.NewCBOR()
	}
	return &Registry{
		cfg:       cfg,
		log:       cfg.Log,
		mailboxes: make(map[grain.ObserverID]*Mailbox),
	}
}

func (r *Registry) Register(ref grain.Reference, target Target, invoker grain.Invoker) (*Mailbox, error) {
	id := ref.ObserverID()
	if id.IsZero() {
		return nil, ErrMissingObserverID
	}
	m := &Mailbox{
		log:         r.log.WithValues("observer", id.String()),
		clock:       r.cfg.Clock,
		serializer:  r.cfg.Serializer,
		respond:     r.cfg.Respond,
		dropExpired: r.cfg.DropExpired,
		ref:         ref,
		target:      target,
		invoker:     invoker,
		queue:       gods.New(8),
		wg:          &r.wg,
		onCollected: r.collected,
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.mailboxes[id]; ok {
		return nil, errors.WithDetailf(ErrAlreadyRegistered, "%s", id)
	}
	r.mailboxes[id] = m
	return m, nil
}

func (r *Registry) Unregister(id grain.ObserverID) error {
	r.lock.Lock()
	m, ok := r.mailboxes[id]
	delete(r.mailboxes, id)
	r.lock.Unlock()
	if !ok {
		return errors.WithDetailf(ErrNotRegistered, "%s", id)
	}
	m.close()
	return nil
}

func (r *Registry) Get(id grain.ObserverID) (*Mailbox, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	m, ok := r.mailboxes[id]
	return m, ok
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.mailboxes)
}

func (r *Registry) collected(m *Mailbox) {
	id := m.ref.ObserverID()
	r.log.Info("local object was garbage collected, removing registration", "observer", id.String())
	r.lock.Lock()
	defer r.lock.Unlock()
	if current, ok := r.mailboxes[id]; ok && current == m {
		delete(r.mailboxes, id)
	}
}

// Dispatch routes an inbound call to the mailbox of its target.
func (r *Registry) Dispatch(msg *message.Message) error {
	id := msg.TargetObserver
	if id.IsZero() {
		r.log.Error(ErrMissingObserverID, "dropping message", "message", msg.String())
		return ErrMissingObserverID
	}
	m, ok := r.Get(id)
	if !ok {
		r.log.Info("no local object for message", "observer", id.String(), "message", msg.String())
		return errors.WithDetailf(ErrNotRegistered, "%s", id)
	}
	return m.Enqueue(msg)
}

// Close unregisters every local object and waits for running pumps.
func (r *Registry) Close(ctx context.Context) error {
	r.lock.Lock()
	mailboxes := r.mailboxes
	r.mailboxes = make(map[grain.ObserverID]*Mailbox)
	r.lock.Unlock()

	for _, m := range mailboxes {
		m.close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
