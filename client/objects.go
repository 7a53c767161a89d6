package client

import (
	"github.com/cockroachdb/errors"

	"github.com/jaym/go-orleans-client/client/internal/localobject"
	"github.com/jaym/go-orleans-client/grain"
)

// CreateObjectReference makes obj callable from the cluster and returns the
// reference to hand out. The client only holds obj weakly: once the caller
// drops its last pointer, the object stops receiving calls.
func CreateObjectReference[T any](c *Client, obj *T, invoker grain.Invoker) (grain.Reference, error) {
	if obj == nil {
		return grain.Reference{}, errors.WithDetail(ErrInvalidLocalObject, "object is nil")
	}
	if _, ok := any(obj).(*grain.Reference); ok {
		return grain.Reference{}, errors.WithDetail(ErrInvalidLocalObject, "a grain reference cannot be a local object")
	}
	return c.createObjectReference(localobject.Weak(obj), invoker)
}

func (c *Client) createObjectReference(target localobject.Target, invoker grain.Invoker) (grain.Reference, error) {
	if invoker == nil {
		return grain.Reference{}, errors.WithDetail(ErrInvalidLocalObject, "invoker is nil")
	}
	ref, err := grain.NewObserverReference(c.id, grain.NewObserverID())
	if err != nil {
		return grain.Reference{}, err
	}
	if _, err := c.objects.Register(ref, target, invoker); err != nil {
		return grain.Reference{}, err
	}
	c.log.V(1).Info("created object reference", "reference", ref.String())
	return ref, nil
}

func (c *Client) DeleteObjectReference(ref grain.Reference) error {
	if !ref.IsObserver() || ref.Identity() != c.id {
		return errors.WithDetailf(ErrNotLocalObject, "%s", ref)
	}
	if err := c.objects.Unregister(ref.ObserverID()); err != nil {
		return err
	}
	c.log.V(1).Info("deleted object reference", "reference", ref.String())
	return nil
}
