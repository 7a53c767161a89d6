package grain

import (
	"fmt"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/copystructure"
	"github.com/zeebo/xxh3"
)

var ErrInvalidReference = errors.New("invalid grain reference")

// References are immutable, so deep copies of arguments share them.
func init() {
	copystructure.Copiers[reflect.TypeOf(Reference{})] = func(v interface{}) (interface{}, error) {
		return v, nil
	}
}

// Reference is a proxy handle for something that can receive calls: a grain,
// a system target pinned to a silo, or an observer living in a client.
// References are values; two references are equal when they point at the
// same target.
type Reference struct {
	id               Identity
	genericArguments string
	systemTargetSilo SiloAddress
	observerID       ObserverID
}

func NewReference(id Identity, genericArguments string) (Reference, error) {
	if err := id.Validate(); err != nil {
		return Reference{}, errors.Mark(err, ErrInvalidReference)
	}
	if id.Category != CategoryGrain {
		return Reference{}, errors.WithDetailf(ErrInvalidReference, "%s is not a grain identity", id)
	}
	return Reference{
		id:               id,
		genericArguments: genericArguments,
	}, nil
}

func NewSystemTargetReference(id Identity, silo SiloAddress) (Reference, error) {
	if !id.IsSystemTarget() {
		return Reference{}, errors.WithDetailf(ErrInvalidReference, "%s is not a system target identity", id)
	}
	if silo.IsZero() {
		return Reference{}, errors.WithDetailf(ErrInvalidReference, "system target %s requires a silo", id)
	}
	return Reference{
		id:               id,
		systemTargetSilo: silo,
	}, nil
}

func NewObserverReference(clientID Identity, observer ObserverID) (Reference, error) {
	if !clientID.IsClient() {
		return Reference{}, errors.WithDetailf(ErrInvalidReference, "%s is not a client identity", clientID)
	}
	if err := clientID.Validate(); err != nil {
		return Reference{}, errors.Mark(err, ErrInvalidReference)
	}
	if observer.IsZero() {
		return Reference{}, errors.WithDetail(ErrInvalidReference, "observer reference requires an observer id")
	}
	return Reference{
		id:         clientID,
		observerID: observer,
	}, nil
}

func (r Reference) Identity() Identity {
	return r.id
}

func (r Reference) GenericArguments() string {
	return r.genericArguments
}

func (r Reference) SystemTargetSilo() SiloAddress {
	return r.systemTargetSilo
}

func (r Reference) ObserverID() ObserverID {
	return r.observerID
}

func (r Reference) IsSystemTarget() bool {
	return r.id.IsSystemTarget()
}

func (r Reference) IsObserver() bool {
	return !r.observerID.IsZero()
}

func (r Reference) IsZero() bool {
	return r == Reference{}
}

func (r Reference) Equal(o Reference) bool {
	return r == o
}

func (r Reference) Hash() uint64 {
	return xxh3.HashString(r.String())
}

func (r Reference) String() string {
	switch {
	case r.IsSystemTarget():
		return fmt.Sprintf("SystemTarget:%s/%s", r.id, r.systemTargetSilo)
	case r.IsObserver():
		return fmt.Sprintf("ObserverReference:%s/%s", r.id, r.observerID)
	case r.genericArguments != "":
		return fmt.Sprintf("GrainReference:%s<%s>", r.id, r.genericArguments)
	}
	return fmt.Sprintf("GrainReference:%s", r.id)
}
