package grain

import "github.com/google/uuid"

// ObserverID identifies a local object registered with a client so that it
// can receive calls from the cluster.
type ObserverID uuid.UUID

func NewObserverID() ObserverID {
	return ObserverID(uuid.New())
}

func (o ObserverID) IsZero() bool {
	return uuid.UUID(o) == uuid.Nil
}

func (o ObserverID) String() string {
	return uuid.UUID(o).String()
}
