package cluster

import (
	"context"
	"net"

	"github.com/jaym/go-orleans-client/grain"
)

type Node struct {
	Name           string
	Addr           net.IP
	MembershipPort uint16
	// Silo is zero for members that are not silos.
	Silo grain.SiloAddress
}

type MembershipDelegate interface {
	NotifyJoin(Node)
	NotifyLeave(Node)
}

type MembershipProtocol interface {
	Start(context.Context, MembershipDelegate) error
	Join(ctx context.Context, nodes []string) error
	Leave(context.Context) error
	ListMembers() ([]Node, error)
}

type MembershipDelegateCallbacks struct {
	NotifyJoinFunc  func(Node)
	NotifyLeaveFunc func(Node)
}

func (cb *MembershipDelegateCallbacks) NotifyJoin(n Node) {
	if cb.NotifyJoinFunc != nil {
		cb.NotifyJoinFunc(n)
	}
}

func (cb *MembershipDelegateCallbacks) NotifyLeave(n Node) {
	if cb.NotifyLeaveFunc != nil {
		cb.NotifyLeaveFunc(n)
	}
}
