package memberlist

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-logr/logr"
	hmemberlist "github.com/hashicorp/memberlist"

	"github.com/jaym/go-orleans-client/client/services/cluster"
	"github.com/jaym/go-orleans-client/grain"
)

// MembershipProtocol joins the cluster gossip as a non-silo member. It
// reports silos leaving the cluster and doubles as a gateway list built from
// the silos it can see.
type MembershipProtocol struct {
	log            logr.Logger
	nodeName       string
	membershipPort int
	wg             sync.WaitGroup
	closeChan      chan struct{}
	closeOnce      sync.Once
	memberlist     *hmemberlist.Memberlist
	nodeMetadata   *nodeMetadata

	lock     sync.Mutex
	nodes    map[string]cluster.Node
	gateways mapset.Set[grain.SiloAddress]
}

var (
	_ cluster.MembershipProtocol  = (*MembershipProtocol)(nil)
	_ cluster.GatewayListProvider = (*MembershipProtocol)(nil)
)

// nodeMetadata is gossiped with every member. Silos fill in Gateway with
// the address clients connect to.
type nodeMetadata struct {
	Gateway grain.SiloAddress `json:"gateway"`
}

func (m *nodeMetadata) NodeMeta(limit int) []byte {
	b, _ := json.Marshal(m)
	return b
}

func (*nodeMetadata) NotifyMsg([]byte) {}

func (*nodeMetadata) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (*nodeMetadata) LocalState(join bool) []byte { return nil }

func (*nodeMetadata) MergeRemoteState(buf []byte, join bool) {}

func New(log logr.Logger, nodeName string, membershipPort int) *MembershipProtocol {
	return &MembershipProtocol{
		log:            log.WithName("memberlist"),
		nodeName:       nodeName,
		membershipPort: membershipPort,
		closeChan:      make(chan struct{}),
		nodeMetadata:   &nodeMetadata{},
		nodes:          make(map[string]cluster.Node),
		gateways:       mapset.NewSet[grain.SiloAddress](),
	}
}

func (m *MembershipProtocol) Start(ctx context.Context, d cluster.MembershipDelegate) error {
	config := hmemberlist.DefaultLANConfig()
	ch := make(chan hmemberlist.NodeEvent, 8)
	config.Events = &channelEventDelegate{
		Ch: ch,
	}
	config.BindPort = m.membershipPort
	config.Name = m.nodeName
	config.Delegate = m.nodeMetadata
	config.LogOutput = logWriter{log: m.log}
	list, err := hmemberlist.Create(config)
	if err != nil {
		return err
	}
	m.memberlist = list

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if err := list.Leave(time.Minute); err != nil {
				m.log.V(0).Error(err, "failed to leave cluster")
			}
			if err := list.Shutdown(); err != nil {
				m.log.V(0).Error(err, "failed to shut down memberlist")
			}
		}()

		for {
			select {
			case ev := <-ch:
				m.handleEvent(ev, d)
			case <-m.closeChan:
				return
			}
		}
	}()
	return nil
}

func (m *MembershipProtocol) handleEvent(ev hmemberlist.NodeEvent, d cluster.MembershipDelegate) {
	if ev.Node == nil || ev.Node.Name == m.nodeName {
		return
	}
	switch ev.Event {
	case hmemberlist.NodeJoin, hmemberlist.NodeUpdate:
		n := m.toNode(ev.Node)
		m.log.V(1).Info("node joined", "node", n.Name, "addr", n.Addr, "port", n.MembershipPort,
			"silo", n.Silo.String(), "state", ev.Node.State)
		m.lock.Lock()
		previous, known := m.nodes[n.Name]
		m.nodes[n.Name] = n
		if known && previous.Silo != n.Silo {
			m.gateways.Remove(previous.Silo)
		}
		if !n.Silo.IsZero() {
			m.gateways.Add(n.Silo)
		}
		m.lock.Unlock()
		if !known {
			d.NotifyJoin(n)
		}
	case hmemberlist.NodeLeave:
		m.lock.Lock()
		n, known := m.nodes[ev.Node.Name]
		delete(m.nodes, ev.Node.Name)
		if !known {
			n = m.toNode(ev.Node)
		}
		m.gateways.Remove(n.Silo)
		m.lock.Unlock()
		m.log.V(1).Info("node left", "node", n.Name, "silo", n.Silo.String(), "state", ev.Node.State)
		d.NotifyLeave(n)
	}
}

func (m *MembershipProtocol) toNode(n *hmemberlist.Node) cluster.Node {
	meta := nodeMetadata{}
	if len(n.Meta) > 0 {
		if err := json.Unmarshal(n.Meta, &meta); err != nil {
			m.log.V(1).Info("ignoring invalid node metadata", "node", n.Name, "error", err.Error())
		}
	}
	return cluster.Node{
		Name:           n.Name,
		Addr:           n.Addr,
		MembershipPort: n.Port,
		Silo:           meta.Gateway,
	}
}

func (m *MembershipProtocol) Join(ctx context.Context, nodes []string) error {
	_, err := m.memberlist.Join(nodes)
	return err
}

func (m *MembershipProtocol) Leave(context.Context) error {
	m.closeOnce.Do(func() {
		close(m.closeChan)
	})
	m.wg.Wait()
	return nil
}

func (m *MembershipProtocol) ListMembers() ([]cluster.Node, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	nodes := make([]cluster.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Name < nodes[j].Name
	})
	return nodes, nil
}

// Gateways returns the gateway addresses of the silos currently alive.
func (m *MembershipProtocol) Gateways(ctx context.Context) ([]grain.SiloAddress, error) {
	gateways := m.gateways.ToSlice()
	if len(gateways) == 0 {
		return nil, cluster.ErrNoGateways
	}
	sort.Slice(gateways, func(i, j int) bool {
		return gateways[i].String() < gateways[j].String()
	})
	return gateways, nil
}

type channelEventDelegate struct {
	Ch chan<- hmemberlist.NodeEvent
}

func (c *channelEventDelegate) NotifyJoin(n *hmemberlist.Node) {
	c.notify(hmemberlist.NodeJoin, n)
}

func (c *channelEventDelegate) NotifyLeave(n *hmemberlist.Node) {
	c.notify(hmemberlist.NodeLeave, n)
}

func (c *channelEventDelegate) NotifyUpdate(n *hmemberlist.Node) {
	c.notify(hmemberlist.NodeUpdate, n)
}

func (c *channelEventDelegate) notify(event hmemberlist.NodeEventType, n *hmemberlist.Node) {
	node := *n
	select {
	case c.Ch <- hmemberlist.NodeEvent{
		Event: event,
		Node:  &node}:
	default:
	}
}

// logWriter sends memberlist's own log lines to logr.
type logWriter struct {
	log logr.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.V(4).Info(string(p))
	return len(p), nil
}
