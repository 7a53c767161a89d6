package static

import (
	"context"
	"net"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/jaym/go-orleans-client/client/services/cluster"
	"github.com/jaym/go-orleans-client/grain"
)

var ErrInvalidGateway = errors.New("invalid gateway address")

// StaticList is a gateway list that never changes.
type StaticList struct {
	gateways []grain.SiloAddress
}

var _ cluster.GatewayListProvider = (*StaticList)(nil)

// New parses gateways given as host:port.
func New(gateways []string) (*StaticList, error) {
	l := &StaticList{gateways: make([]grain.SiloAddress, 0, len(gateways))}
	for _, g := range gateways {
		host, portStr, err := net.SplitHostPort(g)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "gateway %q", g), ErrInvalidGateway)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || port == 0 {
			return nil, errors.WithDetailf(ErrInvalidGateway, "gateway %q has an invalid port", g)
		}
		l.gateways = append(l.gateways, grain.SiloAddress{Host: host, Port: uint16(port)})
	}
	return l, nil
}

func (l *StaticList) Gateways(ctx context.Context) ([]grain.SiloAddress, error) {
	if len(l.gateways) == 0 {
		return nil, cluster.ErrNoGateways
	}
	return append([]grain.SiloAddress(nil), l.gateways...), nil
}
