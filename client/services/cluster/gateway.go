package cluster

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/jaym/go-orleans-client/grain"
)

var ErrNoGateways = errors.New("no gateways available")

// GatewayListProvider returns the silos a client may connect to.
type GatewayListProvider interface {
	Gateways(ctx context.Context) ([]grain.SiloAddress, error)
}
