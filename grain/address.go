package grain

import (
	"fmt"
	"net"
	"strconv"
)

// SiloAddress names a silo process. Generation distinguishes restarts of a
// silo on the same endpoint.
type SiloAddress struct {
	Host       string
	Port       uint16
	Generation int64
}

func (s SiloAddress) IsZero() bool {
	return s == SiloAddress{}
}

func (s SiloAddress) Endpoint() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}

func (s SiloAddress) String() string {
	if s.IsZero() {
		return "null"
	}
	return fmt.Sprintf("S%s:%d", s.Endpoint(), s.Generation)
}
