package psql

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/jaym/go-orleans-client/client/services/cluster"
	"github.com/jaym/go-orleans-client/grain"
	"github.com/jaym/go-orleans-client/plugins/gateways/psql/internal"
)

var (
	ErrGatewayAlreadyRegistered = errors.New("gateway already registered")
	ErrGatewayNotFound          = errors.New("gateway not found")
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDraining Status = "draining"
	StatusDead     Status = "dead"
)

// PSQLGatewayList reads the gateways of a cluster from a table the silos
// keep up to date. The list is cached for the refresh period.
type PSQLGatewayList struct {
	log           logr.Logger
	db            *pgxpool.Pool
	q             *internal.Queries
	clock         clock.Clock
	refreshPeriod time.Duration

	lock      sync.Mutex
	cached    []grain.SiloAddress
	fetchedAt time.Time
}

var _ cluster.GatewayListProvider = (*PSQLGatewayList)(nil)

func SetupDatabase(db *sql.DB) error {
	return internal.Migrate(db)
}

type GatewayListOption func(*PSQLGatewayList)

func WithRefreshPeriod(d time.Duration) GatewayListOption {
	return func(l *PSQLGatewayList) {
		l.refreshPeriod = d
	}
}

func WithClock(c clock.Clock) GatewayListOption {
	return func(l *PSQLGatewayList) {
		l.clock = c
	}
}

func NewGatewayList(log logr.Logger, db *pgxpool.Pool, opts ...GatewayListOption) *PSQLGatewayList {
	l := &PSQLGatewayList{
		log:           log.WithName("psql-gateways"),
		db:            db,
		q:             internal.New(db),
		clock:         clock.New(),
		refreshPeriod: time.Minute,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *PSQLGatewayList) Gateways(ctx context.Context) ([]grain.SiloAddress, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	now := l.clock.Now()
	if l.cached == nil || now.Sub(l.fetchedAt) >= l.refreshPeriod {
		rows, err := l.q.ListGateways(ctx, string(StatusActive))
		if err != nil {
			l.log.V(0).Error(err, "failed to list gateways")
			if l.cached != nil {
				return append([]grain.SiloAddress(nil), l.cached...), nil
			}
			return nil, err
		}
		gateways := make([]grain.SiloAddress, 0, len(rows))
		for _, r := range rows {
			gateways = append(gateways, grain.SiloAddress{
				Host:       r.Host,
				Port:       uint16(r.Port),
				Generation: r.Generation,
			})
		}
		l.cached = gateways
		l.fetchedAt = now
		l.log.V(4).Info("refreshed gateways", "count", len(gateways))
	}
	if len(l.cached) == 0 {
		return nil, cluster.ErrNoGateways
	}
	return append([]grain.SiloAddress(nil), l.cached...), nil
}

// Register adds an active gateway. Silos call it when they start accepting
// client connections.
func (l *PSQLGatewayList) Register(ctx context.Context, silo grain.SiloAddress) error {
	l.log.V(5).Info("registering gateway", "silo", silo.String())
	err := l.q.InsertGateway(ctx, internal.InsertGatewayParams{
		Host:       silo.Host,
		Port:       int32(silo.Port),
		Generation: silo.Generation,
		Status:     string(StatusActive),
	})
	if err != nil {
		l.log.V(0).Error(err, "failed to register gateway", "silo", silo.String())
		if isConstraintError(err) {
			return errors.WithDetailf(ErrGatewayAlreadyRegistered, "%s", silo)
		}
		return err
	}
	l.invalidate()
	return nil
}

func (l *PSQLGatewayList) SetStatus(ctx context.Context, silo grain.SiloAddress, status Status) error {
	n, err := l.q.UpdateGatewayStatus(ctx, internal.UpdateGatewayStatusParams{
		Host:       silo.Host,
		Port:       int32(silo.Port),
		Generation: silo.Generation,
		Status:     string(status),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.WithDetailf(ErrGatewayNotFound, "%s", silo)
	}
	l.invalidate()
	return nil
}

func (l *PSQLGatewayList) invalidate() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.cached = nil
}

func isConstraintError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}
	return false
}
