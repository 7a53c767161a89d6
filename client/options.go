package client

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/jaym/go-orleans-client/client/services/cluster"
	"github.com/jaym/go-orleans-client/grain"
	"github.com/jaym/go-orleans-client/plugins/codec"
)

var ErrInvalidConfig = errors.New("invalid client configuration")

// Config holds the messaging settings of a client. It is read when a call is
// made; changes only affect calls made afterwards.
type Config struct {
	// ResponseTimeout is how long a call waits for a response, including
	// all resends.
	ResponseTimeout time.Duration
	// ResendOnTimeout allows a request to be sent again when an attempt
	// times out or is rejected as transient.
	ResendOnTimeout bool
	MaxResendCount  int

	UseMessageBatching     bool
	MaxMessageBatchingSize int

	// DropExpiredMessages stamps requests with an expiration and drops
	// inbound calls that arrive after theirs.
	DropExpiredMessages bool
}

func DefaultConfig() Config {
	return Config{
		ResponseTimeout:        30 * time.Second,
		ResendOnTimeout:        false,
		MaxResendCount:         0,
		UseMessageBatching:     false,
		MaxMessageBatchingSize: 10,
		DropExpiredMessages:    true,
	}
}

func (c Config) Validate() error {
	if c.ResponseTimeout <= 0 {
		return errors.WithDetailf(ErrInvalidConfig, "response timeout must be positive, got %s", c.ResponseTimeout)
	}
	if c.MaxResendCount < 0 {
		return errors.WithDetailf(ErrInvalidConfig, "max resend count must not be negative, got %d", c.MaxResendCount)
	}
	if c.UseMessageBatching && c.MaxMessageBatchingSize < 1 {
		return errors.WithDetailf(ErrInvalidConfig, "max batch size must be at least 1, got %d", c.MaxMessageBatchingSize)
	}
	return nil
}

// TypeResolver tells the client about grain types it calls.
type TypeResolver interface {
	// IsUnordered reports whether calls to the type need no ordering.
	IsUnordered(typeCode int64) bool
}

type unorderedTypes map[int64]struct{}

func (u unorderedTypes) IsUnordered(typeCode int64) bool {
	_, ok := u[typeCode]
	return ok
}

// UnorderedTypes returns a TypeResolver that marks the given grain types as
// unordered.
func UnorderedTypes(typeCodes ...int64) TypeResolver {
	u := make(unorderedTypes, len(typeCodes))
	for _, t := range typeCodes {
		u[t] = struct{}{}
	}
	return u
}

type clientOptions struct {
	config             *Config
	clock              clock.Clock
	serializer         codec.Serializer
	membershipProtocol cluster.MembershipProtocol
	typeResolver       TypeResolver
	meterProvider      metric.MeterProvider
	clientID           uuid.UUID
}

func (o *clientOptions) Config() Config {
	if o.config == nil {
		return DefaultConfig()
	}
	return *o.config
}

func (o *clientOptions) Clock() clock.Clock {
	if o.clock == nil {
		return clock.New()
	}
	return o.clock
}

func (o *clientOptions) Serializer() codec.Serializer {
	if o.serializer == nil {
		return codec.NewCBOR()
	}
	return o.serializer
}

func (o *clientOptions) TypeResolver() TypeResolver {
	if o.typeResolver == nil {
		return UnorderedTypes()
	}
	return o.typeResolver
}

func (o *clientOptions) Identity() grain.Identity {
	if o.clientID == uuid.Nil {
		return grain.NewClientIdentity()
	}
	return grain.ClientIdentity(o.clientID)
}

type ClientOption func(*clientOptions)

func WithConfig(c Config) ClientOption {
	return func(o *clientOptions) {
		o.config = &c
	}
}

func WithClock(c clock.Clock) ClientOption {
	return func(o *clientOptions) {
		o.clock = c
	}
}

func WithSerializer(s codec.Serializer) ClientOption {
	return func(o *clientOptions) {
		o.serializer = s
	}
}

// WithMembershipProtocol makes the client fail over calls to silos the
// protocol reports as gone.
func WithMembershipProtocol(m cluster.MembershipProtocol) ClientOption {
	return func(o *clientOptions) {
		o.membershipProtocol = m
	}
}

func WithTypeResolver(r TypeResolver) ClientOption {
	return func(o *clientOptions) {
		o.typeResolver = r
	}
}

func WithMeterProvider(p metric.MeterProvider) ClientOption {
	return func(o *clientOptions) {
		o.meterProvider = p
	}
}

func WithClientID(id uuid.UUID) ClientOption {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

type invokeOptions struct {
	timeout      time.Duration
	oneWay       bool
	unordered    bool
	readOnly     bool
	debugContext string
}

type InvokeOption func(*invokeOptions)

// WithTimeout overrides the response timeout for one call.
func WithTimeout(d time.Duration) InvokeOption {
	return func(o *invokeOptions) {
		o.timeout = d
	}
}

// OneWay sends the call without waiting for, or expecting, a response.
func OneWay() InvokeOption {
	return func(o *invokeOptions) {
		o.oneWay = true
	}
}

func Unordered() InvokeOption {
	return func(o *invokeOptions) {
		o.unordered = true
	}
}

func ReadOnly() InvokeOption {
	return func(o *invokeOptions) {
		o.readOnly = true
	}
}

func WithDebugContext(s string) InvokeOption {
	return func(o *invokeOptions) {
		o.debugContext = s
	}
}
