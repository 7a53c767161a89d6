package message

import (
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/jaym/go-orleans-client/grain"
)

type Direction uint8

const (
	DirectionRequest Direction = iota + 1
	DirectionResponse
	DirectionOneWay
)

func (d Direction) String() string {
	switch d {
	case DirectionRequest:
		return "Request"
	case DirectionResponse:
		return "Response"
	case DirectionOneWay:
		return "OneWay"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

type Result uint8

const (
	ResultSuccess Result = iota
	ResultError
	ResultRejection
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultError:
		return "Error"
	case ResultRejection:
		return "Rejection"
	}
	return fmt.Sprintf("Result(%d)", uint8(r))
}

type RejectionKind uint8

const (
	RejectionNone RejectionKind = iota
	RejectionTransient
	RejectionOverloaded
	RejectionDuplicateRequest
	RejectionPermanent
	RejectionGatewayTooBusy
)

func (k RejectionKind) String() string {
	switch k {
	case RejectionNone:
		return "None"
	case RejectionTransient:
		return "Transient"
	case RejectionOverloaded:
		return "Overloaded"
	case RejectionDuplicateRequest:
		return "DuplicateRequest"
	case RejectionPermanent:
		return "Permanent"
	case RejectionGatewayTooBusy:
		return "GatewayTooBusy"
	}
	return fmt.Sprintf("RejectionKind(%d)", uint8(k))
}

// CorrelationID links a request to its response. It is unique per client
// process and is kept across resends of the same request.
type CorrelationID ksuid.KSUID

func NewCorrelationID() CorrelationID {
	return CorrelationID(ksuid.New())
}

func (c CorrelationID) IsZero() bool {
	return ksuid.KSUID(c).IsNil()
}

func (c CorrelationID) String() string {
	return ksuid.KSUID(c).String()
}

func ParseCorrelationID(s string) (CorrelationID, error) {
	id, err := ksuid.Parse(s)
	if err != nil {
		return CorrelationID{}, err
	}
	return CorrelationID(id), nil
}

type InvokeOptions uint8

const (
	OptionNone      InvokeOptions = 0
	OptionOneWay    InvokeOptions = 1 << 0
	OptionUnordered InvokeOptions = 1 << 1
	OptionReadOnly  InvokeOptions = 1 << 2
)

func (o InvokeOptions) Has(flag InvokeOptions) bool {
	return o&flag == flag
}

// Message is the envelope for every request and response exchanged with the
// cluster. Body is an *InvokeMethodRequest for requests and one-way calls and
// a *Response for responses.
type Message struct {
	ID        CorrelationID
	Direction Direction
	Options   InvokeOptions

	SendingGrain grain.Identity
	SendingSilo  grain.SiloAddress

	TargetGrain      grain.Identity
	TargetSilo       grain.SiloAddress
	TargetObserver   grain.ObserverID
	GenericArguments string

	Result        Result
	RejectionKind RejectionKind
	RejectionInfo string

	// Expiration is the zero time for messages that never expire.
	Expiration    time.Time
	ResendCount   int
	TargetHistory string

	RequestContext map[string]string
	DebugContext   string

	Body any
}

func (m *Message) IsOneWay() bool {
	return m.Direction == DirectionOneWay
}

func (m *Message) IsUnordered() bool {
	return m.Options.Has(OptionUnordered)
}

// IsExpirable reports whether a request should carry an expiration. One-way
// calls and calls to system targets never expire.
func (m *Message) IsExpirable() bool {
	if m.IsOneWay() {
		return false
	}
	if m.TargetGrain.IsSystemTarget() {
		return false
	}
	return true
}

func (m *Message) IsExpired(now time.Time) bool {
	if m.Expiration.IsZero() {
		return false
	}
	return now.After(m.Expiration)
}

// MayResend reports whether another attempt fits within maxResendCount.
func (m *Message) MayResend(maxResendCount int) bool {
	return m.ResendCount < maxResendCount
}

// Destination is the unit messages are batched by. Messages that are not
// pinned to a silo all share the gateway destination.
func (m *Message) Destination() grain.SiloAddress {
	return m.TargetSilo
}

func (m *Message) TargetHistoryEntry() string {
	entry := fmt.Sprintf("<%s:%s:%s>", m.TargetSilo, m.TargetGrain, observerString(m.TargetObserver))
	if m.TargetHistory != "" {
		return entry + "    " + m.TargetHistory
	}
	return entry
}

func observerString(o grain.ObserverID) string {
	if o.IsZero() {
		return ""
	}
	return o.String()
}

// Clone returns a shallow copy of m. The request context map is copied so
// that either copy can be modified.
func (m *Message) Clone() *Message {
	c := *m
	if m.RequestContext != nil {
		c.RequestContext = make(map[string]string, len(m.RequestContext))
		for k, v := range m.RequestContext {
			c.RequestContext[k] = v
		}
	}
	return &c
}

// ForResend prepares a copy of m for another attempt. The correlation id is
// kept. Unless the target is a system target, the target silo is cleared so
// the message can be routed again.
func (m *Message) ForResend() *Message {
	c := m.Clone()
	c.ResendCount++
	c.TargetHistory = m.TargetHistoryEntry()
	if !c.TargetGrain.IsSystemTarget() {
		c.TargetSilo = grain.SiloAddress{}
	}
	return c
}

func (m *Message) CreateResponse() *Message {
	resp := &Message{
		ID:             m.ID,
		Direction:      DirectionResponse,
		SendingGrain:   m.TargetGrain,
		SendingSilo:    m.TargetSilo,
		TargetGrain:    m.SendingGrain,
		TargetSilo:     m.SendingSilo,
		Expiration:     m.Expiration,
		DebugContext:   m.DebugContext,
		RequestContext: m.RequestContext,
	}
	return resp
}

func (m *Message) CreateRejection(kind RejectionKind, info string) *Message {
	resp := m.CreateResponse()
	resp.Result = ResultRejection
	resp.RejectionKind = kind
	resp.RejectionInfo = info
	return resp
}

func (m *Message) String() string {
	s := fmt.Sprintf("%s %s %s->%s #%s", m.Direction, m.Result, m.SendingGrain, m.TargetGrain, m.ID)
	if m.Result == ResultRejection {
		s += fmt.Sprintf(" %s: %s", m.RejectionKind, m.RejectionInfo)
	}
	if m.ResendCount > 0 {
		s += fmt.Sprintf(" resend %d", m.ResendCount)
	}
	return s
}
