package grpc

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jaym/go-orleans-client/grain"
	"github.com/jaym/go-orleans-client/message"
	"github.com/jaym/go-orleans-client/plugins/codec"
)

const (
	bodyNone uint8 = iota
	bodyRequest
	bodyResponse
)

// wireMessage is the frame representation of a message. Arguments and
// results stay encoded until the receiver asks for them.
type wireMessage struct {
	ID             message.CorrelationID `cbor:"1,keyasint"`
	Direction      message.Direction     `cbor:"2,keyasint"`
	Options        message.InvokeOptions `cbor:"3,keyasint,omitempty"`
	SendingGrain   grain.Identity        `cbor:"4,keyasint"`
	SendingSilo    grain.SiloAddress     `cbor:"5,keyasint,omitempty"`
	TargetGrain    grain.Identity        `cbor:"6,keyasint"`
	TargetSilo     grain.SiloAddress     `cbor:"7,keyasint,omitempty"`
	TargetObserver grain.ObserverID      `cbor:"8,keyasint,omitempty"`
	Generic        string                `cbor:"9,keyasint,omitempty"`

	Result        message.Result        `cbor:"10,keyasint,omitempty"`
	RejectionKind message.RejectionKind `cbor:"11,keyasint,omitempty"`
	RejectionInfo string                `cbor:"12,keyasint,omitempty"`

	DeadlineUnix  int64  `cbor:"13,keyasint,omitempty"`
	ResendCount   int    `cbor:"14,keyasint,omitempty"`
	TargetHistory string `cbor:"15,keyasint,omitempty"`

	RequestContext map[string]string `cbor:"16,keyasint,omitempty"`
	DebugContext   string            `cbor:"17,keyasint,omitempty"`

	BodyKind  uint8    `cbor:"18,keyasint"`
	Interface int32    `cbor:"19,keyasint,omitempty"`
	Method    int32    `cbor:"20,keyasint,omitempty"`
	Args      [][]byte `cbor:"21,keyasint,omitempty"`
	Value     []byte   `cbor:"22,keyasint,omitempty"`
	Err       []byte   `cbor:"23,keyasint,omitempty"`
}

type wireBatch struct {
	Messages []wireMessage `cbor:"1,keyasint"`
}

func encodeBatch(ctx context.Context, s codec.Serializer, batch []*message.Message) ([]byte, error) {
	wb := wireBatch{Messages: make([]wireMessage, 0, len(batch))}
	for _, m := range batch {
		w, err := toWire(ctx, s, m)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s", m)
		}
		wb.Messages = append(wb.Messages, w)
	}
	return s.Encode(wb)
}

func decodeBatch(ctx context.Context, s codec.Serializer, data []byte) ([]*message.Message, error) {
	var wb wireBatch
	if err := s.Decode(data, &wb); err != nil {
		return nil, err
	}
	out := make([]*message.Message, 0, len(wb.Messages))
	for i := range wb.Messages {
		m, err := fromWire(ctx, s, &wb.Messages[i])
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func encodeValue(s codec.Serializer, v any) ([]byte, error) {
	if raw, ok := v.(message.RawValue); ok {
		return raw, nil
	}
	if v == nil {
		return nil, nil
	}
	return s.Encode(v)
}

func toWire(ctx context.Context, s codec.Serializer, m *message.Message) (wireMessage, error) {
	w := wireMessage{
		ID:             m.ID,
		Direction:      m.Direction,
		Options:        m.Options,
		SendingGrain:   m.SendingGrain,
		SendingSilo:    m.SendingSilo,
		TargetGrain:    m.TargetGrain,
		TargetSilo:     m.TargetSilo,
		TargetObserver: m.TargetObserver,
		Generic:        m.GenericArguments,
		Result:         m.Result,
		RejectionKind:  m.RejectionKind,
		RejectionInfo:  m.RejectionInfo,
		ResendCount:    m.ResendCount,
		TargetHistory:  m.TargetHistory,
		RequestContext: m.RequestContext,
		DebugContext:   m.DebugContext,
	}
	if !m.Expiration.IsZero() {
		w.DeadlineUnix = m.Expiration.UnixMilli()
	}

	switch body := m.Body.(type) {
	case nil:
	case *message.InvokeMethodRequest:
		w.BodyKind = bodyRequest
		w.Interface = body.Interface
		w.Method = body.Method
		w.Args = make([][]byte, len(body.Arguments))
		for i, arg := range body.Arguments {
			data, err := encodeValue(s, arg)
			if err != nil {
				return w, errors.Wrapf(err, "argument %d", i)
			}
			w.Args[i] = data
		}
	case *message.Response:
		w.BodyKind = bodyResponse
		if body.Err != nil {
			data, err := codec.EncodeError(ctx, body.Err)
			if err != nil {
				return w, err
			}
			w.Err = data
		} else {
			data, err := encodeValue(s, body.Value)
			if err != nil {
				return w, errors.Wrap(err, "result")
			}
			w.Value = data
		}
	default:
		return w, errors.WithDetailf(codec.ErrUnexpectedType, "message body %T", m.Body)
	}
	return w, nil
}

func fromWire(ctx context.Context, s codec.Serializer, w *wireMessage) (*message.Message, error) {
	m := &message.Message{
		ID:               w.ID,
		Direction:        w.Direction,
		Options:          w.Options,
		SendingGrain:     w.SendingGrain,
		SendingSilo:      w.SendingSilo,
		TargetGrain:      w.TargetGrain,
		TargetSilo:       w.TargetSilo,
		TargetObserver:   w.TargetObserver,
		GenericArguments: w.Generic,
		Result:           w.Result,
		RejectionKind:    w.RejectionKind,
		RejectionInfo:    w.RejectionInfo,
		ResendCount:      w.ResendCount,
		TargetHistory:    w.TargetHistory,
		RequestContext:   w.RequestContext,
		DebugContext:     w.DebugContext,
	}
	if w.DeadlineUnix > 0 {
		m.Expiration = time.UnixMilli(w.DeadlineUnix)
	}

	switch w.BodyKind {
	case bodyNone:
	case bodyRequest:
		args := make([]any, len(w.Args))
		for i := range w.Args {
			if w.Args[i] != nil {
				args[i] = message.RawValue(w.Args[i])
			}
		}
		m.Body = message.NewInvokeMethodRequest(w.Interface, w.Method, args).WithDecoder(s)
	case bodyResponse:
		resp := &message.Response{}
		if len(w.Err) > 0 {
			err, decErr := codec.DecodeError(ctx, w.Err)
			if decErr != nil {
				return nil, decErr
			}
			resp.Err = err
		} else if w.Value != nil {
			resp.Value = message.RawValue(w.Value)
		}
		m.Body = resp
	default:
		return nil, errors.Newf("unknown body kind %d", w.BodyKind)
	}
	return m, nil
}
