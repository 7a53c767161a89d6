package message

import (
	"reflect"

	"github.com/cockroachdb/errors"

	"github.com/jaym/go-orleans-client/grain"
)

var ErrArgumentIndex = errors.New("argument index out of range")

// RawValue is a value that arrived over the wire and has not been decoded
// yet. It is decoded on first use with the serializer of the receiver.
type RawValue []byte

type Decoder interface {
	Decode(data []byte, out any) error
}

// DecodeValue stores v into out, which must be a non-nil pointer. RawValues
// are decoded with dec, anything else is assigned if its type fits.
func DecodeValue(dec Decoder, v any, out any) error {
	if raw, ok := v.(RawValue); ok {
		if dec == nil {
			return errors.New("no decoder for raw value")
		}
		return dec.Decode(raw, out)
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.Newf("cannot decode into %T", out)
	}
	elem := rv.Elem()
	if v == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}
	val := reflect.ValueOf(v)
	if !val.Type().AssignableTo(elem.Type()) {
		return errors.Newf("cannot assign %T to %s", v, elem.Type())
	}
	elem.Set(val)
	return nil
}

type InvokeMethodRequest struct {
	Interface int32
	Method    int32
	Arguments []any

	decoder Decoder
}

var _ grain.Request = (*InvokeMethodRequest)(nil)

func NewInvokeMethodRequest(interfaceID, methodID int32, args []any) *InvokeMethodRequest {
	return &InvokeMethodRequest{
		Interface: interfaceID,
		Method:    methodID,
		Arguments: args,
	}
}

// WithDecoder sets the decoder used for arguments that arrived as RawValues.
func (r *InvokeMethodRequest) WithDecoder(dec Decoder) *InvokeMethodRequest {
	r.decoder = dec
	return r
}

func (r *InvokeMethodRequest) InterfaceID() int32 {
	return r.Interface
}

func (r *InvokeMethodRequest) MethodID() int32 {
	return r.Method
}

func (r *InvokeMethodRequest) NumArguments() int {
	return len(r.Arguments)
}

func (r *InvokeMethodRequest) Argument(i int, out any) error {
	if i < 0 || i >= len(r.Arguments) {
		return errors.WithDetailf(ErrArgumentIndex, "index %d, %d arguments", i, len(r.Arguments))
	}
	return DecodeValue(r.decoder, r.Arguments[i], out)
}

// Response is the body of a response message. Err holds an application
// error raised by the callee.
type Response struct {
	Value any
	Err   error
}
