package protobuf

import (
	"reflect"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/proto"

	"github.com/jaym/go-orleans-client/plugins/codec"
)

type protobufCodec struct {
	fallback codec.Serializer
}

// NewCodec returns a serializer for protobuf messages. Values that are not
// protobuf messages are handed to fallback, which may be nil.
func NewCodec(fallback codec.Serializer) codec.Serializer {
	return protobufCodec{fallback: fallback}
}

func (c protobufCodec) Encode(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	if c.fallback == nil {
		return nil, errors.WithDetailf(codec.ErrUnexpectedType, "%T is not a protobuf message", v)
	}
	return c.fallback.Encode(v)
}

func (c protobufCodec) Decode(b []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(b, m)
	}
	// a pointer to a message pointer gets a freshly allocated message
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Pointer {
		if m, ok := reflect.New(rv.Elem().Type().Elem()).Interface().(proto.Message); ok {
			if err := proto.Unmarshal(b, m); err != nil {
				return err
			}
			rv.Elem().Set(reflect.ValueOf(m))
			return nil
		}
	}
	if c.fallback == nil {
		return errors.WithDetailf(codec.ErrUnexpectedType, "%T is not a protobuf message", v)
	}
	return c.fallback.Decode(b, v)
}

func (c protobufCodec) DeepCopy(v any) (any, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Clone(m), nil
	}
	if c.fallback == nil {
		return nil, errors.WithDetailf(codec.ErrUnexpectedType, "%T is not a protobuf message", v)
	}
	return c.fallback.DeepCopy(v)
}
