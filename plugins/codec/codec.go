package codec

import (
	"context"

	"github.com/cockroachdb/errors"
	gogoproto "github.com/gogo/protobuf/proto"
)

var (
	ErrUnexpectedType = errors.New("unexpected type")
	ErrNotCopyable    = errors.New("value cannot be deep copied")
)

// Serializer turns values into bytes and back. DeepCopy must return a value
// that shares no mutable state with its input.
type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, out any) error
	DeepCopy(v any) (any, error)
}

// EncodeError serializes err so that errors.Is keeps working against the
// sentinels of the process that raised it.
func EncodeError(ctx context.Context, err error) ([]byte, error) {
	if err == nil {
		return nil, nil
	}
	encodedErr := errors.EncodeError(ctx, err)
	return gogoproto.Marshal(&encodedErr)
}

func DecodeError(ctx context.Context, data []byte) (error, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var encodedErr errors.EncodedError
	if err := gogoproto.Unmarshal(data, &encodedErr); err != nil {
		return nil, errors.Wrap(err, "failed to decode error")
	}
	return errors.DecodeError(ctx, encodedErr), nil
}

// CopyError returns a copy of err that shares nothing with the original.
func CopyError(ctx context.Context, err error) (error, error) {
	data, encErr := EncodeError(ctx, err)
	if encErr != nil {
		return nil, encErr
	}
	return DecodeError(ctx, data)
}
