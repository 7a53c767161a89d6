package codec

import (
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
	"github.com/mitchellh/copystructure"
)

var (
	cborEncOpts = cbor.EncOptions{
		Sort:        cbor.SortNone,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}
	cborDecOpts = cbor.DecOptions{
		MaxNestedLevels: 64,
		IndefLength:     cbor.IndefLengthForbidden,
		UTF8:            cbor.UTF8DecodeInvalid,
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
	}
)

type cborSerializer struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

var _ Serializer = (*cborSerializer)(nil)

// NewCBOR returns the default serializer. It can encode any value made of
// structs, maps, slices and scalars. Deep copies do not go through CBOR.
func NewCBOR() Serializer {
	encMode, err := cborEncOpts.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err := cborDecOpts.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborSerializer{encMode: encMode, decMode: decMode}
}

func (s *cborSerializer) Encode(v any) ([]byte, error) {
	data, err := s.encMode.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %T", v)
	}
	return data, nil
}

func (s *cborSerializer) Decode(data []byte, out any) error {
	if err := s.decMode.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to decode into %T", out)
	}
	return nil
}

// DeepCopy copies v field by field, keeping the concrete types behind
// interfaces. Values with state a copy cannot carry over are refused rather
// than copied partially.
func (s *cborSerializer) DeepCopy(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if isImmutable(v) {
		return v, nil
	}
	if err := checkCopyable(reflect.ValueOf(v), make(map[uintptr]struct{})); err != nil {
		return nil, err
	}
	out, err := copystructure.Copy(v)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to copy %T", v), ErrNotCopyable)
	}
	return out, nil
}

func isImmutable(v any) bool {
	switch v.(type) {
	case string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

// checkCopyable rejects channels, functions and structs whose unexported
// fields hold anything, since none of those survive a copy.
func checkCopyable(v reflect.Value, seen map[uintptr]struct{}) error {
	if !v.IsValid() {
		return nil
	}
	if _, ok := copystructure.Copiers[v.Type()]; ok {
		return nil
	}
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return errors.WithDetailf(ErrNotCopyable, "%s cannot be copied", v.Type())
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if _, ok := seen[v.Pointer()]; ok {
			return nil
		}
		seen[v.Pointer()] = struct{}{}
		return checkCopyable(v.Elem(), seen)
	case reflect.Interface:
		return checkCopyable(v.Elem(), seen)
	case reflect.Slice, reflect.Array:
		if isScalarKind(v.Type().Elem().Kind()) {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkCopyable(v.Index(i), seen); err != nil {
				return err
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := checkCopyable(iter.Key(), seen); err != nil {
				return err
			}
			if err := checkCopyable(iter.Value(), seen); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				if !v.Field(i).IsZero() {
					return errors.WithDetailf(ErrNotCopyable, "%s has unexported state in field %s", t, field.Name)
				}
				continue
			}
			if err := checkCopyable(v.Field(i), seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func isScalarKind(k reflect.Kind) bool {
	return (k >= reflect.Bool && k <= reflect.Complex128) || k == reflect.String
}
