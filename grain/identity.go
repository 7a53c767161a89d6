package grain

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var ErrInvalidIdentity = errors.New("invalid grain identity")

// Category distinguishes the kinds of addressable things in the cluster.
type Category uint8

const (
	CategoryGrain Category = iota + 1
	CategorySystemTarget
	CategoryClient
)

func (c Category) String() string {
	switch c {
	case CategoryGrain:
		return "grain"
	case CategorySystemTarget:
		return "system"
	case CategoryClient:
		return "client"
	}
	return "unknown"
}

type KeyKind uint8

const (
	KeyNone KeyKind = iota
	KeyInteger
	KeyGUID
	KeyString
)

// Identity is the stable, location independent id of a grain, a system
// target or a client. It is comparable and can be used as a map key.
type Identity struct {
	Category  Category
	TypeCode  int64
	KeyKind   KeyKind
	IntKey    int64
	GUIDKey   uuid.UUID
	StringKey string
}

func NewIntegerIdentity(typeCode int64, key int64) Identity {
	return Identity{
		Category: CategoryGrain,
		TypeCode: typeCode,
		KeyKind:  KeyInteger,
		IntKey:   key,
	}
}

func NewGUIDIdentity(typeCode int64, key uuid.UUID) Identity {
	return Identity{
		Category: CategoryGrain,
		TypeCode: typeCode,
		KeyKind:  KeyGUID,
		GUIDKey:  key,
	}
}

func NewStringIdentity(typeCode int64, key string) Identity {
	return Identity{
		Category:  CategoryGrain,
		TypeCode:  typeCode,
		KeyKind:   KeyString,
		StringKey: key,
	}
}

func SystemTargetIdentity(typeCode int64) Identity {
	return Identity{
		Category: CategorySystemTarget,
		TypeCode: typeCode,
	}
}

// ClientIdentity is the identity of an outside-the-cluster client. A new one
// is created for every client process unless one is supplied.
func ClientIdentity(id uuid.UUID) Identity {
	return Identity{
		Category: CategoryClient,
		KeyKind:  KeyGUID,
		GUIDKey:  id,
	}
}

func NewClientIdentity() Identity {
	return ClientIdentity(uuid.New())
}

func (a Identity) IsZero() bool {
	return a == Identity{}
}

func (a Identity) IsSystemTarget() bool {
	return a.Category == CategorySystemTarget
}

func (a Identity) IsClient() bool {
	return a.Category == CategoryClient
}

func (a Identity) Validate() error {
	switch a.Category {
	case CategoryGrain:
		switch a.KeyKind {
		case KeyInteger, KeyGUID:
		case KeyString:
			if a.StringKey == "" {
				return errors.WithDetail(ErrInvalidIdentity, "string key must not be empty")
			}
		default:
			return errors.WithDetailf(ErrInvalidIdentity, "grain identity has no key (kind %d)", a.KeyKind)
		}
	case CategorySystemTarget:
	case CategoryClient:
		if a.KeyKind != KeyGUID || a.GUIDKey == uuid.Nil {
			return errors.WithDetail(ErrInvalidIdentity, "client identity requires a guid")
		}
	default:
		return errors.WithDetailf(ErrInvalidIdentity, "unknown category %d", a.Category)
	}
	return nil
}

func (a Identity) keyString() string {
	switch a.KeyKind {
	case KeyInteger:
		return strconv.FormatInt(a.IntKey, 10)
	case KeyGUID:
		return a.GUIDKey.String()
	case KeyString:
		return strconv.Quote(a.StringKey)
	}
	return ""
}

func (a Identity) String() string {
	switch a.Category {
	case CategorySystemTarget:
		return fmt.Sprintf("%s/0x%x", a.Category, a.TypeCode)
	case CategoryClient:
		return fmt.Sprintf("%s/%s", a.Category, a.keyString())
	}
	return fmt.Sprintf("%s/0x%x/%s", a.Category, a.TypeCode, a.keyString())
}
