package grain

import "context"

// Request is what a local object sees of an inbound call.
type Request interface {
	InterfaceID() int32
	MethodID() int32
	NumArguments() int
	// Argument decodes the i-th argument into out.
	Argument(i int, out any) error
}

// Invoker dispatches a call to a local object. The target is the live object
// that was registered; the invoker is responsible for mapping interface and
// method ids onto its methods.
type Invoker interface {
	Invoke(ctx context.Context, target any, req Request) (any, error)
}

type InvokerFunc func(ctx context.Context, target any, req Request) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, target any, req Request) (any, error) {
	return f(ctx, target, req)
}
