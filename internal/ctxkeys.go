package internal

import (
	"context"

	"replichat/internal/protocol"
)

// CtxKey is a context key whose value type is fixed at compile time, so
// lookups never need a type assertion at the call site.
type CtxKey[T any] struct {
	name string
}

func NewCtxKey[T any](name string) CtxKey[T] {
	return CtxKey[T]{name: name}
}

func (k CtxKey[T]) String() string {
	return "replichat." + k.name
}

// With returns a copy of ctx carrying v under k.
func (k CtxKey[T]) With(ctx context.Context, v T) context.Context {
	return context.WithValue(ctx, k, v)
}

// From returns the value stored under k, if any.
func (k CtxKey[T]) From(ctx context.Context) (T, bool) {
	v, ok := ctx.Value(k).(T)
	return v, ok
}

// ServiceKey carries the request kind being handled.
var ServiceKey = NewCtxKey[protocol.Service]("service")
