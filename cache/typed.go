package cache

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// GetAs is a typed Get. A value cached locally with the requested type is
// returned as-is; anything else, such as a struct read back from the shared
// tier as a map, is converted through msgpack.
func GetAs[T any](ctx context.Context, m *Manager, key string, o Options) (T, bool, error) {
	val, ok := m.Get(ctx, key, o)
	if !ok {
		var zero T
		return zero, false, nil
	}
	result, err := convert[T](val)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return result, true, nil
}

// WrapAs is a typed Wrap.
func WrapAs[T any](ctx context.Context, m *Manager, key string, producer func(ctx context.Context) (T, error), o Options) (T, error) {
	val, err := m.Wrap(ctx, key, func(ctx context.Context) (any, error) {
		return producer(ctx)
	}, o)
	if err != nil {
		var zero T
		return zero, err
	}
	return convert[T](val)
}

func convert[T any](val any) (T, error) {
	var result T
	if val == nil {
		return result, nil
	}
	if typed, ok := val.(T); ok {
		return typed, nil
	}
	data, err := msgpack.Marshal(val)
	if err != nil {
		return result, serializationError(err, fmt.Sprintf("convert %T to %T", val, result))
	}
	if err := msgpack.Unmarshal(data, &result); err != nil {
		return result, serializationError(err, fmt.Sprintf("convert %T to %T", val, result))
	}
	return result, nil
}
