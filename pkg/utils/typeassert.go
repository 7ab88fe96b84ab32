// Package utils provides token counting and typed access helpers for loosely typed values.
package utils

import "fmt"

// SafeAssert performs a type assertion and reports success.
func SafeAssert[T any](value any) (T, bool) {
	if v, ok := value.(T); ok {
		return v, true
	}
	var zero T
	return zero, false
}

// GetMapField gets a field from a decoded JSON object and asserts its type.
func GetMapField[T any](m map[string]any, key string) (T, error) {
	var zero T
	value, exists := m[key]
	if !exists {
		return zero, fmt.Errorf("field '%s' not found in map", key)
	}
	if typedValue, ok := value.(T); ok {
		return typedValue, nil
	}
	return zero, fmt.Errorf("field '%s' expected type %T, got %T", key, zero, value)
}

// GetMapFieldOr is GetMapField with a fallback.
func GetMapFieldOr[T any](m map[string]any, key string, defaultValue T) T {
	if value, err := GetMapField[T](m, key); err == nil {
		return value
	}
	return defaultValue
}

// ValueGetter is anything holding keyed values, such as a tool ExecutionContext.
type ValueGetter interface {
	Get(key string) (any, bool)
}

// GetValue gets and asserts a keyed value.
func GetValue[T any](g ValueGetter, key string) (T, bool) {
	var zero T
	if value, exists := g.Get(key); exists {
		if typedValue, ok := value.(T); ok {
			return typedValue, true
		}
	}
	return zero, false
}

// GetValueOr is GetValue with a fallback.
func GetValueOr[T any](g ValueGetter, key string, defaultValue T) T {
	if value, ok := GetValue[T](g, key); ok {
		return value
	}
	return defaultValue
}
