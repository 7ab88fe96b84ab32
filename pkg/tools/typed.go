package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

//nolint:gochecknoglobals // validator caches struct metadata and is safe for concurrent use
var validate = validator.New(validator.WithRequiredStructEnabled())

// TypedTool is a LocalTool whose arguments decode into T.
// The schema comes from T's json/jsonschema tags and decoded values are checked against its validate tags.
type TypedTool[T any] struct {
	fn  func(ctx context.Context, args T, ec *ExecutionContext) (any, error)
	def Definition
}

// NewTypedTool reflects T into the tool's input schema.
func NewTypedTool[T any](name, description string, fn func(ctx context.Context, args T, ec *ExecutionContext) (any, error)) (*TypedTool[T], error) {
	schema, err := ReflectSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	def := Definition{Name: name, Description: description, RawSchema: schema}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &TypedTool[T]{def: def, fn: fn}, nil
}

// MustTypedTool is NewTypedTool for package-level tool values; it panics on a bad argument type.
func MustTypedTool[T any](name, description string, fn func(ctx context.Context, args T, ec *ExecutionContext) (any, error)) *TypedTool[T] {
	t, err := NewTypedTool(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

// ReflectSchema renders T as an inline JSON schema object.
func ReflectSchema[T any]() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	s := r.Reflect(&zero)
	s.Version = ""
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return raw, nil
}

func (t *TypedTool[T]) Definition() Definition {
	return t.def
}

func (t *TypedTool[T]) Execute(ctx context.Context, args map[string]any, ec *ExecutionContext) (any, error) {
	var decoded T
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := validate.Struct(&decoded); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return t.fn(ctx, decoded, ec)
}
