// Package builtin contains the local tools shipped with agentflow.
package builtin

import (
	"context"
	"errors"
	"math"
	"strconv"

	"agentflow/pkg/tools"
)

// CalculatorArgs are the arguments of the calculator tool.
type CalculatorArgs struct {
	Op string  `json:"op" jsonschema:"enum=add,enum=subtract,enum=multiply,enum=divide,description=Arithmetic operation" validate:"oneof=add subtract multiply divide"`
	A  *float64 `json:"a" jsonschema:"description=Left operand" validate:"required"`
	B  *float64 `json:"b" jsonschema:"description=Right operand" validate:"required"`
}

var errDivideByZero = errors.New("division by zero")

// Calculate applies op to a and b.
func Calculate(op string, a, b float64) (float64, error) {
	switch op {
	case "add":
		return a + b, nil
	case "subtract":
		return a - b, nil
	case "multiply":
		return a * b, nil
	case "divide":
		if b == 0 {
			return 0, errDivideByZero
		}
		return a / b, nil
	default:
		return 0, errors.New("unknown operation " + strconv.Quote(op))
	}
}

// FormatNumber prints integral results without a fractional part ("4", not "4.000000").
func FormatNumber(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// NewCalculator returns the calculator tool.
func NewCalculator() tools.LocalTool {
	return tools.MustTypedTool("calculator",
		"Performs basic arithmetic. Returns the numeric result as text.",
		func(_ context.Context, args CalculatorArgs, _ *tools.ExecutionContext) (any, error) {
			v, err := Calculate(args.Op, *args.A, *args.B)
			if err != nil {
				return nil, err
			}
			return FormatNumber(v), nil
		})
}
