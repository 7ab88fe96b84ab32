package builtin

import (
	"context"
	"time"

	"agentflow/pkg/tools"
	"agentflow/pkg/utils"
)

// EchoArgs are the arguments of the echo tool.
type EchoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to return unchanged" validate:"required"`
}

// NewEcho returns a tool that repeats its input.
func NewEcho() tools.LocalTool {
	return tools.MustTypedTool("echo", "Returns the given text unchanged.",
		func(_ context.Context, args EchoArgs, _ *tools.ExecutionContext) (any, error) {
			return args.Text, nil
		})
}

// ClockArgs are the arguments of the current_time tool.
type ClockArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name; defaults to UTC"`
}

// NewClock returns a tool reporting the current time. now is injectable for tests.
func NewClock(now func() time.Time) tools.LocalTool {
	if now == nil {
		now = time.Now
	}
	return tools.MustTypedTool("current_time", "Returns the current date and time in RFC 3339 format.",
		func(_ context.Context, args ClockArgs, _ *tools.ExecutionContext) (any, error) {
			loc := time.UTC
			if args.Timezone != "" {
				l, err := time.LoadLocation(args.Timezone)
				if err != nil {
					return nil, err
				}
				loc = l
			}
			return now().In(loc).Format(time.RFC3339), nil
		})
}

// NewTaskInfo returns a tool that reports what the current run was asked to do, read from the ExecutionContext.
func NewTaskInfo() tools.LocalTool {
	return tools.NewFuncTool(tools.Definition{
		Name:        "task_info",
		Description: "Returns the original instruction and id of the current task, plus any values tools recorded for it.",
		InputSchema: tools.InputSchema{Type: "object", Properties: map[string]tools.Property{}},
	}, func(_ context.Context, _ map[string]any, ec *tools.ExecutionContext) (any, error) {
		info := ec.Snapshot()
		info[tools.ContextKeyOriginalInstruction] = utils.GetValueOr(ec, tools.ContextKeyOriginalInstruction, "")
		info[tools.ContextKeyTaskID] = utils.GetValueOr(ec, tools.ContextKeyTaskID, "")
		return info, nil
	})
}

// Defaults returns the built-in tool set.
func Defaults() []tools.LocalTool {
	return []tools.LocalTool{NewCalculator(), NewEcho(), NewClock(nil), NewTaskInfo()}
}
