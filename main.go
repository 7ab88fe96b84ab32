// agentflow answers tasks with a tool-using language model.
//
// Usage: agentflow run "what is 2+2, use the calculator tool"
package main

import (
	"fmt"
	"os"

	"agentflow/internal/cli"
	"agentflow/pkg/logx"
)

func main() {
	defer logx.Sync()
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logx.Sync()
		os.Exit(1)
	}
}
