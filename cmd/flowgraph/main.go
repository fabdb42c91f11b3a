// Command flowgraph builds a dataflow network from a YAML description and
// evaluates it, running slow nodes on a worker pool.
//
// Usage:
//
//	flowgraph run pipeline.yaml --workers 4 --policy abort
//	flowgraph run pipeline.yaml --json --sqlite history.db
//	flowgraph order pipeline.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
