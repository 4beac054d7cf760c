package main

import (
	"context"
	"os"

	"github.com/BTreeMap/MemoryPipe/internal/app"
	"github.com/BTreeMap/MemoryPipe/internal/config"
)

// runFunc starts a role and blocks until it exits, returning the exit code.
type runFunc func(ctx context.Context, cfg config.Config, opts ...app.Option) int

// runners holds what the subcommands call, so tests can observe the final config.
type runners struct {
	ingest  runFunc
	consume runFunc
	exit    func(int)
}

func defaultRunners() runners {
	return runners{ingest: app.RunIngest, consume: app.RunConsume, exit: os.Exit}
}

func main() {
	if err := newRootCmd(defaultRunners()).Execute(); err != nil {
		os.Exit(1)
	}
}
