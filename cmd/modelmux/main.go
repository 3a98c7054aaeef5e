// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/modelmux/modelmux/cmd/modelmux/mainlib"
	"github.com/modelmux/modelmux/internal/version"
)

type (
	cmd struct {
		Version struct{} `cmd:"" help:"Show version."`
		Run     cmdRun   `cmd:"" help:"Run the proxy. Flags after 'run' are passed to the server, e.g. 'run -configPath config.yaml'."`
	}
	cmdRun struct {
		Args []string `arg:"" optional:"" passthrough:"" name:"flag" help:"Flags passed to the server."`
	}
)

// runFn runs the proxy until ctx is canceled.
type runFn func(ctx context.Context, args []string, stderr io.Writer) error

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], mainlib.Main)
}

func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, run runFn) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("modelmux"),
		kong.Description("ModelMux LLM proxy CLI"),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	kctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch kctx.Command() {
	case "version":
		_, _ = stdout.Write([]byte(fmt.Sprintf("ModelMux: %s\n", version.Version)))
	case "run", "run <flag>":
		if err := run(ctx, c.Run.Args, stderr); err != nil {
			log.Fatalf("Error running proxy: %v", err)
		}
	default:
		panic("unreachable")
	}
}
