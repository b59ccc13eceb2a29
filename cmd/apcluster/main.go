// Command apcluster clusters similarity matrices stored in an array
// container with affinity propagation.
//
// Usage:
//
//	apcluster run    -store DIR [-config FILE] [-tier T] [-procs P]
//	apcluster worker -store DIR -coordinator ADDR -rank R -size P
//	apcluster gen    -store DIR -n N [-clusters C] [-tier T]
//
// run clusters one tier on P in-process ranks, or as rank 0 of a gRPC group
// when -coordinator is set. The other ranks of a gRPC group are started with
// worker and the same -store, -config and -tier.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: apcluster <command> [flags]

commands:
  run     cluster a tier
  worker  join a gRPC group as a non-coordinator rank
  gen     write a synthetic similarity matrix

Run "apcluster <command> -h" for the flags of a command.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runCmd(ctx, args, false)
	case "worker":
		err = runCmd(ctx, args, true)
	case "gen":
		err = genCmd(ctx, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "apcluster: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "apcluster: %v\n", err)
		os.Exit(1)
	}
}
