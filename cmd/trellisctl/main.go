package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"trellis/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "trellisctl:", err)
	}
	os.Exit(cli.ExitCode(err))
}
