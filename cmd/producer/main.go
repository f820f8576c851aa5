// Command producer enqueues corrections and tries correction images locally.
package main

import (
	"os"

	"github.com/dontdude/correctomatic/internal/app"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "producer",
		Short: "Enqueue corrections and try correction images",
		Long: `producer talks to a correctomatic installation.

  Enqueue a correction, delivered later to the callback URL:
    producer enqueue --image correction/python:1 --file ./exercise.py --callback http://example.com/hook

  Run an image once and print the response it produces:
    producer try --image correction/python:1 --file ./exercise.py --param LANG=python

Configuration comes from the same environment variables as the services
(REDIS_ADDR, QUEUE_PREFIX, DOCKER_HOST, DOCKER_MAX_RUNTIME, ...).`,
		SilenceUsage: true,
	}
	root.AddCommand(newEnqueueCmd(), newTryCmd())
	return root
}

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
