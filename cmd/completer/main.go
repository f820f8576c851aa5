package main

import (
	"github.com/dontdude/correctomatic/internal/app"
	"github.com/dontdude/correctomatic/internal/correction"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.Setup(ctx, "completer")
	if err != nil {
		app.Fatal("Failed to start completer", err)
	}
	defer a.Close()

	runtime, err := a.Docker(ctx)
	if err != nil {
		app.Fatal("Failed to connect to docker", err)
	}
	defer runtime.Close()

	running := a.Queue(app.RunningQueue)
	finished := a.Queue(app.FinishedQueue)
	a.Background(ctx, running)

	completer := correction.NewCompleter(runtime, running, finished, a.Status, a.Metrics, correction.CompleterConfig{
		MaxRuntime: a.Config.Docker.MaxRuntime,
	})
	completer.Run(ctx)
}
