package main

import (
	"github.com/dontdude/correctomatic/internal/app"
	"github.com/dontdude/correctomatic/internal/correction"
	"github.com/dontdude/correctomatic/internal/worker"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.Setup(ctx, "starter")
	if err != nil {
		app.Fatal("Failed to start starter", err)
	}
	defer a.Close()

	runtime, err := a.Docker(ctx)
	if err != nil {
		app.Fatal("Failed to connect to docker", err)
	}
	defer runtime.Close()

	pending := a.Queue(app.PendingQueue)
	running := a.Queue(app.RunningQueue)
	finished := a.Queue(app.FinishedQueue)
	a.Background(ctx, pending)

	starter := correction.NewStarter(runtime, running, finished, a.Status, a.Metrics, correction.StarterConfig{
		Pull:      a.Config.Docker.Pull,
		DontStart: a.Config.Docker.DontStart,
		Attempts:  a.Config.Pending.Attempts,
	})

	// One container is launched at a time.
	pool := worker.NewPool("starter", 1, pending, starter.Handle, a.Limiter(app.PendingQueue))
	pool.Start(ctx)

	<-ctx.Done()
	pool.Stop()
}
