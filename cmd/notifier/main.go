package main

import (
	"github.com/dontdude/correctomatic/internal/app"
	"github.com/dontdude/correctomatic/internal/correction"
	"github.com/dontdude/correctomatic/internal/platform/signing"
	"github.com/dontdude/correctomatic/internal/worker"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.Setup(ctx, "notifier")
	if err != nil {
		app.Fatal("Failed to start notifier", err)
	}
	defer a.Close()

	var signer signing.Signer = signing.CanonicalSigner{}
	if path := a.Config.SigningKeyFile; path != "" {
		s, err := signing.LoadECDSASigner(path)
		if err != nil {
			app.Fatal("Failed to load signing key", err)
		}
		signer = s
	}

	finished := a.Queue(app.FinishedQueue)
	a.Background(ctx, finished)

	notifier := correction.NewNotifier(signer, a.Status, a.Metrics, correction.NotifierConfig{
		Timeout: a.Config.NotifyTimeout,
	})

	pool := worker.NewPool("notifier", a.Config.ConcurrentNotifiers, finished, notifier.Handle, a.Limiter(app.FinishedQueue))
	pool.Start(ctx)

	<-ctx.Done()
	pool.Stop()
}
