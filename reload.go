package yuri

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader reloads a RewriteEngine on every SIGHUP.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher and waits for it to exit.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP starts a goroutine that reloads engine's rules from its
// loader whenever the process receives SIGHUP. A failed load keeps the
// current snapshot.
func WatchSIGHUP(engine *RewriteEngine, logger *slog.Logger) *SIGHUPReloader {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	return watchReload(engine, sigCh, logger)
}

func watchReload(engine *RewriteEngine, sigCh chan os.Signal, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading rewrite rules")
				if err := engine.Load(ctx); err != nil {
					logger.Error("reload failed", "error", err)
					continue
				}
				logger.Info("rewrite rules reloaded", "count", engine.Count())
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
