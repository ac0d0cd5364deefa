//go:build !unix

package main

import (
	"log/slog"
	"os"
	"os/signal"
)

func notifySignals(h signalHandlers, logger *slog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	go func() {
		for range ch {
			logger.Debug("interrupt received")
			h.quit()
		}
	}()
}
