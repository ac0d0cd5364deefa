//go:build unix

package main

import (
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// notifySignals maps SIGHUP to reload, SIGUSR2 to reconnect and SIGINT or
// SIGTERM to quit.
func notifySignals(h signalHandlers, logger *slog.Logger) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, unix.SIGHUP, unix.SIGUSR2, unix.SIGINT, unix.SIGTERM)
	go func() {
		for sig := range ch {
			logger.Debug("signal received", "signal", sig.String())
			switch sig {
			case unix.SIGHUP:
				h.reload()
			case unix.SIGUSR2:
				h.reconnect()
			default:
				h.quit()
			}
		}
	}()
}
