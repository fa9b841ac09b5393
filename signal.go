package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// forceExit ends the process on a second signal. Tests replace it.
var forceExit = os.Exit

// shutdownContext returns a context that is canceled by the first SIGINT or
// SIGTERM. Canceling disposes the controller, which abandons whatever is in
// flight; pending, when set, reports how much that is so the log says what
// was lost. A second signal exits at once with 128+signo.
func shutdownContext(parent context.Context, logger *slog.Logger, pending func() int) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			attrs := []any{slog.String("signal", sig.String())}
			if pending != nil {
				attrs = append(attrs, slog.Int("abandoning", pending()))
			}

			logger.Info("received signal, shutting down", attrs...)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, exiting without cleanup",
				slog.String("signal", sig.String()),
			)
			forceExit(signalExitCode(sig))
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

// signalExitCode follows the shell convention for death by signal.
func signalExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}

	return 1
}
