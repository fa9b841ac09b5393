// Local Diceware server backed by memory, for trying the CLI without a
// real deployment.
//
// Usage: go run ./cmd/diceware-devserver --addr :8080 --token dev --owner me
//
// Without --token every bearer token is accepted and doubles as the owner,
// so any signed-in account gets its own collection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tonimelisma/diceware-go/internal/diceware"
	"github.com/tonimelisma/diceware-go/internal/diceware/fakeserver"
)

const shutdownTimeout = 5 * time.Second

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	token := flag.String("token", "", "only accept this bearer token")
	owner := flag.String("owner", "dev", "owner of --token's collection")
	seed := flag.Int("seed", 0, "number of generated passphrases to preload for --owner")
	verbose := flag.Bool("v", false, "log every request")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*addr, *token, *owner, *seed, logger); err != nil {
		fmt.Fprintf(os.Stderr, "devserver: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, token, owner string, seed int, logger *slog.Logger) error {
	var fake *fakeserver.Server
	if token == "" {
		fake = fakeserver.New(logger, fakeserver.WithAnyToken())
	} else {
		fake = fakeserver.New(logger)
		fake.AddToken(token, owner)
	}

	for i := range seed {
		words, err := diceware.Generate(diceware.DefaultWords)
		if err != nil {
			return err
		}

		fake.Seed(owner, diceware.Passphrase{Key: fmt.Sprintf("sample-%d", i+1), Words: words})
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           fake.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)

	go func() {
		logger.Info("listening", slog.String("addr", addr), slog.Bool("any_token", token == ""))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
