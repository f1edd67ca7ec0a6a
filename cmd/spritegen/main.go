package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/strongdm/spritegen/internal/dotenv"
	"github.com/strongdm/spritegen/internal/version"
)

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	_ = dotenv.Load(".env")

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Printf("spritegen %s\n", version.Version)
		os.Exit(0)
	case "run":
		cmdRun(os.Args[2:])
	case "resume":
		cmdResume(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "pack":
		cmdPack(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  spritegen --version")
	fmt.Fprintln(os.Stderr, "  spritegen run --manifest <file> [--runs-root <dir>] [--api-key <key>] [--verbose]")
	fmt.Fprintln(os.Stderr, "  spritegen resume --manifest <file> [--runs-root <dir>] [--force] [--api-key <key>]")
	fmt.Fprintln(os.Stderr, "  spritegen status --run-dir <dir> [--json] [--watch]")
	fmt.Fprintln(os.Stderr, "  spritegen pack --run-dir <dir> --character <name> --move <name>")
	fmt.Fprintln(os.Stderr, "  spritegen serve --run-dir <dir> [--addr <host:port>]")
}
