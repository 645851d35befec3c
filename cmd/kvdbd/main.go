// Command kvdbd runs the kvdb server: a single in-memory, versioned
// key/value store served over a line-oriented TCP protocol (spec.md
// §4.G). It accepts --host/--port/--save-dir flags and also the two
// positional <host> <port> arguments the original program took, for
// drop-in compatibility with that invocation (SPEC_FULL.md §6); the
// positional arguments take precedence over the flags.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tigerwill90/kvdb/internal/command"
	"github.com/tigerwill90/kvdb/internal/server"
	"github.com/tigerwill90/kvdb/internal/slogpretty"
	"github.com/tigerwill90/kvdb/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		host    string
		port    string
		saveDir string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "kvdbd [host] [port]",
		Short: "kvdbd serves a versioned, watchable key/value store over TCP",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Positional args win over flags, matching the original
			// program's argv[1]/argv[2] convention.
			if len(args) > 0 {
				host = args[0]
			}
			if len(args) > 1 {
				port = args[1]
			}
			return run(host, port, saveDir, verbose)
		},
	}

	var flags *pflag.FlagSet = cmd.Flags()
	flags.StringVar(&host, "host", "127.0.0.1", "address to listen on")
	flags.StringVar(&port, "port", "8080", "TCP port to listen on")
	flags.StringVar(&saveDir, "save-dir", ".", "directory STORE/VSTORE write relative paths into")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	cmd.Flags().SortFlags = false

	return cmd
}

func run(host, port, saveDir string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := &slogpretty.Handler{
		We:  slogpretty.DefaultHandler.We,
		Wo:  slogpretty.DefaultHandler.Wo,
		Lvl: level,
		Goa: nil,
	}
	logger := slog.New(handler)

	if saveDir != "" {
		if err := os.Chdir(saveDir); err != nil {
			logger.Error("cannot change into save directory", "dir", saveDir, "err", err)
			return fmt.Errorf("chdir %s: %w", saveDir, err)
		}
	}

	st := store.New(store.WithLogger(logger))
	defer st.Close()

	disp := command.New(st, logger)
	srv := server.New(disp,
		server.WithHost(host),
		server.WithPort(port),
		server.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("server exited", "err", err)
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", "err", err)
			return err
		}
		logger.Info("server stopped")
		return nil
	}
}
