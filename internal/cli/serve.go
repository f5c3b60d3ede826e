package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/server"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		addr   string
		policy string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference backend",
		Long: `Run an HTTP backend that applies operations to versioned records.

Endpoints:
  POST /operations   apply an operation (409 when a conflict is left to the client)
  GET  /records/{id} read a record
  GET  /health       liveness
  GET  /ws           connectivity websocket for network status monitors`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, addr, policy, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overriding the configuration")
	cmd.Flags().StringVar(&policy, "policy", "", "conflict policy (client|server|reject), overriding the configuration")
	return cmd
}

// runServe serves until ctx is done. ready, if set, receives the bound
// address once the listener is open.
func runServe(ctx context.Context, opts *RootOptions, addr, policy string, ready func(net.Addr)) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if policy != "" {
		cfg.Server.Policy = policy
	}
	logger := cfg.Logger().WithComponent(logging.ComponentServer)

	records, closeFn, err := cfg.OpenServerStorage(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open record storage", err)
	}
	defer closeFn()

	serverOpts, err := cfg.ServerOptions(records)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid server configuration", err)
	}
	srv := server.New(serverOpts...)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to listen on %s", cfg.Server.Addr), err)
	}
	if ready != nil {
		ready(ln.Addr())
	}

	httpServer := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()
	logger.Info("server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("policy", cfg.Server.Policy),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server stopped", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	return nil
}
