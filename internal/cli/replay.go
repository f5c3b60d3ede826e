package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-kit/config"
	"github.com/c0deZ3R0/go-offline-kit/conflict"
	"github.com/c0deZ3R0/go-offline-kit/metrics"
	"github.com/c0deZ3R0/go-offline-kit/network"
	"github.com/c0deZ3R0/go-offline-kit/operation"
	"github.com/c0deZ3R0/go-offline-kit/queue"
	"github.com/c0deZ3R0/go-offline-kit/scheduler"
	"github.com/c0deZ3R0/go-offline-kit/storage"
)

// ReplayedOperation is the outcome of one forwarded entry.
type ReplayedOperation struct {
	QID    string `json:"qid"`
	Name   string `json:"name"`
	Status string `json:"status"` // "ok" | "rejected" | "failed"
	Error  string `json:"error,omitempty"`
}

// ReplayResult is the replay result.
type ReplayResult struct {
	Operations []ReplayedOperation `json:"operations"`
	Succeeded  int                 `json:"succeeded"`
	Rejected   int                 `json:"rejected"` // removed from the queue by the backend
	Failed     int                 `json:"failed"`   // still queued
	Remaining  int                 `json:"remaining"`
	Metrics    metrics.Snapshot    `json:"metrics"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Forward queued operations to the backend",
		Long: `Forward every queued operation to the configured executor endpoint in
FIFO order. Operations that fail with a network error stay queued; operations
the backend rejects are removed. Conflicts are resolved locally when
conflict handling is enabled.

Exit codes:
  0 - Every operation was forwarded or rejected by the backend
  1 - Some operations failed and remain queued
  2 - Command error (invalid configuration, storage unavailable, etc.)

Examples:
  offlinekit replay --config offlinekit.yaml
  offlinekit replay --endpoint http://localhost:8080 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, rootOpts, endpoint)
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "executor endpoint, overriding the configuration")
	return cmd
}

func runReplay(cmd *cobra.Command, opts *RootOptions, endpoint string) error {
	ctx := cmd.Context()
	return withBackend(ctx, opts, func(cfg *config.Config, backend storage.PersistentStore) error {
		if endpoint != "" {
			cfg.Executor.Endpoint = endpoint
		}

		var (
			mu     sync.Mutex
			result = ReplayResult{Operations: []ReplayedOperation{}}
		)
		record := func(entry *queue.Entry, status string, err error) {
			mu.Lock()
			defer mu.Unlock()
			r := ReplayedOperation{QID: entry.QID, Name: entry.Operation.Name, Status: status}
			if err != nil {
				r.Error = err.Error()
			}
			result.Operations = append(result.Operations, r)
		}
		listener := queue.ListenerFuncs{
			Success: func(entry *queue.Entry, _ operation.Result) { record(entry, "ok", nil) },
			Failure: func(entry *queue.Entry, err error) {
				var appErr *queue.ApplicationError
				if errors.As(err, &appErr) {
					record(entry, "rejected", err)
					return
				}
				record(entry, "failed", err)
			},
		}

		collector := metrics.New()
		// Offline keeps Init from starting a background replay.
		sched, err := newScheduler(ctx, cfg, backend, network.NewManual(false), collector, scheduler.WithListener(listener))
		if err != nil {
			return err
		}
		defer sched.Close()

		if err := sched.Flush(ctx); err != nil {
			return WrapExitError(ExitCommandError, "replay aborted", err)
		}

		mu.Lock()
		for _, op := range result.Operations {
			switch op.Status {
			case "ok":
				result.Succeeded++
			case "rejected":
				result.Rejected++
			default:
				result.Failed++
			}
		}
		result.Remaining = sched.Queue().Len()
		result.Metrics = collector.Snapshot()
		mu.Unlock()

		if err := opts.formatter(cmd).Success(result, func(w io.Writer) { printReplay(w, result) }); err != nil {
			return err
		}
		if result.Failed > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("%d operation(s) failed and remain queued", result.Failed))
		}
		return nil
	})
}

func printReplay(w io.Writer, r ReplayResult) {
	if len(r.Operations) == 0 {
		fmt.Fprintln(w, "Nothing to replay.")
		return
	}
	for _, op := range r.Operations {
		line := fmt.Sprintf("%-8s %s (%s)", op.Status, op.Name, op.QID)
		if op.Error != "" {
			line += ": " + op.Error
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "%d forwarded, %d rejected, %d failed, %d remaining\n", r.Succeeded, r.Rejected, r.Failed, r.Remaining)
	if r.Metrics.Conflicts > 0 || r.Metrics.Merges > 0 {
		fmt.Fprintf(w, "%d conflict(s) and %d merge(s) resolved locally\n", r.Metrics.Conflicts, r.Metrics.Merges)
	}
}

// newScheduler builds an initialized scheduler from cfg over backend. A
// non-nil collector receives queue and conflict metrics.
func newScheduler(ctx context.Context, cfg *config.Config, backend storage.PersistentStore, status network.Status, collector *metrics.Collector, extra ...scheduler.Option) (*scheduler.Scheduler, error) {
	ser, err := cfg.SerializerCodec()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	opts := []scheduler.Option{
		scheduler.WithStorage(backend),
		scheduler.WithNetworkStatus(status),
		scheduler.WithSerializer(ser),
		scheduler.WithStorageVersion(cfg.Storage.Version),
		scheduler.WithMetaKey(cfg.Storage.MetaKey),
		scheduler.WithLogger(cfg.Logger()),
	}
	if cfg.Conflict.Enabled {
		strategy, err := cfg.Strategy()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid conflict configuration", err)
		}
		var listener conflict.Listener
		if collector != nil {
			listener = collector
		}
		opts = append(opts, scheduler.WithConflictHandling(cfg.ObjectState(), strategy, listener))
	}
	if collector != nil {
		opts = append(opts, scheduler.WithMetrics(collector))
	}
	if cfg.Queue.Squash {
		opts = append(opts, scheduler.WithSquashing())
	}
	opts = append(opts, extra...)

	sched, err := scheduler.New(cfg.NewExecutor(), opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if err := sched.Init(ctx); err != nil {
		_ = sched.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load queue", err)
	}
	return sched, nil
}
