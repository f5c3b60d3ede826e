package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-kit/config"
	"github.com/c0deZ3R0/go-offline-kit/network"
	"github.com/c0deZ3R0/go-offline-kit/operation"
	"github.com/c0deZ3R0/go-offline-kit/scheduler"
	"github.com/c0deZ3R0/go-offline-kit/storage"
	"github.com/c0deZ3R0/go-offline-kit/store"
)

// QueuedOperation is one persisted entry as reported by queue list.
type QueuedOperation struct {
	QID       string         `json:"qid"`
	Name      string         `json:"name"`
	Kind      operation.Kind `json:"kind,omitempty"`
	ID        string         `json:"id,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// QueueListing is the queue list result.
type QueueListing struct {
	Operations []QueuedOperation `json:"operations"`
	Total      int               `json:"total"`
}

// QueueClearResult is the queue clear result.
type QueueClearResult struct {
	Removed int `json:"removed"`
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the persisted offline queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueClearCommand(rootOpts))
	cmd.AddCommand(newQueueAddCommand(rootOpts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List queued operations in replay order",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(cfg *config.Config, st *store.OfflineStore) error {
				entries, err := st.GetOfflineData(cmd.Context())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read queue", err)
				}
				listing := QueueListing{Operations: make([]QueuedOperation, 0, len(entries)), Total: len(entries)}
				for _, e := range entries {
					q := QueuedOperation{
						QID:      e.QID,
						Name:     e.Operation.Name,
						Kind:     e.Operation.Kind,
						ClientID: e.Operation.ClientID,
					}
					q.ID, _ = e.Operation.ID()
					if verbose {
						q.Variables = e.Operation.Variables
					}
					listing.Operations = append(listing.Operations, q)
				}
				return opts.formatter(cmd).Success(listing, func(w io.Writer) { printListing(w, listing) })
			})
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include operation variables")
	return cmd
}

func printListing(w io.Writer, l QueueListing) {
	if l.Total == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QID\tNAME\tKIND\tID")
	for _, op := range l.Operations {
		id := op.ID
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", op.QID, op.Name, op.Kind, id)
		if op.Variables != nil {
			raw, _ := json.Marshal(op.Variables)
			fmt.Fprintf(tw, "\t%s\t\t\n", raw)
		}
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d queued operation(s)\n", l.Total)
}

func newQueueClearCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "clear",
		Short:         "Discard every queued operation",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(cfg *config.Config, st *store.OfflineStore) error {
				var removed int
				for _, qid := range qids(st) {
					if err := st.RemoveEntry(cmd.Context(), qid); err != nil {
						return WrapExitError(ExitCommandError, "failed to remove "+qid, err)
					}
					removed++
				}
				res := QueueClearResult{Removed: removed}
				return opts.formatter(cmd).Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "Removed %d queued operation(s).\n", removed)
				})
			})
		},
	}
}

func newQueueAddCommand(opts *RootOptions) *cobra.Command {
	var (
		kind string
		vars string
		base string
	)
	cmd := &cobra.Command{
		Use:           "add <operation>",
		Short:         "Queue an operation for the next replay",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			op := operation.Operation{Name: args[0], Kind: operation.Kind(kind)}
			if err := json.Unmarshal([]byte(vars), &op.Variables); err != nil {
				return WrapExitError(ExitCommandError, "invalid --vars", err)
			}
			if base != "" {
				if err := json.Unmarshal([]byte(base), &op.Base); err != nil {
					return WrapExitError(ExitCommandError, "invalid --base", err)
				}
			}
			return withBackend(cmd.Context(), opts, func(cfg *config.Config, backend storage.PersistentStore) error {
				sched, err := newScheduler(cmd.Context(), cfg, backend, network.NewManual(false), nil)
				if err != nil {
					return err
				}
				defer sched.Close()

				_, err = sched.Execute(cmd.Context(), op)
				deferred, ok := scheduler.AsDeferred(err)
				if !ok {
					return WrapExitError(ExitCommandError, "failed to queue operation", err)
				}
				entry := deferred.Entry
				q := QueuedOperation{QID: entry.QID, Name: op.Name, Kind: op.Kind, ClientID: entry.Operation.ClientID}
				q.ID, _ = entry.Operation.ID()
				return opts.formatter(cmd).Success(q, func(w io.Writer) {
					fmt.Fprintf(w, "Queued %s as %s.\n", op.Name, entry.QID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "operation kind (create|update|delete)")
	cmd.Flags().StringVar(&vars, "vars", "{}", "operation variables as a JSON object")
	cmd.Flags().StringVar(&base, "base", "", "last acknowledged server snapshot as a JSON object")
	return cmd
}

// qids lists the ids of the tracked entries of the current storage version.
func qids(st *store.OfflineStore) []string {
	prefix := st.Key("")
	var out []string
	for _, k := range st.Keys() {
		if qid, ok := strings.CutPrefix(k, prefix); ok {
			out = append(out, qid)
		}
	}
	return out
}

// withBackend opens the configured storage backend for the duration of fn.
func withBackend(ctx context.Context, opts *RootOptions, fn func(*config.Config, storage.PersistentStore) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	backend, closeFn, err := cfg.OpenStorage(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer closeFn()
	return fn(cfg, backend)
}

// withStore is withBackend plus an initialized offline store.
func withStore(ctx context.Context, opts *RootOptions, fn func(*config.Config, *store.OfflineStore) error) error {
	return withBackend(ctx, opts, func(cfg *config.Config, backend storage.PersistentStore) error {
		storeOpts, err := cfg.StoreOptions()
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid storage configuration", err)
		}
		st := store.New(backend, storeOpts...)
		if err := st.Init(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to load queue", err)
		}
		return fn(cfg, st)
	})
}
