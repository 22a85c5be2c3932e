package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/lex00/wetwire-vpn-go/internal/config"
)

// newWatchCmd creates the "watch" subcommand for re-planning on file changes.
func newWatchCmd(cfg *config.Config) *cobra.Command {
	var (
		validateOnly bool
		debounce     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <topology>",
		Short: "Re-validate and re-plan when the topology file changes",
		Long: `Watch monitors a topology file and re-runs validate and plan on every save.

The watch command:
- Watches the file's directory, so editors that replace the file are seen
- Runs validate on each change
- Prints the plan if validation passes (unless --validate-only)
- Debounces rapid changes

Examples:
    wetwire-vpn watch topology.yaml
    wetwire-vpn watch topology.yaml --validate-only
    wetwire-vpn watch topology.yaml --debounce 1s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd.OutOrStdout(), *cfg, args[0], watchOptions{
				validateOnly: validateOnly,
				debounce:     debounce,
			})
		},
	}

	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "Only validate, skip the plan")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "Debounce duration for rapid changes")

	return cmd
}

type watchOptions struct {
	validateOnly bool
	debounce     time.Duration
}

// runWatch blocks until ctx is cancelled.
func runWatch(ctx context.Context, w io.Writer, cfg config.Config, topoPath string, opts watchOptions) error {
	abs, err := filepath.Abs(topoPath)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	fmt.Fprintf(w, "Watching: %s\n", abs)

	checkTopology(ctx, w, cfg, abs, opts)

	var debounceTimer *time.Timer
	recheck := make(chan struct{}, 1)

	fmt.Fprintln(w, "\nWatching for changes... (Ctrl+C to stop)")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(opts.debounce, func() {
				select {
				case recheck <- struct{}{}:
				default:
				}
			})

		case <-recheck:
			fmt.Fprintf(w, "\n[%s] Change detected, re-checking...\n", time.Now().Format("15:04:05"))
			checkTopology(ctx, w, cfg, abs, opts)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			fmt.Fprintln(w, "\nStopping watch...")
			return nil
		}
	}
}

// checkTopology prints the validation result and, if it passes, the plan.
func checkTopology(ctx context.Context, w io.Writer, cfg config.Config, topoPath string, opts watchOptions) {
	if err := outputValidateResult(w, runValidate(topoPath), "text"); err != nil {
		return
	}
	if opts.validateOnly {
		return
	}
	if err := runPlan(ctx, w, cfg, topoPath, "text"); err != nil {
		fmt.Fprintf(os.Stderr, "Plan error: %v\n", err)
	}
}
