package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/config"
)

func newTeardownCmd(cfg *config.Config) *cobra.Command {
	var (
		keepSecrets bool
		yes         bool
	)

	cmd := &cobra.Command{
		Use:   "teardown <topology>",
		Short: "Remove everything apply created",
		Long: `Teardown removes the recorded stages in reverse dependency order and
deletes their state records. It can be run after a failed apply.

The pre-shared keys are removed from the secret store unless --keep-secrets
is given, in which case a later apply reuses them.

Examples:
    wetwire-vpn teardown topology.yaml --yes
    wetwire-vpn teardown topology.yaml --yes --keep-secrets`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("teardown deletes cloud resources; pass --yes to confirm")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTeardown(ctx, cmd.OutOrStdout(), *cfg, args[0], keepSecrets)
		},
	}

	cmd.Flags().BoolVar(&keepSecrets, "keep-secrets", false, "Keep the pre-shared keys in the secret store")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the teardown")

	return cmd
}

func runTeardown(ctx context.Context, w io.Writer, cfg config.Config, topoPath string, keepSecrets bool) (err error) {
	rt, err := openRuntime(ctx, cfg, topoPath, runtimeOptions{keepSecrets: keepSecrets})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := rt.orch.Teardown(ctx); err != nil {
		var se *wetwire.StageError
		if errors.As(err, &se) {
			fmt.Fprintf(w, "Teardown stopped at %s\n", se.Stage)
		}
		return err
	}
	fmt.Fprintf(w, "Teardown of %s complete\n", rt.topo.Name)
	return nil
}
