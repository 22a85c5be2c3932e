// Command wetwire-vpn provisions two isolated networks joined by a
// site-to-site IPsec VPN.
//
// Usage:
//
//	wetwire-vpn validate topology.yaml   Check a topology file
//	wetwire-vpn plan topology.yaml       Show the stage order
//	wetwire-vpn apply topology.yaml      Provision both sites
//	wetwire-vpn teardown topology.yaml   Remove what apply created
//	wetwire-vpn version                  Show version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lex00/wetwire-vpn-go/internal/config"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := newRootCmd(&cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wetwire-vpn",
		Short: "Provision a two-site IPsec VPN",
		Long: `wetwire-vpn provisions two isolated networks joined by a site-to-site VPN.

One site runs its own tunnel daemon on a compute node; the other sits behind
a vendor-managed VPN gateway. Describe both in a topology file:

    sites:
      - name: a
        cidr: 10.0.0.0/16
        endpoint: {role: SelfManagedTunnel}
      - name: b
        cidr: 172.16.0.0/16
        endpoint: {role: ManagedGateway}

Then provision it:

    wetwire-vpn apply topology.yaml

Settings come from WETWIRE_VPN_* environment variables, an optional .env
file, and the flags below.`,
		SilenceUsage: true,
	}
	cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newApplyCmd(cfg),
		newPlanCmd(cfg),
		newGraphCmd(cfg),
		newTeardownCmd(cfg),
		newTunnelCmd(cfg),
		newValidateCmd(),
		newStateCmd(cfg),
		newWatchCmd(cfg),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wetwire-vpn %s\n", getVersion())
		},
	}
}
