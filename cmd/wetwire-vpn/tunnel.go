package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/config"
	"github.com/lex00/wetwire-vpn-go/internal/secrets"
	"github.com/lex00/wetwire-vpn-go/internal/sitevpn"
	"github.com/lex00/wetwire-vpn-go/internal/state"
	"github.com/lex00/wetwire-vpn-go/internal/topology"
	"github.com/lex00/wetwire-vpn-go/internal/tunnel"
)

func newTunnelCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Inspect the self-managed tunnel configuration",
	}
	cmd.AddCommand(newTunnelRenderCmd(cfg))
	return cmd
}

type renderOptions struct {
	localID    string
	scriptFile string
}

func newTunnelRenderCmd(cfg *config.Config) *cobra.Command {
	var opts renderOptions

	cmd := &cobra.Command{
		Use:   "render <topology>",
		Short: "Print the tunnel daemon configuration",
		Long: `Render prints the ipsec.conf for the self-managed endpoint.

The configuration recorded by the last apply is used. Before any apply, a
topology that pins both peer addresses can be rendered offline by giving the
endpoint's public address with --local-id.

The printed configuration never contains the pre-shared keys. --script writes
the complete startup script, keys included, to a file readable only by you.

Examples:
    wetwire-vpn tunnel render topology.yaml
    wetwire-vpn tunnel render topology.yaml --local-id 52.95.110.10
    wetwire-vpn tunnel render topology.yaml --script /tmp/tunnel.sh`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTunnelRender(cmd.Context(), cmd.OutOrStdout(), *cfg, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.localID, "local-id", "", "Public address of the self-managed endpoint, for offline rendering")
	cmd.Flags().StringVar(&opts.scriptFile, "script", "", "Write the full startup script to this file")

	return cmd
}

func runTunnelRender(ctx context.Context, w io.Writer, cfg config.Config, topoPath string, opts renderOptions) error {
	topo, err := topology.Load(topoPath)
	if err != nil {
		return err
	}

	configs, err := recordedConfigs(ctx, cfg, topo)
	if err != nil {
		return err
	}
	if configs == nil {
		if configs, err = offlineConfigs(topo, opts.localID); err != nil {
			return err
		}
	}

	fmt.Fprint(w, tunnel.RenderIPsecConf(configs))

	if opts.scriptFile == "" {
		return nil
	}
	store, err := secrets.Open(cfg.SecretOptions())
	if err != nil {
		return fmt.Errorf("opening secret store: %w", err)
	}
	keys := tunnel.NewKeyring(store)
	if _, err := keys.Ensure(ctx, wetwire.SecretRef(topo.Peering.Tunnel.SecretRef), tunnel.Tunnels); err != nil {
		return err
	}
	script, err := tunnel.Render(ctx, configs, keys)
	if err != nil {
		return err
	}
	return writePrivateFile(opts.scriptFile, script)
}

// recordedConfigs returns nil, nil when no apply has recorded the tunnel
// stage yet.
func recordedConfigs(ctx context.Context, cfg config.Config, topo *topology.Topology) (configs []wetwire.TunnelConfig, err error) {
	store, err := state.Open(ctx, cfg.StateOptions(topo.Name))
	if err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	rec, err := store.Get(ctx, sitevpn.TunnelStage(topo))
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sitevpn.Configs(*rec)
}

func offlineConfigs(topo *topology.Topology, localID string) ([]wetwire.TunnelConfig, error) {
	spec := topo.Peering.Tunnel
	if len(spec.PeerAddresses) != tunnel.Tunnels || localID == "" {
		return nil, errors.New("nothing recorded yet: pin peering.tunnel.peerAddresses and pass --local-id to render offline")
	}

	self, managed := topo.SelfManaged(), topo.Managed()
	local, err := self.Network()
	if err != nil {
		return nil, err
	}
	remote, err := managed.Network()
	if err != nil {
		return nil, err
	}

	ref := wetwire.SecretRef(spec.SecretRef)
	psks := make([]wetwire.SecretRef, tunnel.Tunnels)
	for i := range psks {
		psks[i] = tunnel.KeyRef(ref, i+1)
	}
	return tunnel.Generate(tunnel.Input{
		Local:         local,
		Remote:        remote,
		LocalSubnet:   spec.LocalSubnet,
		RemoteSubnet:  spec.RemoteSubnet,
		LocalID:       localID,
		PeerAddresses: spec.PeerAddresses,
		PSKs:          psks,
		Params:        sitevpn.Params(spec),
	})
}

// writePrivateFile writes data with mode 0600 through a temporary file.
func writePrivateFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".wetwire-vpn-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
