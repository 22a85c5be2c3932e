package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lex00/wetwire-vpn-go/internal/config"
	"github.com/lex00/wetwire-vpn-go/internal/logging"
	"github.com/lex00/wetwire-vpn-go/internal/metrics"
	"github.com/lex00/wetwire-vpn-go/internal/orchestrator"
	"github.com/lex00/wetwire-vpn-go/internal/provision"
	"github.com/lex00/wetwire-vpn-go/internal/provision/ec2"
	"github.com/lex00/wetwire-vpn-go/internal/provision/scriptdir"
	"github.com/lex00/wetwire-vpn-go/internal/provision/sim"
	"github.com/lex00/wetwire-vpn-go/internal/secrets"
	"github.com/lex00/wetwire-vpn-go/internal/sitevpn"
	"github.com/lex00/wetwire-vpn-go/internal/state"
	"github.com/lex00/wetwire-vpn-go/internal/topology"
)

// runtime is everything a command needs to drive one topology.
type runtime struct {
	cfg     config.Config
	log     *logrus.Logger
	topo    *topology.Topology
	store   state.Store
	secrets secrets.Store
	metrics *metrics.Collector
	orch    *orchestrator.Orchestrator
}

type runtimeOptions struct {
	// offline skips the provider and the secret store; the stages can be
	// planned but not run.
	offline     bool
	force       bool
	keepSecrets bool
}

func openRuntime(ctx context.Context, cfg config.Config, topoPath string, opts runtimeOptions) (*runtime, error) {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	topo, err := topology.Load(topoPath)
	if err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = topo.Region
	}
	if !opts.offline {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	rt := &runtime{cfg: cfg, log: log, topo: topo, metrics: metrics.NewCollector()}

	rt.store, err = state.Open(ctx, cfg.StateOptions(topo.Name))
	if err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}

	deps := sitevpn.Deps{
		Topology:    topo,
		Log:         log.WithField("topology", topo.Name),
		KeepSecrets: opts.keepSecrets,
	}
	if opts.offline {
		// Planning only needs the stage shapes.
		cloud := sim.New(sim.Options{})
		deps.Provisioner, deps.OS = cloud, cloud
		deps.Secrets = secrets.NewMemoryStore()
	} else {
		if deps.Provisioner, deps.OS, err = rt.provider(ctx); err != nil {
			_ = rt.Close()
			return nil, err
		}
		if rt.secrets, err = secrets.Open(cfg.SecretOptions()); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("opening secret store: %w", err)
		}
		deps.Secrets = rt.secrets
	}

	rt.orch, err = sitevpn.New(deps, orchestrator.Options{
		Store:    rt.store,
		Observer: rt.metrics,
		Await:    cfg.AwaitPolicy(),
		Force:    opts.force,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) provider(ctx context.Context) (provision.Provisioner, provision.EndpointOS, error) {
	var (
		prov     provision.Provisioner
		endpoint provision.EndpointOS
	)
	switch rt.cfg.Provider {
	case config.ProviderSim:
		cloud := sim.New(sim.Options{PublicIPAfter: 1, TunnelAddressesAfter: 1})
		prov, endpoint = cloud, cloud
	case config.ProviderEC2:
		p, err := ec2.NewFromRegion(ctx, rt.cfg.Region, rt.topo.Name, rt.log)
		if err != nil {
			return nil, nil, err
		}
		prov, endpoint = p, p
	default:
		return nil, nil, fmt.Errorf("unknown provider %q", rt.cfg.Provider)
	}

	if rt.cfg.ScriptDir != "" {
		dir, err := scriptdir.New(rt.cfg.ScriptDir, rt.log)
		if err != nil {
			return nil, nil, err
		}
		endpoint = dir
	}
	return prov, endpoint, nil
}

// Close releases the state store and writes the metrics textfile.
func (rt *runtime) Close() error {
	var errs []error
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.cfg.MetricsFile != "" && rt.metrics != nil {
		if err := rt.metrics.WriteTextfile(rt.cfg.MetricsFile); err != nil {
			errs = append(errs, fmt.Errorf("writing metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}
