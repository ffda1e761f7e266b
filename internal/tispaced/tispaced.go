// Package tispaced builds and runs the control plane process: loads
// configuration, wires the store, schedulers, backend drivers, auth
// verifier and HTTP API, and runs them all under a grace.Shepherd.
package tispaced

import (
	"context"
	"fmt"
	"time"

	lxd "github.com/canonical/lxd/client"
	"github.com/jimmicro/grace"
	"github.com/rs/zerolog"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/tispace-dev/tispace/internal/api"
	"github.com/tispace-dev/tispace/internal/auth"
	"github.com/tispace-dev/tispace/internal/config"
	"github.com/tispace-dev/tispace/internal/driver/pod"
	"github.com/tispace-dev/tispace/internal/driver/vm"
	"github.com/tispace-dev/tispace/internal/ipam"
	"github.com/tispace-dev/tispace/internal/reconciler"
	"github.com/tispace-dev/tispace/internal/store"
)

// ConfigError and StateError distinguish startup failures so main can
// map them to the exit codes the operator documentation promises (1
// for bad config, 2 for a state file the process couldn't open).
type ConfigError struct{ err error }

func (e *ConfigError) Error() string { return e.err.Error() }
func (e *ConfigError) Unwrap() error { return e.err }

type StateError struct{ err error }

func (e *StateError) Error() string { return e.err.Error() }
func (e *StateError) Unwrap() error { return e.err }

// Server owns every long-running component and their shared shutdown.
type Server struct {
	api        *api.API
	reconciler *reconciler.Reconciler
}

// New loads configuration and builds every component. It does not
// start the reconciler tick loop or the HTTP listener; call Run for
// that.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &ConfigError{err}
	}

	inventory, err := config.LoadInventory(cfg.NodeInventoryFile)
	if err != nil {
		return nil, &ConfigError{fmt.Errorf("load node inventory: %w", err)}
	}

	pools, err := ipam.ParsePools(cfg.ExternalIPPools)
	if err != nil {
		return nil, &ConfigError{fmt.Errorf("parse external IP pools: %w", err)}
	}

	st, err := store.Open(cfg.StateFile)
	if err != nil {
		return nil, &StateError{err}
	}

	verifier, err := auth.NewVerifier(ctx, cfg.GoogleClientID, cfg.AllowedUsers)
	if err != nil {
		return nil, &ConfigError{fmt.Errorf("build OIDC verifier: %w", err)}
	}

	podDriver, err := newPodDriver(cfg)
	if err != nil {
		return nil, &ConfigError{fmt.Errorf("build pod driver: %w", err)}
	}
	vmDriver, err := newVMDriver(cfg)
	if err != nil {
		return nil, &ConfigError{fmt.Errorf("build VM driver: %w", err)}
	}

	rec := &reconciler.Reconciler{
		Store: st,
		Pod:   podDriver,
		VM:    vmDriver,
		Pools: pools,
		Nodes: inventory.Nodes,
	}

	a := api.New(fmt.Sprintf(":%d", cfg.Port), api.Deps{
		Store:     st,
		Verifier:  verifier,
		Inventory: inventory,
		Pools:     pools,
	})

	return &Server{api: a, reconciler: rec}, nil
}

// Run starts every component under a grace.Shepherd and blocks until
// ctx is canceled or a component fails.
func (s *Server) Run(ctx context.Context) error {
	services := []grace.Grace{s.api, s.reconciler}

	shepherd := grace.NewShepherd(
		services,
		grace.WithTimeout(30*time.Second),
		grace.WithLogger(&zerologLogger{}),
	)
	shepherd.Start(ctx)
	return nil
}

// Shutdown stops the HTTP listener; the reconciler's own Shutdown is a
// no-op since its tick loop already exits on ctx.Done().
func (s *Server) Shutdown(ctx context.Context) error {
	return s.api.Shutdown(ctx)
}

// Name implements grace.Grace.
func (s *Server) Name() string { return "tispaced" }

func newPodDriver(cfg *config.Config) (*pod.Driver, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("load in-cluster kubeconfig: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client: %w", err)
	}
	return &pod.Driver{
		Client:                 client,
		Namespace:              "tispace",
		StorageClassName:       cfg.StorageClassName,
		DefaultRootfsImageTag:  cfg.DefaultRootfsImageTag,
		CPUOvercommitFactor:    cfg.CPUOvercommitFactor,
		MemoryOvercommitFactor: cfg.MemoryOvercommitFactor,
	}, nil
}

func newVMDriver(cfg *config.Config) (*vm.Driver, error) {
	if cfg.LXDServerURL == "" {
		// No LXD cluster configured: lxc/kvm instances simply never
		// reconcile. Acceptable for a pod-only deployment.
		return nil, nil
	}
	server, err := lxd.ConnectLXD(cfg.LXDServerURL, &lxd.ConnectionArgs{
		TLSClientCert: cfg.LXDClientCert,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to LXD server: %w", err)
	}
	if cfg.LXDProject != "" {
		server = server.UseProject(cfg.LXDProject)
	}
	return &vm.Driver{
		Server:                server,
		StoragePoolMapping:    cfg.LXDStoragePoolMapping,
		ImageServerURL:        cfg.LXDImageServer,
		DefaultRootfsImageTag: cfg.DefaultRootfsImageTag,
		ExternalIPPrefixLen:   cfg.ExternalIPPrefixLen,
	}, nil
}

// zerologLogger adapts zerolog's global logger to grace.Logger.
type zerologLogger struct{}

func (l *zerologLogger) Info(msg string, args ...interface{}) {
	logger := zerolog.DefaultContextLogger.Info()
	if len(args) > 0 {
		logger.Msgf(msg, args...)
	} else {
		logger.Msg(msg)
	}
}

func (l *zerologLogger) Error(msg string, args ...interface{}) {
	logger := zerolog.DefaultContextLogger.Error()
	if len(args) > 0 {
		logger.Msgf(msg, args...)
	} else {
		logger.Msg(msg)
	}
}
