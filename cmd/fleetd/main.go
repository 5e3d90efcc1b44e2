package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mateo/fleet/internal/agent"
	"github.com/mateo/fleet/internal/agentcmd"
	"github.com/mateo/fleet/internal/alert"
	"github.com/mateo/fleet/internal/api"
	"github.com/mateo/fleet/internal/config"
	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/gateway"
	"github.com/mateo/fleet/internal/logging"
	"github.com/mateo/fleet/internal/orchestrator"
	"github.com/mateo/fleet/internal/placement"
	"github.com/mateo/fleet/internal/proxy"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:          "fleetd",
		Short:        "Run the fleet control plane",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "Config file (default ~/.fleet/config.yaml)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("fleetd starting", zap.String("state", cfg.StateDir()))

	if err := config.EnsureDirs(cfg); err != nil {
		return fmt.Errorf("creating directories: %w", err)
	}

	store, err := environment.NewFileStore(cfg.StateDir())
	if err != nil {
		return fmt.Errorf("opening environment store: %w", err)
	}
	placementMgr, err := placement.NewManager(placement.Config{
		MaxPerHost: cfg.Orchestrator.MaxContainersPerHost,
	}, cfg.StateDir(), log)
	if err != nil {
		return fmt.Errorf("creating placement manager: %w", err)
	}

	// Gateway and registry
	hub := gateway.NewHub(gateway.Options{
		WriteWait:      cfg.Gateway.WriteWait,
		PongWait:       cfg.Gateway.PongWait,
		CallTimeout:    cfg.Gateway.CallTimeout,
		MaxMessageSize: cfg.Gateway.MaxMessageSize,
		Logger:         log,
	})
	go hub.Run()

	registry := agent.NewRegistry(hub, agent.Options{
		Separator:  cfg.Registry.Separator,
		AckTimeout: cfg.Registry.AckTimeout,
		Logger:     log,
	})
	registry.Start()

	var binder orchestrator.Binder
	if cfg.Proxy.Enabled {
		if cfg.Proxy.HTTPOnly {
			err = proxy.WriteStaticConfigHTTPOnly(cfg.StateDir(), cfg.Proxy.TraefikHTTP)
		} else {
			err = proxy.WriteStaticConfig(cfg.StateDir(), cfg.Proxy.TraefikHTTP, cfg.Proxy.TraefikHTTPS)
		}
		if err != nil {
			return fmt.Errorf("writing traefik static config: %w", err)
		}
		binder = proxy.NewTraefikWriterHTTPOnly(cfg.StateDir(), cfg.Proxy.HTTPOnly).WithBackendPort(cfg.Proxy.BackendPort)
	}

	orch := orchestrator.New(orchestrator.Config{
		Separator:           cfg.Registry.Separator,
		DefaultSSHKeys:      cfg.Orchestrator.DefaultSSHKeys,
		Parallelism:         cfg.Orchestrator.Parallelism,
		StepTimeout:         cfg.Orchestrator.StepTimeout,
		RollbackTimeout:     cfg.Orchestrator.RollbackTimeout,
		HealthInterval:      cfg.Orchestrator.HealthInterval,
		TunnelConnectWindow: cfg.Tunnel.ConnectWindow,
		TunnelIdleTimeout:   cfg.Tunnel.IdleTimeout,
	}, orchestrator.Deps{
		Agents:    registry,
		Store:     store,
		Runtime:   agentcmd.New(hub, cfg.Gateway.CallTimeout),
		Placement: placementMgr,
		Proxy:     binder,
		Logger:    log,
	})
	orch.AddAlertHandler(alert.NewLogHandler("log", alert.PriorityLow, log))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	// Agent endpoint (agents dial this)
	agentMux := http.NewServeMux()
	agentMux.HandleFunc("GET "+cfg.Gateway.Path, hub.ServeWS)
	agentSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:           agentMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// API server (fleetctl calls this)
	apiSrv := &http.Server{
		Addr:        fmt.Sprintf("127.0.0.1:%d", cfg.API.Port),
		Handler:     api.NewServer(orch, registry, log),
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		log.Info("Listening", zap.String("server", name), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("gateway", agentSrv)
	go serve("api", apiSrv)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("Shutting down", zap.Stringer("signal", sig))
	case runErr = <-errCh:
		log.Error("Server failed, shutting down", zap.Error(runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	apiSrv.Shutdown(shutdownCtx)
	agentSrv.Shutdown(shutdownCtx)
	orch.Close()
	registry.Close()
	hub.Stop()
	cancel()
	return runErr
}
