package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mateo/fleet/internal/agentclient"
	"github.com/mateo/fleet/internal/config"
	"github.com/mateo/fleet/internal/logging"
	"github.com/mateo/fleet/internal/protocol"
)

type options struct {
	url      string
	hostname string
	id       string
	format   string
	logLevel string
}

func main() {
	var opts options
	root := &cobra.Command{
		Use:   "fleet-agent",
		Short: "Run a simulated host agent against a fleet control plane",
		Long: `fleet-agent registers as a physical host and keeps containers in memory.
Each container it creates starts its own container agent, so the control
plane sees the same registrations it would from a real host.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	def := config.Default()
	root.Flags().StringVar(&opts.url, "url", fmt.Sprintf("ws://127.0.0.1:%d%s", def.Gateway.Port, def.Gateway.Path), "Control plane agent endpoint")
	root.Flags().StringVar(&opts.hostname, "hostname", "", "Host name to register (default: os hostname)")
	root.Flags().StringVar(&opts.id, "id", "", "Agent UUID (default: random)")
	root.Flags().StringVar(&opts.format, "format", "json", "Frame encoding: json or cbor")
	root.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts options) error {
	log, err := logging.New(config.LogConfig{Level: opts.logLevel})
	if err != nil {
		return err
	}
	defer log.Sync()

	format, err := parseFormat(opts.format)
	if err != nil {
		return err
	}
	hostname := opts.hostname
	if hostname == "" {
		if hostname, err = os.Hostname(); err != nil {
			return fmt.Errorf("resolving hostname: %w", err)
		}
	}
	id := uuid.Nil
	if opts.id != "" {
		if id, err = uuid.Parse(opts.id); err != nil {
			return fmt.Errorf("invalid --id: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	containers := newContainerAgents(ctx, opts.url, format, log)
	defer containers.stopAll()

	sim := agentclient.NewSimulatedHost()
	sim.OnCreate = containers.start
	sim.OnDestroy = containers.stop

	client := agentclient.New(agentclient.Config{
		URL:      opts.url,
		ID:       id,
		Hostname: hostname,
		Format:   format,
		Logger:   log,
	}, sim)
	log.Info("fleet-agent starting",
		zap.Stringer("id", client.ID()),
		zap.String("hostname", hostname),
		zap.Stringer("format", format),
	)

	if err := client.RunForever(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func parseFormat(s string) (protocol.Format, error) {
	switch s {
	case "json":
		return protocol.FormatJSON, nil
	case "cbor":
		return protocol.FormatCBOR, nil
	}
	return 0, fmt.Errorf("unknown format %q (want json or cbor)", s)
}

// containerAgents runs one agent client per simulated container.
type containerAgents struct {
	ctx    context.Context
	url    string
	format protocol.Format
	log    *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func newContainerAgents(ctx context.Context, url string, format protocol.Format, log *zap.Logger) *containerAgents {
	return &containerAgents{
		ctx:     ctx,
		url:     url,
		format:  format,
		log:     log,
		cancels: make(map[string]context.CancelFunc),
	}
}

func (a *containerAgents) start(c agentclient.SimContainer) {
	ctx, cancel := context.WithCancel(a.ctx)
	a.mu.Lock()
	if old, ok := a.cancels[c.ID]; ok {
		old()
	}
	a.cancels[c.ID] = cancel
	a.mu.Unlock()

	client := agentclient.New(agentclient.Config{
		URL:         a.url,
		Hostname:    c.Hostname,
		IsContainer: true,
		IPs:         []string{c.IP},
		Format:      a.format,
		Logger:      a.log.With(zap.String("container", c.Hostname)),
	}, idleExecutor{})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		client.RunForever(ctx)
	}()
}

func (a *containerAgents) stop(c agentclient.SimContainer) {
	a.mu.Lock()
	cancel, ok := a.cancels[c.ID]
	delete(a.cancels, c.ID)
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *containerAgents) stopAll() {
	a.mu.Lock()
	for id, cancel := range a.cancels {
		cancel()
		delete(a.cancels, id)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// idleExecutor backs container agents, which only report presence.
type idleExecutor struct{}

func (idleExecutor) Execute(ctx context.Context, action string, args map[string]string) (map[string]string, error) {
	return nil, fmt.Errorf("container agent does not handle %q", action)
}
