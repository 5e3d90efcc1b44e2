package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/mateo/fleet/internal/protocol"
)

// HomeEnv overrides the base directory.
const HomeEnv = "FLEET_HOME"

type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	API          APIConfig          `yaml:"api"`
	Registry     RegistryConfig     `yaml:"registry"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Tunnel       TunnelConfig       `yaml:"tunnel"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	Store        StoreConfig        `yaml:"store"`
	Log          LogConfig          `yaml:"log"`
}

// GatewayConfig is the websocket endpoint agents connect to.
type GatewayConfig struct {
	Port           int           `yaml:"port"`
	Path           string        `yaml:"path"`
	WriteWait      time.Duration `yaml:"writeWait"`
	PongWait       time.Duration `yaml:"pongWait"`
	CallTimeout    time.Duration `yaml:"callTimeout"`
	MaxMessageSize int64         `yaml:"maxMessageSize"`
}

type APIConfig struct {
	Port int `yaml:"port"`
}

type RegistryConfig struct {
	Separator  string        `yaml:"separator"`
	AckTimeout time.Duration `yaml:"ackTimeout"`
}

type OrchestratorConfig struct {
	MaxContainersPerHost int           `yaml:"maxContainersPerHost"`
	DefaultSSHKeys       []string      `yaml:"defaultSshKeys,omitempty"`
	Parallelism          int           `yaml:"parallelism"`
	StepTimeout          time.Duration `yaml:"stepTimeout"`
	RollbackTimeout      time.Duration `yaml:"rollbackTimeout"`
	HealthInterval       time.Duration `yaml:"healthInterval"`
}

type TunnelConfig struct {
	ConnectWindow time.Duration `yaml:"connectWindow"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
}

// ProxyConfig controls the Traefik file provider output.
type ProxyConfig struct {
	Enabled      bool `yaml:"enabled"`
	HTTPOnly     bool `yaml:"httpOnly"`
	TraefikHTTP  int  `yaml:"traefikHTTP"`
	TraefikHTTPS int  `yaml:"traefikHTTPS"`
	BackendPort  int  `yaml:"backendPort"`
}

type StoreConfig struct {
	// Dir holds environment and placement state. Empty means BaseDir().
	Dir string `yaml:"dir,omitempty"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			Port:           8090,
			Path:           "/agents",
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			CallTimeout:    30 * time.Second,
			MaxMessageSize: 1 << 20,
		},
		API: APIConfig{
			Port: 8091,
		},
		Registry: RegistryConfig{
			Separator:  protocol.DefaultSeparator,
			AckTimeout: 5 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxContainersPerHost: 8,
			Parallelism:          8,
			StepTimeout:          time.Minute,
			RollbackTimeout:      2 * time.Minute,
			HealthInterval:       15 * time.Second,
		},
		Tunnel: TunnelConfig{
			ConnectWindow: 30 * time.Second,
			IdleTimeout:   30 * time.Second,
		},
		Proxy: ProxyConfig{
			Enabled:      true,
			HTTPOnly:     true,
			TraefikHTTP:  80,
			TraefikHTTPS: 443,
			BackendPort:  80,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fleet")
}

func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.yaml")
}

// StateDir is where the daemon keeps its state.
func (c Config) StateDir() string {
	if c.Store.Dir != "" {
		return c.Store.Dir
	}
	return BaseDir()
}

// Load reads the config at path over the defaults. An empty path reads
// ConfigPath(); a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, or to ConfigPath() when path is empty.
func Save(path string, cfg Config) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	if !validPort(c.Gateway.Port) {
		err = multierr.Append(err, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if !validPort(c.API.Port) {
		err = multierr.Append(err, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if c.Gateway.Port == c.API.Port {
		err = multierr.Append(err, errors.New("gateway.port and api.port must differ"))
	}
	if c.Registry.Separator == "" {
		err = multierr.Append(err, errors.New("registry.separator is required"))
	}
	if c.Orchestrator.MaxContainersPerHost < 0 {
		err = multierr.Append(err, errors.New("orchestrator.maxContainersPerHost must not be negative"))
	}
	if c.Orchestrator.StepTimeout < 0 || c.Orchestrator.RollbackTimeout < 0 {
		err = multierr.Append(err, errors.New("orchestrator timeouts must not be negative"))
	}
	if c.Tunnel.ConnectWindow < 0 || c.Tunnel.IdleTimeout < 0 {
		err = multierr.Append(err, errors.New("tunnel timeouts must not be negative"))
	}
	return err
}

func validPort(p int) bool { return p > 0 && p < 65536 }

func EnsureDirs(cfg Config) error {
	dirs := []string{
		BaseDir(),
		cfg.StateDir(),
		filepath.Join(cfg.StateDir(), "traefik", "dynamic"),
		filepath.Join(cfg.StateDir(), "certs"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}
