package proxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mateo/fleet/internal/environment"
)

const (
	defaultBackendPort = 80
	stickyCookie       = "fleet_sticky"
)

// Backend is one container serving a domain.
type Backend struct {
	ContainerID string
	Address     string
	Port        int
}

// Route binds a domain to the in-domain containers of an environment.
type Route struct {
	EnvironmentID string
	Domain        string
	Strategy      environment.ProxyStrategy
	CertPath      string
	Backends      []Backend
}

// TraefikWriter renders one dynamic configuration file per environment for
// Traefik's file provider.
type TraefikWriter struct {
	dynamicDir  string
	httpOnly    bool
	backendPort int
}

func NewTraefikWriter(baseDir string) *TraefikWriter {
	return NewTraefikWriterHTTPOnly(baseDir, false)
}

// NewTraefikWriterHTTPOnly routes on the plain web entry point and never
// emits TLS settings when httpOnly is set.
func NewTraefikWriterHTTPOnly(baseDir string, httpOnly bool) *TraefikWriter {
	return &TraefikWriter{
		dynamicDir:  filepath.Join(baseDir, "traefik", "dynamic"),
		httpOnly:    httpOnly,
		backendPort: defaultBackendPort,
	}
}

// WithBackendPort sets the container port traffic is sent to.
func (tw *TraefikWriter) WithBackendPort(port int) *TraefikWriter {
	if port > 0 {
		tw.backendPort = port
	}
	return tw
}

type dynamicConfig struct {
	HTTP httpConfig `yaml:"http"`
	TLS  *tlsConfig `yaml:"tls,omitempty"`
}

type httpConfig struct {
	Routers  map[string]router  `yaml:"routers"`
	Services map[string]service `yaml:"services"`
}

type router struct {
	Rule        string    `yaml:"rule"`
	Service     string    `yaml:"service"`
	EntryPoints []string  `yaml:"entryPoints"`
	TLS         *struct{} `yaml:"tls,omitempty"`
}

type service struct {
	LoadBalancer loadBalancer `yaml:"loadBalancer"`
}

type loadBalancer struct {
	Sticky  *sticky  `yaml:"sticky,omitempty"`
	Servers []server `yaml:"servers"`
}

type sticky struct {
	Cookie cookie `yaml:"cookie"`
}

type cookie struct {
	Name     string `yaml:"name"`
	HTTPOnly bool   `yaml:"httpOnly"`
}

type server struct {
	URL string `yaml:"url"`
}

type tlsConfig struct {
	Certificates []certificate `yaml:"certificates"`
}

type certificate struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// Bind writes or replaces the environment's route. A route without
// backends is removed instead, since Traefik rejects empty services.
func (tw *TraefikWriter) Bind(ctx context.Context, r Route) error {
	if r.Domain == "" {
		return fmt.Errorf("route for %s has no domain", r.EnvironmentID)
	}
	if len(r.Backends) == 0 {
		return tw.Unbind(ctx, r.EnvironmentID)
	}
	data, err := tw.Render(r)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(tw.dynamicDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(tw.routeFile(r.EnvironmentID), data, 0644)
}

// Unbind removes the route. Removing a missing route is not an error.
func (tw *TraefikWriter) Unbind(ctx context.Context, envID string) error {
	err := os.Remove(tw.routeFile(envID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Render produces the dynamic configuration for r.
func (tw *TraefikWriter) Render(r Route) ([]byte, error) {
	name := sanitize(r.EnvironmentID)
	serviceName := name + "-svc"

	rt := router{
		Rule:    fmt.Sprintf("Host(`%s`)", r.Domain),
		Service: serviceName,
	}
	cfg := dynamicConfig{}
	if tw.httpOnly {
		rt.EntryPoints = []string{"web"}
	} else {
		rt.EntryPoints = []string{"websecure"}
		rt.TLS = &struct{}{}
		if r.CertPath != "" {
			cfg.TLS = &tlsConfig{Certificates: []certificate{{CertFile: r.CertPath, KeyFile: r.CertPath}}}
		}
	}

	lb := loadBalancer{}
	backends := r.Backends
	switch r.Strategy {
	case environment.StrategyNone, "":
		// one backend only; the first in membership order
		backends = backends[:1]
	case environment.StrategyLoadBalance:
	case environment.StrategyStickySession:
		lb.Sticky = &sticky{Cookie: cookie{Name: stickyCookie, HTTPOnly: true}}
	default:
		return nil, fmt.Errorf("unknown proxy strategy %q", r.Strategy)
	}
	for _, b := range backends {
		port := b.Port
		if port == 0 {
			port = tw.backendPort
		}
		lb.Servers = append(lb.Servers, server{URL: fmt.Sprintf("http://%s:%d", b.Address, port)})
	}

	cfg.HTTP = httpConfig{
		Routers:  map[string]router{name: rt},
		Services: map[string]service{serviceName: {LoadBalancer: lb}},
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("rendering route for %s: %w", r.EnvironmentID, err)
	}
	header := fmt.Sprintf("# Auto-generated route for environment %s\n", r.EnvironmentID)
	return append([]byte(header), out...), nil
}

func (tw *TraefikWriter) routeFile(envID string) string {
	return filepath.Join(tw.dynamicDir, fmt.Sprintf("%s.yaml", sanitize(envID)))
}

func sanitize(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, ".", "-"), "/", "-")
}
