package proxy

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteStaticConfig writes Traefik's static configuration with an HTTP entry
// point redirecting to HTTPS and a file provider watching the dynamic dir.
func WriteStaticConfig(baseDir string, httpPort, httpsPort int) error {
	dynamicDir := filepath.Join(baseDir, "traefik", "dynamic")

	config := fmt.Sprintf(`# Traefik static configuration for fleet
entryPoints:
  web:
    address: ":%d"
    http:
      redirections:
        entryPoint:
          to: websecure
          scheme: https
  websecure:
    address: ":%d"

providers:
  file:
    directory: "%s"
    watch: true

tls:
  options:
    default:
      minVersion: VersionTLS12

log:
  level: INFO
`, httpPort, httpsPort, dynamicDir)

	return writeStatic(baseDir, config)
}

// WriteStaticConfigHTTPOnly writes a static configuration with a single
// plain HTTP entry point.
func WriteStaticConfigHTTPOnly(baseDir string, httpPort int) error {
	dynamicDir := filepath.Join(baseDir, "traefik", "dynamic")

	config := fmt.Sprintf(`# Traefik static configuration for fleet (HTTP-only)
entryPoints:
  web:
    address: ":%d"

providers:
  file:
    directory: "%s"
    watch: true

log:
  level: INFO
`, httpPort, dynamicDir)

	return writeStatic(baseDir, config)
}

func writeStatic(baseDir, config string) error {
	traefikDir := filepath.Join(baseDir, "traefik")
	if err := os.MkdirAll(filepath.Join(traefikDir, "dynamic"), 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(traefikDir, "traefik.yaml"), []byte(config), 0644)
}
