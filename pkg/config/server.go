package config

import "fmt"

// ServerConfig configures the gateway HTTP server.
type ServerConfig struct {
	// Host to bind. Default: 0.0.0.0
	Host string `yaml:"host,omitempty"`

	// Port to listen on. Default: 8000
	Port int `yaml:"port,omitempty"`

	// MaxUploadBytes limits multipart uploads. Default: 256MiB
	MaxUploadBytes int64 `yaml:"max_upload_bytes,omitempty"`

	// RequestTimeout is the end-to-end per-request budget. Zero disables it;
	// clients may still supply a shorter deadline per request.
	RequestTimeout Duration `yaml:"request_timeout,omitempty"`

	// EnableMetrics exposes prometheus metrics at /metrics. Default: true
	EnableMetrics *bool `yaml:"enable_metrics,omitempty"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 256 << 20
	}
	if c.EnableMetrics == nil {
		c.EnableMetrics = BoolPtr(true)
	}
}

// Validate checks the configuration for errors.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}
