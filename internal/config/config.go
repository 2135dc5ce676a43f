package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"go.uber.org/multierr"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
)

// Config holds all configuration for the deployer.
type Config struct {
	Portainer PortainerConfig
	Stack     StackConfig
	Database  DatabaseConfig
	Log       LogConfig
}

// PortainerConfig holds control plane connection configuration.
type PortainerConfig struct {
	URL                string        `env:"PORTAINER_URL"`
	Username           string        `env:"PORTAINER_USERNAME"`
	Password           string        `env:"PORTAINER_PASSWORD"`
	EndpointID         int           `env:"PORTAINER_ENDPOINT_ID"`
	EndpointName       string        `env:"PORTAINER_ENDPOINT_NAME"`
	CACert             string        `env:"PORTAINER_CA_CERT"`
	InsecureSkipVerify bool          `env:"PORTAINER_INSECURE_SKIP_VERIFY" envDefault:"false"`
	Timeout            time.Duration `env:"PORTAINER_TIMEOUT" envDefault:"30s"`
	ReadRetries        uint64        `env:"PORTAINER_READ_RETRIES" envDefault:"3"`
	RetryBackoff       time.Duration `env:"PORTAINER_RETRY_BACKOFF" envDefault:"500ms"`
	FileShim           string        `env:"PORTAINER_FILE_SHIM"` // Path to file for testing shim (disables real API)
}

// StackConfig holds the desired stack.
type StackConfig struct {
	Name           string   `env:"STACK_NAME"`
	ComposeContent string   `env:"COMPOSE_CONTENT"`
	Prune          bool     `env:"STACK_PRUNE" envDefault:"true"`
	Env            []string `env:"STACK_ENV" envSeparator:","`
}

// DatabaseConfig holds deployment history storage configuration.
// An empty DSN keeps history in memory for the duration of the run.
type DatabaseConfig struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN    string `env:"DB_DSN"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"console"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(&cfg.Portainer); err != nil {
		return nil, fmt.Errorf("parsing portainer config: %w", err)
	}
	if err := env.Parse(&cfg.Stack); err != nil {
		return nil, fmt.Errorf("parsing stack config: %w", err)
	}
	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if err := env.Parse(&cfg.Log); err != nil {
		return nil, fmt.Errorf("parsing log config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid for the requested action.
// Compose content is not required when removing a stack. Every problem is
// reported, not only the first one.
func (c *Config) Validate(remove bool) error {
	var err error

	if c.Stack.Name == "" {
		err = multierr.Append(err, fmt.Errorf("STACK_NAME is required"))
	}
	if !remove && c.Stack.ComposeContent == "" {
		err = multierr.Append(err, fmt.Errorf("COMPOSE_CONTENT is required unless removing"))
	}
	if _, envErr := c.Stack.EnvVars(); envErr != nil {
		err = multierr.Append(err, envErr)
	}

	// If using file shim, control plane credentials are not required
	if c.Portainer.FileShim == "" {
		if c.Portainer.URL == "" {
			err = multierr.Append(err, fmt.Errorf("PORTAINER_URL is required (or set PORTAINER_FILE_SHIM for testing)"))
		} else if u, parseErr := url.Parse(c.Portainer.URL); parseErr != nil || u.Scheme == "" || u.Host == "" {
			err = multierr.Append(err, fmt.Errorf("PORTAINER_URL must be an absolute URL, got %q", c.Portainer.URL))
		}
		if c.Portainer.Username == "" {
			err = multierr.Append(err, fmt.Errorf("PORTAINER_USERNAME is required (or set PORTAINER_FILE_SHIM for testing)"))
		}
		if c.Portainer.Password == "" {
			err = multierr.Append(err, fmt.Errorf("PORTAINER_PASSWORD is required (or set PORTAINER_FILE_SHIM for testing)"))
		}
		if c.Portainer.CACert != "" {
			if _, statErr := os.Stat(c.Portainer.CACert); statErr != nil {
				err = multierr.Append(err, fmt.Errorf("PORTAINER_CA_CERT: %w", statErr))
			}
		}
	}

	if c.Portainer.EndpointID == 0 && c.Portainer.EndpointName == "" {
		err = multierr.Append(err, fmt.Errorf("PORTAINER_ENDPOINT_ID or PORTAINER_ENDPOINT_NAME is required"))
	}
	if c.Portainer.EndpointID != 0 && c.Portainer.EndpointName != "" {
		err = multierr.Append(err, fmt.Errorf("PORTAINER_ENDPOINT_ID and PORTAINER_ENDPOINT_NAME are mutually exclusive"))
	}
	if c.Portainer.EndpointID < 0 {
		err = multierr.Append(err, fmt.Errorf("PORTAINER_ENDPOINT_ID must be positive"))
	}
	if c.Portainer.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("PORTAINER_TIMEOUT must be positive"))
	}

	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		err = multierr.Append(err, fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", c.Database.Driver))
	}

	return err
}

// UseFileShim returns true if the file shim should be used instead of the real API.
func (c *Config) UseFileShim() bool {
	return c.Portainer.FileShim != ""
}

// EndpointSelector returns the configured target endpoint.
func (c *PortainerConfig) EndpointSelector() domain.EndpointSelector {
	return domain.EndpointSelector{ID: c.EndpointID, Name: c.EndpointName}
}

// EnvVars parses STACK_ENV entries of the form KEY=VALUE.
func (c *StackConfig) EnvVars() ([]domain.EnvVar, error) {
	vars := make([]domain.EnvVar, 0, len(c.Env))
	for _, entry := range c.Env {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("STACK_ENV entry %q must be KEY=VALUE", entry)
		}
		vars = append(vars, domain.EnvVar{Name: strings.TrimSpace(name), Value: value})
	}
	return vars, nil
}

// DesiredStack builds the desired stack from configuration.
func (c *Config) DesiredStack() (domain.DesiredStack, error) {
	vars, err := c.Stack.EnvVars()
	if err != nil {
		return domain.DesiredStack{}, err
	}
	return domain.DesiredStack{
		Name:           c.Stack.Name,
		ComposeContent: c.Stack.ComposeContent,
		Env:            vars,
	}, nil
}
