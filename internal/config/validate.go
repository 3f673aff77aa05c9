package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

var (
	// ErrInvalidPort is returned for a port outside 1-65535 or not a number
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidBackendURL is returned when the Ollama address is not an absolute http(s) URL
	ErrInvalidBackendURL = errors.New("invalid Ollama URL")
)

// ValidatePort checks a TCP port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}

// ParsePort parses and validates a port given as text.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	return port, ValidatePort(port)
}

// ValidateBackendURL checks that raw is an absolute http or https URL with a host.
func ValidateBackendURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBackendURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidBackendURL, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidBackendURL, raw)
	}
	if p := u.Port(); p != "" {
		if _, err := ParsePort(p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBackendURL, err)
		}
	}
	return nil
}

// Validate checks the settings the gateway cannot start without.
// The returned error joins every problem found.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParsePort(c.HTTPPort); err != nil {
		errs = append(errs, fmt.Errorf("HTTP_PORT: %w", err))
	}
	if err := ValidateBackendURL(c.Backend.URL); err != nil {
		errs = append(errs, fmt.Errorf("OLLAMA_URL: %w", err))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateDatabase checks the database settings.
// The memory driver needs no URL.
func (c *Config) ValidateDatabase() error {
	switch c.Database.Driver {
	case "memory":
		return nil
	case "postgres", "mysql":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		return nil
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres, mysql or memory, got %q", c.Database.Driver)
	}
}
