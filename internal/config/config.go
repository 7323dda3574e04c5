// Package config loads the settings of a fatoverlay session from a YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fatoverlay/internal/logging"
	"fatoverlay/internal/overlay"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

var (
	logger = logging.GetLogger().WithPrefix("config")

	// ErrInvalid indicates a configuration value that cannot be used
	ErrInvalid = errors.New("invalid configuration")
)

const (
	// EnvPrefix prefixes every environment variable read by Load
	EnvPrefix = "FATOVERLAY"

	// DefaultBackups is the number of rotated blob backups kept
	DefaultBackups = 5

	invalidChars = `*?:"<>|`
)

// Config describes one overlay.
type Config struct {
	VirtualRoot string `envconfig:"VIRTUAL_ROOT" yaml:"virtualRoot"`
	RealRoot    string `envconfig:"REAL_ROOT"    yaml:"realRoot"`
	StateDir    string `envconfig:"STATE_DIR"    yaml:"stateDir"`
	LogLevel    string `envconfig:"LOG_LEVEL"    yaml:"logLevel"`
	Backups     int    `envconfig:"BACKUPS"      yaml:"backups"`
	MountPoint  string `envconfig:"MOUNT_POINT"  yaml:"mountPoint"`
}

// ConfigFile returns the config file named by FATOVERLAY_CONFIG_FILE, or
// fatoverlay.yaml in the user config directory.
func ConfigFile() string {
	if f := os.Getenv(EnvPrefix + "_CONFIG_FILE"); f != "" {
		return f
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "fatoverlay.yaml")
}

// Default returns the built-in settings.
func Default() Config {
	return Config{VirtualRoot: overlay.DefaultVirtualRoot, Backups: DefaultBackups}
}

// Load starts from Default, reads configFile when it exists, then applies
// environment overrides. A missing file is not an error.
func Load(configFile string) (*Config, error) {
	c := Default()
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		switch {
		case err == nil:
			if err := yaml.UnmarshalStrict(data, &c); err != nil {
				return nil, fmt.Errorf("unmarshaling config file %s: %w", configFile, err)
			}
			logger.Debug("Loaded config file %s", configFile)
		case os.IsNotExist(err):
			logger.Trace("No config file at %s", configFile)
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	return &c, nil
}

// Validate checks the virtual root and fills in defaults. RealRoot becomes
// absolute, defaulting to the working directory.
func (c *Config) Validate() error {
	if err := ValidateVirtualRoot(c.VirtualRoot); err != nil {
		return err
	}

	if c.RealRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("%w: real root: %v", ErrInvalid, err)
		}
		c.RealRoot = wd
	}
	abs, err := filepath.Abs(c.RealRoot)
	if err != nil {
		return fmt.Errorf("%w: real root %q: %v", ErrInvalid, c.RealRoot, err)
	}
	c.RealRoot = abs

	if c.StateDir != "" {
		if c.StateDir, err = filepath.Abs(c.StateDir); err != nil {
			return fmt.Errorf("%w: state dir: %v", ErrInvalid, err)
		}
	}
	if c.Backups <= 0 {
		c.Backups = DefaultBackups
	}
	if c.LogLevel != "" {
		if _, ok := logging.ParseLevel(c.LogLevel); !ok {
			return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.LogLevel)
		}
	}
	return nil
}

// ValidateVirtualRoot accepts an absolute slash separated path without
// wildcard or device characters, empty segments or a trailing separator.
func ValidateVirtualRoot(root string) error {
	switch {
	case root == "":
		return fmt.Errorf("%w: virtual root is empty", ErrInvalid)
	case root == "." || root == "..":
		return fmt.Errorf("%w: virtual root %q", ErrInvalid, root)
	case !strings.HasPrefix(root, "/"):
		return fmt.Errorf("%w: virtual root %q must be absolute", ErrInvalid, root)
	case strings.ContainsAny(root, invalidChars):
		return fmt.Errorf("%w: virtual root %q contains one of %s", ErrInvalid, root, invalidChars)
	case strings.Contains(root, "//"):
		return fmt.Errorf("%w: virtual root %q has consecutive separators", ErrInvalid, root)
	case len(root) > 1 && strings.HasSuffix(root, "/"):
		return fmt.Errorf("%w: virtual root %q ends with a separator", ErrInvalid, root)
	}
	return nil
}

// ApplyLogLevel sets the shared log level when one is configured.
func (c *Config) ApplyLogLevel() {
	if level, ok := logging.ParseLevel(c.LogLevel); ok && c.LogLevel != "" {
		logging.GetLogger().SetLevel(level)
	}
}

// Options converts the configuration into engine options.
func (c *Config) Options() overlay.Options {
	return overlay.Options{
		VirtualRoot: c.VirtualRoot,
		RealRoot:    c.RealRoot,
		StateDir:    c.StateDir,
		Backups:     c.Backups,
	}
}
