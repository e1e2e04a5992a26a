package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/vk/assetgrid/internal/artifactstore"
)

// DefaultFile is the configuration file looked up when none is given.
const DefaultFile = "assetgrid.hcl"

// Config is the decoded, defaulted and validated configuration.
type Config struct {
	Build  BuildConfig
	Agents []AgentConfig
	// Cache is nil when no shared cache is configured.
	Cache *CacheConfig
	// S3 is nil when artifacts are written to Build.Output on disk.
	S3 *artifactstore.S3Config
}

// BuildConfig holds the settings of the build command.
type BuildConfig struct {
	Content            string
	Hashes             string
	Output             string
	Workers            int
	MaxDepth           int
	PollInterval       time.Duration
	SkipOnChildFailure bool
	RetryAttempts      int
	RetryRemoteOnly    bool
}

// AgentConfig describes one remote build agent.
type AgentConfig struct {
	Name               string
	Host               string
	Port               int
	Slots              int
	Path               string
	Secure             bool
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// CacheConfig describes the shared content-addressed cache.
type CacheConfig struct {
	Address   string
	Read      bool
	Write     bool
	BlockSize int
	Timeout   time.Duration
	Expiry    time.Duration
}

// Default returns the configuration used without a file.
func Default() *Config {
	return &Config{
		Build: BuildConfig{
			Content:      "content",
			Hashes:       ".assetgrid/hashes.yaml",
			Output:       ".assetgrid/out",
			MaxDepth:     256,
			PollInterval: 20 * time.Millisecond,
		},
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Build.Content == "" {
		errs = append(errs, errors.New("build.content must not be empty"))
	}
	if c.Build.Workers < 0 {
		errs = append(errs, fmt.Errorf("build.workers must not be negative, got %d", c.Build.Workers))
	}
	if c.Build.MaxDepth <= 0 {
		errs = append(errs, fmt.Errorf("build.max_depth must be positive, got %d", c.Build.MaxDepth))
	}
	if c.Build.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("build.retry_attempts must not be negative, got %d", c.Build.RetryAttempts))
	}

	seen := make(map[string]bool)
	for _, a := range c.Agents {
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("agent %q is declared more than once", a.Name))
		}
		seen[a.Name] = true
		if a.Host == "" {
			errs = append(errs, fmt.Errorf("agent %q: host is required", a.Name))
		}
		if a.Port <= 0 || a.Port > 65535 {
			errs = append(errs, fmt.Errorf("agent %q: port %d out of range", a.Name, a.Port))
		}
		if a.Slots < 0 {
			errs = append(errs, fmt.Errorf("agent %q: slots must not be negative", a.Name))
		}
	}

	if c.Cache != nil {
		if c.Cache.Address == "" {
			errs = append(errs, errors.New("cache.address is required"))
		}
		if c.Cache.BlockSize < 0 {
			errs = append(errs, errors.New("cache.block_size must not be negative"))
		}
	}
	if c.S3 != nil && c.S3.Bucket == "" {
		errs = append(errs, errors.New("artifacts.s3.bucket is required"))
	}
	return errors.Join(errs...)
}
