package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/vk/assetgrid/internal/artifactstore"
	"github.com/vk/assetgrid/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
)

type fileRoot struct {
	Build     *buildBlock     `hcl:"build,block"`
	Agents    []*agentBlock   `hcl:"agent,block"`
	Cache     *cacheBlock     `hcl:"cache,block"`
	Artifacts *artifactsBlock `hcl:"artifacts,block"`
}

type buildBlock struct {
	Content            *string `hcl:"content,optional"`
	Hashes             *string `hcl:"hashes,optional"`
	Output             *string `hcl:"output,optional"`
	Workers            *int    `hcl:"workers,optional"`
	MaxDepth           *int    `hcl:"max_depth,optional"`
	PollInterval       *string `hcl:"poll_interval,optional"`
	SkipOnChildFailure *bool   `hcl:"skip_on_child_failure,optional"`
	RetryAttempts      *int    `hcl:"retry_attempts,optional"`
	RetryRemoteOnly    *bool   `hcl:"retry_remote_only,optional"`
}

type agentBlock struct {
	Name               string  `hcl:"name,label"`
	Host               string  `hcl:"host"`
	Port               int     `hcl:"port"`
	Slots              *int    `hcl:"slots,optional"`
	Path               *string `hcl:"path,optional"`
	Secure             *bool   `hcl:"secure,optional"`
	InsecureSkipVerify *bool   `hcl:"insecure_skip_verify,optional"`
	ConnectTimeout     *string `hcl:"connect_timeout,optional"`
}

type cacheBlock struct {
	Address   string  `hcl:"address"`
	Read      *bool   `hcl:"read,optional"`
	Write     *bool   `hcl:"write,optional"`
	BlockSize *int    `hcl:"block_size,optional"`
	Timeout   *string `hcl:"timeout,optional"`
	Expiry    *string `hcl:"expiry,optional"`
}

type artifactsBlock struct {
	S3 *s3Block `hcl:"s3,block"`
}

type s3Block struct {
	Endpoint  string  `hcl:"endpoint"`
	Bucket    string  `hcl:"bucket"`
	Region    *string `hcl:"region,optional"`
	Prefix    *string `hcl:"prefix,optional"`
	AccessKey *string `hcl:"access_key,optional"`
	SecretKey *string `hcl:"secret_key,optional"`
	UseSSL    *bool   `hcl:"use_ssl,optional"`
}

// Load reads the file at path. Relative paths inside the file are resolved
// against the file's directory.
func Load(ctx context.Context, path string) (*Config, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading configuration.", "path", path)

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(src, path, os.Environ())
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	for _, p := range []*string{&cfg.Build.Content, &cfg.Build.Hashes, &cfg.Build.Output} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	logger.Debug("Configuration loaded.", "agents", len(cfg.Agents), "cache", cfg.Cache != nil, "s3", cfg.S3 != nil)
	return cfg, nil
}

// Parse decodes src. environ populates the `env` variable, in os.Environ form.
func Parse(src []byte, filename string, environ []string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, evalContext(environ), &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, diags)
	}

	cfg, err := translate(&root)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return cfg, nil
}

func evalContext(environ []string) *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || !hclsyntax.ValidIdentifier(k) {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": env}}
}

func translate(root *fileRoot) (*Config, error) {
	cfg := Default()
	var errs []error
	duration := func(field string, raw *string, dst *time.Duration) {
		if raw == nil {
			return
		}
		d, err := time.ParseDuration(*raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}

	if b := root.Build; b != nil {
		setIf(&cfg.Build.Content, b.Content)
		setIf(&cfg.Build.Hashes, b.Hashes)
		setIf(&cfg.Build.Output, b.Output)
		setIf(&cfg.Build.Workers, b.Workers)
		setIf(&cfg.Build.MaxDepth, b.MaxDepth)
		setIf(&cfg.Build.SkipOnChildFailure, b.SkipOnChildFailure)
		setIf(&cfg.Build.RetryAttempts, b.RetryAttempts)
		setIf(&cfg.Build.RetryRemoteOnly, b.RetryRemoteOnly)
		duration("build.poll_interval", b.PollInterval, &cfg.Build.PollInterval)
	}

	for _, a := range root.Agents {
		ac := AgentConfig{Name: a.Name, Host: a.Host, Port: a.Port, Path: "/socket.io/", ConnectTimeout: 15 * time.Second}
		setIf(&ac.Slots, a.Slots)
		setIf(&ac.Path, a.Path)
		setIf(&ac.Secure, a.Secure)
		setIf(&ac.InsecureSkipVerify, a.InsecureSkipVerify)
		duration(fmt.Sprintf("agent %q connect_timeout", a.Name), a.ConnectTimeout, &ac.ConnectTimeout)
		cfg.Agents = append(cfg.Agents, ac)
	}

	if c := root.Cache; c != nil {
		cc := &CacheConfig{Address: c.Address, Read: true, Write: true, Timeout: 5 * time.Second}
		setIf(&cc.Read, c.Read)
		setIf(&cc.Write, c.Write)
		setIf(&cc.BlockSize, c.BlockSize)
		duration("cache.timeout", c.Timeout, &cc.Timeout)
		duration("cache.expiry", c.Expiry, &cc.Expiry)
		cfg.Cache = cc
	}

	if root.Artifacts != nil && root.Artifacts.S3 != nil {
		s := root.Artifacts.S3
		sc := &artifactstore.S3Config{Endpoint: s.Endpoint, Bucket: s.Bucket, UseSSL: true}
		setIf(&sc.Region, s.Region)
		setIf(&sc.Prefix, s.Prefix)
		setIf(&sc.AccessKey, s.AccessKey)
		setIf(&sc.SecretKey, s.SecretKey)
		setIf(&sc.UseSSL, s.UseSSL)
		cfg.S3 = sc
	}
	return cfg, errors.Join(errs...)
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
