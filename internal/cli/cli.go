package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/vk/assetgrid/internal/app"
	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/cas"
)

// Exit codes.
const (
	CodeFailure = 1
	CodeUsage   = 2
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// ExitCode returns the process exit code.
func (e *ExitError) ExitCode() int { return e.Code }

func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, err error) *ExitError {
	return &ExitError{Code: code, Message: err.Error(), Err: err}
}

type rootOptions struct {
	configPath      string
	logLevel        string
	logFormat       string
	healthcheckPort int
}

// newApp validates the shared flags and creates the app. Any failure here is
// a usage error.
func (o *rootOptions) newApp(outW io.Writer, override func(*app.Config)) (*app.App, error) {
	raw := app.Config{
		ConfigPath:      o.configPath,
		LogLevel:        o.logLevel,
		LogFormat:       o.logFormat,
		HealthcheckPort: o.healthcheckPort,
	}
	if override != nil {
		override(&raw)
	}
	cfg, err := app.NewConfig(raw)
	if err != nil {
		return nil, exitErr(CodeUsage, err)
	}
	a, err := app.NewApp(outW, cfg)
	if err != nil {
		return nil, exitErr(CodeUsage, err)
	}
	return a, nil
}

// NewRootCmd creates the root command. All output goes to outW.
func NewRootCmd(outW io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "assetgrid",
		Short: "Incremental, distributed asset pipeline builder",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Show help when no subcommand is provided.
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(outW)
	cmd.SetErr(outW)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to the configuration file (default ./assetgrid.hcl when present).")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Logging level: 'debug', 'info', 'warn' or 'error'.")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log output format: 'text' or 'json'.")
	flags.IntVar(&opts.healthcheckPort, "healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")

	cmd.AddCommand(
		newBuildCmd(opts, outW),
		newAgentCmd(opts, outW),
		newCacheServerCmd(opts, outW),
		newKeyCmd(outW),
	)
	return cmd
}

func newBuildCmd(root *rootOptions, outW io.Writer) *cobra.Command {
	var (
		force   bool
		workers int
		noCache bool
	)
	cmd := &cobra.Command{
		Use:   "build [output-id...]",
		Short: "Build every source asset, or only the given roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.newApp(outW, func(c *app.Config) {
				c.Workers = workers
				c.NoCache = noCache
			})
			if err != nil {
				return err
			}
			if _, err := a.Build(cmd.Context(), args, force); err != nil {
				return exitErr(CodeFailure, err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Rebuild every node regardless of recorded hashes.")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of local build slots (default from config, else CPU count).")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Do not use the shared cache.")
	return cmd
}

func newAgentCmd(root *rootOptions, outW io.Writer) *cobra.Command {
	var opts app.AgentOptions
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a remote build agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.newApp(outW, nil)
			if err != nil {
				return err
			}
			if opts.Name == "" {
				opts.Name, _ = os.Hostname()
			}
			if err := a.ServeAgent(cmd.Context(), opts); err != nil {
				return exitErr(CodeFailure, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", ":7070", "Address to listen on.")
	cmd.Flags().IntVar(&opts.Slots, "slots", 0, "Concurrent builds (default build.workers, else 1).")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Name announced to orchestrators (default hostname).")
	return cmd
}

func newCacheServerCmd(root *rootOptions, outW io.Writer) *cobra.Command {
	var opts app.CacheOptions
	cmd := &cobra.Command{
		Use:   "cache-server",
		Short: "Run the shared content-addressed cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.newApp(outW, nil)
			if err != nil {
				return err
			}
			if err := a.ServeCache(cmd.Context(), opts); err != nil {
				return exitErr(CodeFailure, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", ":11211", "Address to listen on.")
	cmd.Flags().IntVar(&opts.Capacity, "capacity", cas.DefaultCapacity, "Number of blocks kept before eviction.")
	cmd.Flags().DurationVar(&opts.IdleTimeout, "idle-timeout", 5*time.Minute, "Close sessions idle for this long. 0 disables it.")
	return cmd
}

func newKeyCmd(outW io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "key <output-id> <combined-hash>",
		Short: "Print the cache key of a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := assetid.Parse(args[0])
			if err != nil {
				return exitErr(CodeUsage, err)
			}
			hash, err := strconv.ParseUint(args[1], 0, 32)
			if err != nil {
				return exitErr(CodeUsage, fmt.Errorf("invalid hash %q: %w", args[1], err))
			}
			fmt.Fprintln(outW, cas.KeyFor(id, uint32(hash)))
			return nil
		},
	}
}

// Execute runs the command tree with args. Errors raised by cobra itself,
// such as unknown flags or a wrong argument count, become usage errors.
func Execute(ctx context.Context, args []string, outW io.Writer) error {
	if args == nil {
		// cobra falls back to os.Args for nil.
		args = []string{}
	}
	cmd := NewRootCmd(outW)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit
	}
	return exitErr(CodeUsage, err)
}
