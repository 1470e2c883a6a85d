package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kayyum-khan/integration-framework/internal/config"
	"github.com/kayyum-khan/integration-framework/internal/registration"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "integration-bridge",
		Short:         "Bridge between the mobile platform's data sync protocol and a backend",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newServeCommand(opts),
		newRegisterCommand(opts),
		newUnregisterCommand(opts),
		newSecretCommand(),
		newVersionCommand(),
	)
	return root
}

// load reads the configuration and builds the logger it asks for.
func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	bootstrap, err := zap.NewProduction()
	if err != nil {
		bootstrap = zap.NewNop()
	}
	defer func() { _ = bootstrap.Sync() }()

	cfg, err := config.Load(o.configPath, bootstrap)
	if err != nil {
		return config.Config{}, nil, err
	}
	if level := strings.TrimSpace(o.logLevel); level != "" {
		cfg.Log.Level = level
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the data sync protocol and register with the platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}

func newRegisterCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register integration.url with the platform using integration.password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cfg.Integration.URL == "" || cfg.Integration.Password == "" {
				return errors.New("register needs integration.url and integration.password")
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			client, err := newPlatformClient(cfg, logger)
			if err != nil {
				return err
			}
			ok, err := client.Register(commandContext(cmd), cfg.Integration.URL, cfg.Integration.Password)
			if err != nil {
				return err
			}
			if !ok {
				return registration.ErrRejected
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", cfg.Integration.URL)
			return nil
		},
	}
}

func newUnregisterCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister",
		Short: "Remove this integration's registration from the platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			client, err := newPlatformClient(cfg, logger)
			if err != nil {
				return err
			}
			ok, err := client.Unregister(commandContext(cmd))
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintln(cmd.OutOrStdout(), "unregistered")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing was registered")
			}
			return nil
		},
	}
}

func newSecretCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "secret",
		Short: "Print a freshly generated integration password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := registration.GeneratePassword()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), password)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "integration-bridge version %s\n", version)
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
