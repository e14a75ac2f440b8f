package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/errors"
	"github.com/teilomillet/formulate/server"
	"go.uber.org/zap"
)

type options struct {
	configFile string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "formulate",
		Short:         "Conversational formulation intake service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(opts.envFiles...)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "formulate.yaml", "path to configuration file")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files loaded before the config (default .env)")

	root.AddCommand(newServeCmd(opts), newValidateCmd(opts), newVersionCmd())
	return root
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger, level, err := config.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()
			errors.SetLogger(logger)

			srv, err := server.NewServer(opts.configFile, logger, server.WithLogLevel(level))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting formulate",
				zap.String("version", Version),
				zap.Int("port", cfg.Server.Port),
			)
			return srv.Start(ctx)
		},
	}
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadFile(opts.configFile); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "formulate %s\n", Version)
		},
	}
}
