package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/opsdash/internal/backend"
	"github.com/pitabwire/opsdash/internal/config"
	"github.com/pitabwire/opsdash/internal/observability"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "opsdash",
		Short: "Delivery issue operations dashboard",
		Long: `opsdash reviews delivery issues reported against restaurant orders,
requests AI analysis and records resolution actions against the
delivery-operations backend.`,
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			observability.Version = version
			observability.Commit = commit
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to configuration file (defaults plus OPSDASH_* environment when empty)")

	cmd.AddCommand(
		newServeCmd(opts),
		newDashboardCmd(opts),
		newIssueCmd(opts),
	)
	return cmd
}

// operatorEnv is what a terminal command needs to drive a controller.
type operatorEnv struct {
	cfg    *config.Config
	logger *zap.Logger
	client *backend.Client
}

func (o *rootOptions) operatorEnv() (*operatorEnv, error) {
	cfg, err := config.LoadOrDefaults(o.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewCLILogger(cfg.Observability)
	if err != nil {
		return nil, err
	}
	client, err := backend.New(cfg.Backend, backend.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return &operatorEnv{cfg: cfg, logger: logger, client: client}, nil
}
