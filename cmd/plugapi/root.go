package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gaspardpetit/plugapi/internal/config"
	"github.com/gaspardpetit/plugapi/internal/logx"
)

// loadConfig resolves the server config with precedence
// defaults < file < env. Flags are bound on top by the caller.
func loadConfig(args []string) (config.ServerConfig, error) {
	var cfg config.ServerConfig
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	if p, ok := config.ConfigFileFromArgs(args); ok {
		cfg.ConfigFile = p
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load config %s: %w", cfg.ConfigFile, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func newRootCommand(args []string) *cobra.Command {
	cfg, cfgErr := loadConfig(args)
	root := &cobra.Command{
		Use:   "plugapi",
		Short: "HTTP server for hot-reloadable Lua plugins",
		Long: `plugapi discovers Lua modules under a plugin directory and serves each one
as HTTP endpoints below /api. Modules can be reloaded, unloaded and rescanned
at runtime without restarting the server.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, buildSHA, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfgErr != nil {
				return cfgErr
			}
			logx.Configure(cfg.LogLevel)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
	cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(newServeCommand(&cfg))
	root.AddCommand(newPluginsCommand(&cfg))
	root.AddCommand(newVersionCommand())
	root.SetArgs(args)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "plugapi version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		},
	}
}
