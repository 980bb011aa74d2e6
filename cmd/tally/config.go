package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tally/internal/config"
	"github.com/jackzampolin/tally/internal/svcctx"
)

var (
	configInitPath  string
	configInitForce bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage tally configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a default config file",
	Long:        "Write the default configuration to ~/.tally/config.yaml (or --path).",
	Annotations: map[string]string{annotationNoServices: "true"},
	Args:        cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := configInitPath
		if path == "" {
			h := svcctx.HomeFrom(ctx)
			if err := h.EnsureExists(); err != nil {
				return err
			}
			path = h.ConfigPath()
		}
		if err := config.WriteDefault(path, configInitForce); err != nil {
			return err
		}
		svcctx.LoggerFrom(ctx).Info("wrote default config", "path", path)
		return printer.Print(map[string]string{"config": path})
	},
}

var configKeysCmd = &cobra.Command{
	Use:         "keys [prefix]",
	Short:       "List config keys with their defaults",
	Annotations: map[string]string{annotationNoServices: "true"},
	Args:        cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		return printer.Print(config.EntriesWithPrefix(prefix))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := svcctx.ConfigFrom(cmd.Context())
		if cfg == nil {
			return errNoServices
		}
		return printer.Print(cfg)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the effective value of one config key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := svcctx.ServicesFrom(cmd.Context())
		if s == nil || s.Config == nil {
			return errNoServices
		}
		v, err := s.Config.Value(args[0])
		if err != nil {
			return err
		}
		out := map[string]any{"key": args[0], "value": v}
		if def := config.GetDefault(args[0]); def != nil {
			out["default"] = def.Value
			out["description"] = def.Description
		}
		return printer.Print(out)
	},
}

var configProvidersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List registered LLM providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := svcctx.RegistryFrom(cmd.Context())
		if registry == nil {
			return fmt.Errorf("provider registry: %w", errNoServices)
		}
		return printer.Print(map[string][]string{"providers": registry.List()})
	},
}

func init() {
	configInitCmd.Flags().StringVar(&configInitPath, "path", "", "write to this path instead of ~/.tally/config.yaml")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configProvidersCmd)
}
