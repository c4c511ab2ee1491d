package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tasksync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

// secretMask replaces the client secret in JSON output.
const secretMask = "********"

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		shown := *cc.Cfg
		if shown.Remote.ClientSecret != "" {
			shown.Remote.ClientSecret = secretMask
		}

		return printJSON(cc.Out, shown)
	}

	return config.RenderEffective(cc.Cfg, cc.CfgPath, cc.Out)
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file and data directory locations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			fmt.Fprintf(cc.Out, "config: %s\n", cc.CfgPath)
			fmt.Fprintf(cc.Out, "db:     %s\n", cc.Cfg.Storage.DBPath)
			fmt.Fprintf(cc.Out, "pid:    %s\n", pidFilePath(cc.Cfg))

			return nil
		},
	}
}
