package weavecli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
}

var configSetContextCmd = &cobra.Command{
	Use:   "set-context <name>",
	Short: "Create or update a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		server, _ := cmd.Flags().GetString("gateway")
		token, _ := cmd.Flags().GetString("api-token")
		platform, _ := cmd.Flags().GetString("platform")
		makeCurrent, _ := cmd.Flags().GetBool("current")

		if server == "" {
			return fmt.Errorf("--gateway is required")
		}
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		setContext(cfg, Context{
			Name:     name,
			Server:   server,
			Token:    token,
			Platform: platform,
		}, makeCurrent)
		if err := SaveConfig(cfg, cfgFile); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Context %q updated.\n", name)
		return nil
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Switch the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if err := ensureContextExists(cfg, args[0]); err != nil {
			return err
		}
		cfg.CurrentContext = args[0]
		if err := SaveConfig(cfg, cfgFile); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Switched to context %q.\n", args[0])
		return nil
	},
}

var configCurrentContextCmd = &cobra.Command{
	Use:   "current-context",
	Short: "Print the current context",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No context configured.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.CurrentContext)
		return nil
	},
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the configured contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		asJSON, err := wantJSON()
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), cfg)
		}
		names := make([]string, 0, len(cfg.Contexts))
		for name := range cfg.Contexts {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", cfgFile)
		for _, name := range names {
			current := " "
			if cfg.CurrentContext == name {
				current = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", current, name, cfg.Contexts[name].Server)
		}
		return nil
	},
}

func init() {
	configSetContextCmd.Flags().String("gateway", "", "Gateway URL")
	configSetContextCmd.Flags().String("api-token", "", "Gateway API token")
	configSetContextCmd.Flags().String("platform", "", "Default platform id for new sessions")
	configSetContextCmd.Flags().Bool("current", true, "Set as current context")
	configCmd.AddCommand(configSetContextCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configCurrentContextCmd)
	configCmd.AddCommand(configViewCmd)
}
