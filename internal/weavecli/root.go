// Package weavecli implements weavectl, the operator CLI for the weave gateway.
package weavecli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	cfgFile       string
	contextName   string
	overrideURL   string
	overrideToken string
	outputFormat  string
	timeout       time.Duration

	appConfig *Config
)

// Execute runs the CLI.
func Execute() error {
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

var rootCmd = &cobra.Command{
	Use:   "weavectl",
	Short: "Drive weave gateway sessions from the terminal",
	Long: `weavectl talks to a weave gateway: it creates sessions, replays streaming
signals, fires billing events and inspects the billing journal.
Most commands require a configured context (see 'weavectl config set-context').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config commands load/save the file manually.
		if strings.HasPrefix(cmd.CommandPath(), "weavectl config") {
			return nil
		}
		var err error
		appConfig, err = LoadConfig(cfgFile)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath(), "Path to the weavectl config file")
	rootCmd.PersistentFlags().StringVar(&contextName, "context", "", "Context name to use (overrides current)")
	rootCmd.PersistentFlags().StringVar(&overrideURL, "server", "", "Override gateway URL")
	rootCmd.PersistentFlags().StringVar(&overrideToken, "token", "", "Override API token")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table|json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "Request timeout")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(auctionCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(visibilityCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(historyCmd)
}

// resolvedContext merges config state with flag overrides.
func resolvedContext() (*Context, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	ctxName := contextName
	if ctxName == "" {
		ctxName = appConfig.CurrentContext
	}
	ctx, ok := appConfig.Contexts[ctxName]
	if !ok && overrideURL == "" {
		return nil, fmt.Errorf("context %q not found; use 'weavectl config set-context'", ctxName)
	}
	if overrideURL != "" {
		ctx.Server = overrideURL
	}
	if overrideToken != "" {
		ctx.Token = overrideToken
	}
	if ctx.Server == "" {
		return nil, fmt.Errorf("context %q is missing a server URL", ctxName)
	}
	return &ctx, nil
}

func mustClient() (*Client, *Context, error) {
	ctx, err := resolvedContext()
	if err != nil {
		return nil, nil, err
	}
	client := &Client{
		BaseURL: ctx.Server,
		Token:   ctx.Token,
		Timeout: timeout,
	}
	return client, ctx, nil
}
