package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cordum/plugind/core/infra/buildinfo"
	sdk "github.com/cordum/plugind/sdk/client"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:3004"

type options struct {
	server string
	apiKey string
}

func (o *options) client() *sdk.Client {
	return sdk.New(strings.TrimRight(o.server, "/"), o.apiKey)
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "pluginctl",
		Short: "Manage plugins on a plugind server",
		Long: `pluginctl talks to the plugind HTTP API.

Install bundles from git, run their tools, change their configuration and
follow asynchronous init results.`,
		Version:       buildinfo.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("PLUGIND_URL", defaultServer), "plugind base URL")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("PLUGIND_API_KEY"), "API key for plugind")

	root.AddCommand(
		newListCommand(opts),
		newShowCommand(opts),
		newRunCommand(opts),
		newInstallCommand(opts),
		newUpdateCommand(opts),
		newRemoveCommand(opts),
		newConfigureCommand(opts),
		newEventsCommand(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func printLines(cmd *cobra.Command, lines ...string) {
	for _, line := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
}
