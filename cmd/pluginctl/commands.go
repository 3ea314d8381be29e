package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	sdk "github.com/cordum/plugind/sdk/client"
	"github.com/spf13/cobra"
)

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bundles, err := opts.client().ListBundles(cmd.Context())
			if err != nil {
				return err
			}
			if len(bundles) == 0 {
				printLines(cmd, "No plugins installed.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION")
			for _, b := range bundles {
				fmt.Fprintf(w, "%s\t%s\n", b.Name, b.Description)
			}
			return w.Flush()
		},
	}
}

func newShowCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <plugin>",
		Short: "Show a plugin's tools and instructions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := opts.client().GetBundle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), bundle)
		},
	}
}

func newRunCommand(opts *options) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "run <plugin> <tool>",
		Short: "Run a plugin tool",
		Long: `Run a plugin tool with the given input.

The input is passed to the tool on stdin unchanged. Use --input - to read it
from this command's stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(input)
			if input == "-" {
				var err error
				if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("read input: %w", err)
				}
			}
			res, err := opts.client().RunTool(cmd.Context(), args[0], args[1], data)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("tool %s/%s failed", args[0], args[1])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "tool input, or - for stdin")
	return cmd
}

func newInstallCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "install <git-url>",
		Short: "Install a plugin from a git repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Install(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printLines(cmd, res.Message)
			if len(res.Config) > 0 {
				printLines(cmd, "", "Configuration:")
				for _, key := range sortedKeys(res.Config) {
					field := res.Config[key]
					marker := "optional"
					if field.Required {
						marker = "required"
					}
					printLines(cmd, fmt.Sprintf("  %s (%s) %s", key, marker, field.Description))
				}
			}
			printInitOutput(cmd, res.InitOutput)
			return nil
		},
	}
}

func newUpdateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "update <plugin>",
		Short: "Pull the latest revision of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Update(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printLines(cmd, res.Message)
			if len(res.MissingConfig) > 0 {
				printLines(cmd, "Missing required config: "+strings.Join(res.MissingConfig, ", "))
			}
			printInitOutput(cmd, res.InitOutput)
			return nil
		},
	}
}

func newRemoveCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <plugin>",
		Aliases: []string{"rm"},
		Short:   "Remove a plugin",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := opts.client().Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printLines(cmd, msg)
			return nil
		},
	}
}

func newConfigureCommand(opts *options) *cobra.Command {
	var (
		sets []string
		file string
	)
	cmd := &cobra.Command{
		Use:   "configure <plugin>",
		Short: "Merge configuration values into a plugin",
		Long: `Merge configuration values into a plugin's config.json.

Values given with --set are parsed as JSON when possible and kept as strings
otherwise. --file reads a JSON object; --set entries override it.`,
		Example: `  pluginctl configure weather --set api_key=abc123 --set retries=3
  pluginctl configure weather --file weather.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := map[string]any{}
			if file != "" {
				// #nosec G304 -- CLI reads a file named by the operator.
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &values); err != nil {
					return fmt.Errorf("invalid config file: %w", err)
				}
			}
			if err := parseSets(sets, values); err != nil {
				return err
			}
			res, err := opts.client().Configure(cmd.Context(), args[0], values)
			if err != nil {
				return err
			}
			printLines(cmd, res.Message)
			for _, w := range res.Warnings {
				printLines(cmd, "warning: "+w)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "config value as key=value (repeatable)")
	cmd.Flags().StringVar(&file, "file", "", "JSON file with config values")
	return cmd
}

func newEventsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow asynchronous plugin events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.client().StreamEvents(cmd.Context(), func(e sdk.Event) error {
				printLines(cmd, fmt.Sprintf("[%s] %s", e.Kind, e.Message))
				return nil
			})
		},
	}
}

func parseSets(sets []string, into map[string]any) error {
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("invalid --set %q, want key=value", s)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		into[key] = v
	}
	return nil
}

func printInitOutput(cmd *cobra.Command, out string) {
	if strings.TrimSpace(out) == "" {
		return
	}
	printLines(cmd, "", "Init output:", out)
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Write(data)
	buf.WriteByte('\n')
	_, err = w.Write(buf.Bytes())
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
