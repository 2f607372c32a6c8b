package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/kitdev/internal/config"
	"github.com/conneroisu/kitdev/internal/manifest"
)

var routesCmd = &cobra.Command{
	Use:     "routes",
	Aliases: []string{"r"},
	Short:   "Print the route manifest",
	Long: `Build the route manifest once from the routes directory and print it.

Examples:
  kitdev routes              # Table of pages and endpoints
  kitdev routes -o json      # Full manifest as JSON
  kitdev routes -o yaml      # Full manifest as YAML`,
	RunE: runRoutes,
}

var routesFormat string

func init() {
	rootCmd.AddCommand(routesCmd)
	addOutputFlag(routesCmd, &routesFormat)
}

func runRoutes(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	builder := manifest.NewBuilder(cfg.Paths.RoutesImportPath, cfg.Paths.PageExtensions, cfg.Watch.PrivatePrefix)
	m, err := builder.Build(cfg.Paths.Routes)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch strings.ToLower(routesFormat) {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(m)
	case "yaml":
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(m)
	default:
		return outputRoutesTable(out, m)
	}
}

func outputRoutesTable(out io.Writer, m *manifest.Manifest) error {
	if len(m.Pages) == 0 && len(m.Endpoints) == 0 {
		_, err := fmt.Fprintln(out, "No routes found.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tPATH\tPARAMS\tFILE")
	for _, page := range m.Pages {
		fmt.Fprintf(w, "page\t%s\t%s\t%s\n", page.Path, strings.Join(page.Params, ","), page.Component().File)
	}
	for _, endpoint := range m.Endpoints {
		fmt.Fprintf(w, "endpoint\t%s\t%s\t%s\n", endpoint.Path, strings.Join(endpoint.Params, ","), endpoint.File)
	}
	return w.Flush()
}
