package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xylex/athena-proxy/pkg/router"
)

var (
	routesDSN      string
	routesDriver   string
	routesFile     string
	routesJSON     bool
	routesPriority int
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <host> <path>",
	Short: "Print the backend URL a request would be sent to",
	Long: `Print the backend URL for a host and path. The path may carry a query
string, e.g. athena-proxy resolve db-dexter.example '/rest/v1/users?id=eq.1'.`,
	Args: cobra.ExactArgs(2),
	RunE: runResolve,
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Manage the SQL routing table",
}

var routesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List routing rules",
	Args:  cobra.NoArgs,
	RunE:  runRoutesList,
}

var routesAddCmd = &cobra.Command{
	Use:   "add <host-match> <origin>",
	Short: "Add a routing rule",
	Args:  cobra.ExactArgs(2),
	RunE:  runRoutesAdd,
}

func init() {
	resolveCmd.Flags().StringVar(&routesFile, "routes-file", getEnv("ATHENA_ROUTES_FILE", ""), "YAML or JSON routing table [ATHENA_ROUTES_FILE]")

	routesCmd.PersistentFlags().StringVar(&routesDSN, "routes-dsn", getEnv("ATHENA_ROUTES_DSN", "athena-router.db"), "SQL routing table DSN [ATHENA_ROUTES_DSN]")
	routesCmd.PersistentFlags().StringVar(&routesDriver, "routes-driver", getEnv("ATHENA_ROUTES_DRIVER", router.DriverSQLite), "sqlite or postgres [ATHENA_ROUTES_DRIVER]")
	routesListCmd.Flags().BoolVar(&routesJSON, "json", false, "Print entries as JSON")
	routesAddCmd.Flags().IntVar(&routesPriority, "priority", 0, "Lower values are matched first")

	routesCmd.AddCommand(routesListCmd, routesAddCmd)
	rootCmd.AddCommand(resolveCmd, routesCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	resolver := router.DefaultResolver()
	if routesFile != "" {
		table, err := router.LoadTable(routesFile)
		if err != nil {
			return err
		}
		resolver = table.Resolver()
	}

	target, err := resolveTarget(resolver, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), target)
	return nil
}

// resolveTarget splits rawPath into path and query before resolving.
func resolveTarget(resolver *router.Resolver, host, rawPath string) (string, error) {
	u, err := url.Parse(rawPath)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", rawPath, err)
	}
	return resolver.Resolve(host, u.EscapedPath(), u.RawQuery), nil
}

func runRoutesList(cmd *cobra.Command, args []string) error {
	store, err := router.OpenStore(routesDriver, routesDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	return printEntries(cmd.OutOrStdout(), entries, routesJSON)
}

func runRoutesAdd(cmd *cobra.Command, args []string) error {
	store, err := router.OpenStore(routesDriver, routesDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	entry, err := store.Add(cmd.Context(), args[0], args[1], routesPriority)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added route %d: %q -> %s\n", entry.ID, entry.HostMatch, entry.Origin)
	return nil
}

func printEntries(w io.Writer, entries []router.Entry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "No routes configured.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIORITY\tMATCH\tORIGIN")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", e.ID, e.Priority, e.HostMatch, e.Origin)
	}
	return tw.Flush()
}
