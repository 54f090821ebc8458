// Command cascade is the engine's CLI: run cascades locally, serve the
// PostgreSQL wire front end, query the SQL surface and the event log, and
// manage external MCP tool servers.
//
// Exit codes: 0 success, 1 validation error, 2 execution error,
// 3 configuration error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ryrobes/larsql-sub001/internal/app"
	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/config"
	"github.com/ryrobes/larsql-sub001/internal/pgwire"
	"github.com/ryrobes/larsql-sub001/internal/query"
	"github.com/ryrobes/larsql-sub001/internal/registry"
)

const (
	exitOK         = 0
	exitValidation = 1
	exitExecution  = 2
	exitConfig     = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "cascade",
		Short:         "LLM-native data orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), serveCmd(), sqlCmd(), logsCmd(), mcpCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCodeFor(err)
	}
	return exitOK
}

// exitCodeFor maps the error taxonomy onto the documented exit codes.
func exitCodeFor(err error) int {
	var ce *cerrs.Error
	if errors.As(err, &ce) && ce.Kind == cerrs.KindConfig {
		return exitConfig
	}
	if errors.Is(err, config.ErrConfigNotFound) {
		return exitConfig
	}
	if strings.Contains(err.Error(), "validation") {
		return exitValidation
	}
	return exitExecution
}

// newApp builds the engine, wiring its shutdown to process signals.
func newApp(cmd *cobra.Command) (*app.App, context.Context, error) {
	a, err := app.New(app.LoadConfig())
	if err != nil {
		return nil, nil, err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	cobra.OnFinalize(func() { stop(); a.Close() })
	return a, ctx, nil
}

func runCmd() *cobra.Command {
	var inputArg, sessionID string
	cmd := &cobra.Command{
		Use:   "run <cascade.yaml>",
		Short: "Execute one cascade locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd)
			if err != nil {
				return err
			}
			inputs, err := parseInputs(inputArg)
			if err != nil {
				return cerrs.New(cerrs.KindConfig, "cli.run", err)
			}
			echo, err := a.RunCascadeFile(ctx, args[0], inputs, sessionID)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(map[string]any{
				"session_id": echo.SessionID,
				"outputs":    echo.Outputs,
				"failed":     echo.Failed(),
			}, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if echo.Failed() {
				return fmt.Errorf("cascade ended with %d unresolved errors", len(echo.UnresolvedErrors))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&inputArg, "input", "", "inputs as inline JSON or @file")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (generated when empty)")
	return cmd
}

// parseInputs accepts inline JSON or an @file reference.
func parseInputs(arg string) (map[string]any, error) {
	if arg == "" {
		return map[string]any{}, nil
	}
	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, err
		}
		raw = data
	}
	var inputs map[string]any
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, fmt.Errorf("inputs must be a JSON object: %w", err)
	}
	return inputs, nil
}

func serveCmd() *cobra.Command {
	var host, prefix string
	var port int
	sql := &cobra.Command{
		Use:   "sql",
		Short: "Start the PostgreSQL wire-protocol server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd)
			if err != nil {
				return err
			}
			go a.WatchCascadeDir(ctx)
			server := pgwire.New(pgwire.Options{
				Addr:          fmt.Sprintf("%s:%d", host, port),
				NewSession:    a.NewPGSession,
				SessionPrefix: prefix,
				Logger:        a.Logger,
			})
			return server.ListenAndServe(ctx)
		},
	}
	sql.Flags().StringVar(&host, "host", "127.0.0.1", "listen host")
	sql.Flags().IntVar(&port, "port", 5433, "listen port")
	sql.Flags().StringVar(&prefix, "session-prefix", "sql", "caller-id prefix for connections")

	cmd := &cobra.Command{Use: "serve", Short: "Run engine servers"}
	cmd.AddCommand(sql)
	return cmd
}

func sqlCmd() *cobra.Command {
	query := &cobra.Command{
		Use:   "query <SQL>",
		Short: "Run one statement against the local engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd)
			if err != nil {
				return err
			}
			exec, err := a.LocalExecutor()
			if err != nil {
				return err
			}
			rs, err := exec.Execute(ctx, args[0])
			if err != nil {
				return err
			}
			printResultSet(cmd, rs)
			return nil
		},
	}
	cmd := &cobra.Command{Use: "sql", Short: "Local SQL surface"}
	cmd.AddCommand(query)
	return cmd
}

func logsCmd() *cobra.Command {
	query := &cobra.Command{
		Use:   "query [predicate]",
		Short: "Query the columnar event log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd)
			if err != nil {
				return err
			}
			predicate := ""
			if len(args) > 0 {
				predicate = args[0]
			}
			rs, err := a.QueryLogs(ctx, predicate)
			if err != nil {
				return err
			}
			printResultSet(cmd, rs)
			return nil
		},
	}
	cmd := &cobra.Command{Use: "logs", Short: "Observability log"}
	cmd.AddCommand(query)
	return cmd
}

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mcp", Short: "Manage external MCP tool servers"}

	add := &cobra.Command{
		Use:   "add <name> <command> [args...]",
		Short: "Start an MCP server and register its tools",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd)
			if err != nil {
				return err
			}
			cfg := registry.MCPServerConfig{Name: args[0], Command: args[1], Args: args[2:]}
			if err := a.Registry.DiscoverMCP(ctx, a.MCP, []registry.MCPServerConfig{cfg}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", args[0])
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List managed MCP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := newApp(cmd)
			if err != nil {
				return err
			}
			for _, st := range a.MCP.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d tools\n", st.Name, st.Command, st.ToolCount)
			}
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show MCP server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := newApp(cmd)
			if err != nil {
				return err
			}
			for _, st := range a.MCP.List() {
				state := "ok"
				if st.LastError != "" {
					state = "error: " + st.LastError
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tup %s\t%s\n", st.Name, st.Uptime.Round(1e9), state)
			}
			return nil
		},
	}

	cmd.AddCommand(add, list, status)
	return cmd
}

func printResultSet(cmd *cobra.Command, rs *query.ResultSet) {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, strings.Join(rs.Columns, "\t"))
	for _, row := range rs.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprintf("%v", v)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	for _, warn := range rs.Warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", warn)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), rs.Tag)
}