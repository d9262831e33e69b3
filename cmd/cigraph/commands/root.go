package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/DrSkyle/cigraph/pkg/config"
	"github.com/DrSkyle/cigraph/pkg/engine"
	"github.com/DrSkyle/cigraph/pkg/version"
)

var (
	cfgFile   string
	manifests []string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "cigraph",
	Short: "Configuration graph, impact analysis and change gating",
	Long: `cigraph - Configuration Management Database

Discover. Relate. Gate.`,
	Version:       version.Current,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

var errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F87"))

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	pf.StringSliceVar(&manifests, "manifest", nil, "HCL manifest file or directory to apply (repeatable)")
	pf.BoolVar(&jsonOut, "json", false, "Print results as JSON")
	pf.String("log_level", "info", "Log level: debug, info, warn, error")
	pf.String("store.driver", config.DriverMemory, "Graph store driver: memory or sqlite")
	pf.String("store.path", "cigraph.db", "SQLite database path")

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		renderHelp(cmd)
	})

	rootCmd.AddCommand(serveCmd, analyzeCmd, healthCmd, loadCmd, versionCmd)
}

// loadConfig layers --config, env and flags over the defaults. --manifest
// paths are appended to the configured ones.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return cfg, err
	}
	cfg.Manifests = append(cfg.Manifests, manifests...)
	return cfg, nil
}

// openEngine builds an engine for one-shot commands: logs go to stderr and
// the global tracer provider is left alone.
func openEngine(ctx context.Context, cmd *cobra.Command) (*engine.Engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.LogFormat = "text"
	return engine.New(ctx,
		engine.WithConfig(cfg),
		engine.WithoutTelemetry(),
		engine.WithLogOutput(os.Stderr),
	)
}

func renderHelp(cmd *cobra.Command) {
	w := cmd.OutOrStdout()
	st := newStyles(w)
	flagStyle := st.muted

	fmt.Fprintln(w, st.title.Render(fmt.Sprintf("CIGRAPH %s", version.Current)))
	fmt.Fprintln(w, "Configuration graph, impact analysis and change gating.")
	fmt.Fprintln(w)

	fmt.Fprintln(w, st.title.Render("USAGE"))
	fmt.Fprintf(w, "  %s\n\n", cmd.UseLine())

	if cmd.HasAvailableSubCommands() {
		fmt.Fprintln(w, st.title.Render("COMMANDS"))
		for _, c := range cmd.Commands() {
			if c.IsAvailableCommand() {
				fmt.Fprintf(w, "  %-12s %s\n", c.Name(), c.Short)
			}
		}
		fmt.Fprintln(w)

		fmt.Fprintln(w, st.title.Render("EXAMPLES"))
		fmt.Fprintln(w, "  cigraph serve --config cigraph.yaml       # API, reconciler and ingest")
		fmt.Fprintln(w, "  cigraph analyze db-1 --manifest ./cmdb    # Blast radius of one CI")
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, st.title.Render("FLAGS"))
	printFlag := func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		output := fmt.Sprintf("  --%-15s %s", f.Name, f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "[]" {
			output += fmt.Sprintf(" (default %s)", f.DefValue)
		}
		fmt.Fprintln(w, flagStyle.Render(output))
	}
	cmd.LocalFlags().VisitAll(printFlag)
	cmd.InheritedFlags().VisitAll(printFlag)
	fmt.Fprintln(w)
}
