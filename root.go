package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/diceware-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath  string
	flagServer      string
	flagTokenFile   string
	flagOutput      string
	flagJSON        bool
	flagVerbose     bool
	flagQuiet       bool
	flagSerialize   bool
	flagInteractive bool
)

// CLIFlags is a snapshot of the global flags taken before a command runs.
type CLIFlags struct {
	ConfigPath  string
	Output      string
	Verbose     bool
	Quiet       bool
	Interactive bool
}

// CLIContext carries everything a command needs. It is stored in the
// command's context by the root PersistentPreRunE.
type CLIContext struct {
	Flags  CLIFlags
	Logger *slog.Logger
	// Cfg is nil for commands in skipConfigCommands.
	Cfg *config.Config
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext set by the root pre-run. A missing
// context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok || cc == nil {
		panic("BUG: CLIContext not found in context; PersistentPreRunE did not run")
	}

	return cc
}

// skipConfigCommands lists commands that must work when the config file is
// missing or broken: they only need the config path.
var skipConfigCommands = map[string]bool{
	"diceware config init": true,
	"diceware config set":  true,
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "diceware",
		Short:   "Diceware passphrase collection client",
		Long:    "Manage your Diceware passphrase collection from the command line.",
		Version: version,
		// Errors and usage are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return prepareCLIContext(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagConfigPath, "config", "", "config file path")
	pf.StringVar(&flagServer, "server", "", "Diceware service base URL")
	pf.StringVar(&flagTokenFile, "token-file", "", "OAuth token file path")
	pf.StringVarP(&flagOutput, "output", "o", outputText, "output format: text, json, yaml")
	pf.BoolVar(&flagJSON, "json", false, "output in JSON format (same as -o json)")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	pf.BoolVar(&flagSerialize, "serialize", false, "run one mutation at a time")
	pf.BoolVar(&flagInteractive, "interactive", isatty.IsTerminal(os.Stdin.Fd()),
		"fall back to browser sign-in when the saved session cannot be refreshed")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newEditCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newBrowseCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// prepareCLIContext resolves config (unless the command opts out), builds
// the logger and stores both in the command context.
func prepareCLIContext(cmd *cobra.Command) error {
	flags := CLIFlags{
		ConfigPath:  flagConfigPath,
		Output:      flagOutput,
		Verbose:     flagVerbose,
		Quiet:       flagQuiet,
		Interactive: flagInteractive,
	}

	if flagJSON {
		flags.Output = outputJSON
	}

	if _, err := parseOutputFormat(flags.Output); err != nil {
		return err
	}

	cc := &CLIContext{Flags: flags}

	if skipConfigCommands[cmd.CommandPath()] {
		cc.Logger = buildLogger(nil, flags, os.Stderr)
	} else {
		// Config loading logs with a flags-only logger; the final one also
		// honors the config file's log settings.
		cfg, err := loadConfig(cmd, buildLogger(nil, flags, os.Stderr))
		if err != nil {
			return err
		}

		cc.Cfg = cfg
		cc.Logger = buildLogger(cfg, flags, os.Stderr)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(withCLIContext(ctx, cc))

	return nil
}

// loadConfig resolves the effective configuration from the four-layer
// override chain. Only flags the user actually set override lower layers.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	if cmd.Flags().Changed("server") {
		cli.ServerURL = &flagServer
	}

	if cmd.Flags().Changed("token-file") {
		cli.TokenFile = &flagTokenFile
	}

	if cmd.Flags().Changed("serialize") {
		cli.SerializeMutations = &flagSerialize
	}

	cfg, err := config.Resolve(config.ReadEnvOverrides(logger), cli, logger)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, nil
}

// configPathFromFlags returns the config file path without loading it:
// --config, then DICEWARE_CONFIG, then the platform default.
func configPathFromFlags(cc *CLIContext) string {
	if cc.Flags.ConfigPath != "" {
		return cc.Flags.ConfigPath
	}

	if p := os.Getenv(config.EnvConfig); p != "" {
		return p
	}

	return config.DefaultConfigPath()
}

// buildLogger creates an slog.Logger from the resolved config and CLI
// flags. The config file provides the baseline; --verbose and --quiet
// override it. cfg may be nil before config is loaded.
func buildLogger(cfg *config.Config, flags CLIFlags, out *os.File) *slog.Logger {
	level := slog.LevelWarn
	format := "auto"

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}

		format = cfg.LogFormat
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return slog.New(newLogHandler(out, format, isatty.IsTerminal(out.Fd()), level))
}

// newLogHandler picks text or JSON output. "auto" means text on a terminal
// and JSON otherwise.
func newLogHandler(w io.Writer, format string, tty bool, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !tty) {
		return slog.NewJSONHandler(w, opts)
	}

	return slog.NewTextHandler(w, opts)
}

// newHTTPClient returns an HTTP client honoring the configured timeouts.
func newHTTPClient(cfg *config.Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeoutDuration()}).DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeoutDuration()

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeoutDuration(),
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
