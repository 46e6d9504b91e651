// Package cli provides the command-line interface for the trading agent.
package cli

import (
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"spot-trader/internal/config"
	"spot-trader/internal/logging"
	"spot-trader/internal/security"
)

// Version information, overridden at build time with -ldflags.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// annotationNoConfig marks commands that run without loading config.toml.
const annotationNoConfig = "no-config"

// App holds the application dependencies shared by commands.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "spot-trader",
		Short: "Spot Trader - automated spot trading agent",
		Long: `Spot Trader runs one trend-following strategy on one spot symbol.

Each poll it reads candles, the top of book and free balances, evaluates
the entry and exit conditions and moves the position through
FLAT -> PENDING_ENTRY -> OPEN with post-only entries and market exits.
Realized transitions are recorded in a local ledger that also backs the
daily loss limit.

Use 'spot-trader config init' to write the configuration templates.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup(cmd)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/spot-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("paper", false, "force paper trading regardless of trading.mode")

	addCoreCommands(rootCmd, app)
	addTradingCommands(rootCmd, app)
	addLedgerCommands(rootCmd, app)

	return rootCmd
}

func (app *App) setup(cmd *cobra.Command) error {
	dir, _ := cmd.Flags().GetString("config")
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	app.ConfigDir = dir

	if cmd.Annotations[annotationNoConfig] == "true" {
		return nil
	}

	if paper, _ := cmd.Flags().GetBool("paper"); paper {
		// Applied through the environment override so live-mode credential
		// validation is skipped as well.
		if err := os.Setenv("TRADING_MODE", "paper"); err != nil {
			return err
		}
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	app.Config = cfg

	if !cfg.UI.ColorEnabled {
		color.NoColor = true
	}

	logCfg := cfg.LogConfig()
	logCfg.Out = cmd.ErrOrStderr()
	logCfg.NoColor = color.NoColor
	// Only the trading loop logs to the console; other commands keep stdout
	// for their output.
	if cmd.Name() != "run" {
		logCfg.Console = false
	}
	app.Logger = logging.New(logCfg)

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logging.SetDebugLevel()
		app.Logger = app.Logger.Level(zerolog.DebugLevel)
	}
	return nil
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{annotationNoConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				_ = output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("Spot Trader v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{annotationNoConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				_ = output.JSON(map[string]string{
					"path":        app.ConfigDir,
					"config":      filepath.Join(app.ConfigDir, "config.toml"),
					"credentials": filepath.Join(app.ConfigDir, "credentials.toml"),
				})
				return
			}
			output.Println(app.ConfigDir)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "init",
		Short:       "Write configuration templates",
		Annotations: map[string]string{annotationNoConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path, err := config.WriteTemplate(app.ConfigDir)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Success("Configuration template: %s", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			// Load already validated; this re-checks after any flag overrides.
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Trading")
	output.Printf("  Mode:            %s\n", cfg.Trading.Mode)
	output.Printf("  Strategy:        %s (%s)\n", cfg.Trading.Strategy, cfg.Strategy.Tag)
	output.Printf("  Symbol:          %s (%s/%s)\n", cfg.Trading.Symbol, cfg.Trading.BaseAsset, cfg.Trading.QuoteAsset)
	output.Printf("  Endpoint:        %s\n", cfg.Trading.BaseURL)
	output.Printf("  Poll Interval:   %s\n", cfg.Trading.PollInterval)
	output.Printf("  Call Timeout:    %s\n", cfg.Trading.CallTimeout)
	output.Println()

	s := cfg.Strategy
	output.Bold("Strategy")
	output.Printf("  Timeframes:      %s x%d / %s x%d\n", s.LowInterval, s.LowCandles, s.HighInterval, s.HighCandles)
	output.Printf("  Entry Pricing:   %s\n", s.EntryPricing)
	output.Printf("  Entry TTL:       %s\n", s.TTL)
	output.Printf("  Stop:            %.2f ATR\n", s.StopATR)
	if s.Target1R > 0 {
		output.Printf("  Targets:         %.1fR (%.0f%%) / %.1fR\n", s.Target1R, s.PartialFraction*100, s.Target2R)
	} else {
		output.Printf("  Target:          %.2f ATR\n", s.TargetATR)
	}
	output.Println()

	r := cfg.Risk
	output.Bold("Risk")
	output.Printf("  Sizing:          %s\n", r.SizingMode)
	if r.SizingMode == "risk" {
		output.Printf("  Risk Fraction:   %.2f%%\n", r.RiskFraction*100)
	} else {
		output.Printf("  Position:        %.1f%% (cap %.2f)\n", r.PositionFraction*100, r.CapitalCap)
	}
	output.Printf("  Daily Drawdown:  %.1f%% of %s", r.DrawdownFraction*100, r.DrawdownReference)
	if r.DrawdownReference == "fixed" {
		output.Printf(" %.2f", r.ReferenceCapital)
	}
	output.Println()
	output.Println()

	output.Bold("Storage")
	output.Printf("  Backend:         %s\n", cfg.Storage.Backend)
	output.Printf("  Database:        %s\n", cfg.Storage.DBPath)
	if cfg.Storage.Backend == "file" {
		output.Printf("  State Dir:       %s\n", cfg.Storage.StateDir)
	}
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:         %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:           %s\n", cfg.Notifications.Level)
	output.Printf("  Console:         %v\n", cfg.Notifications.Console)
	output.Printf("  Webhook:         %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Telegram:        %v\n", cfg.Notifications.Telegram.Enabled)
	output.Println()

	output.Bold("Metrics")
	output.Printf("  Enabled:         %v\n", cfg.Metrics.Enabled)
	output.Printf("  Address:         %s\n", cfg.Metrics.Addr)
	output.Println()

	output.Bold("Credentials")
	output.Printf("  Binance Key:     %s\n", masked(cfg.Credentials.Binance.APIKey))
	output.Printf("  Binance Secret:  %s\n", masked(cfg.Credentials.Binance.APISecret))
	output.Printf("  Telegram Token:  %s\n", masked(cfg.Notifications.Telegram.BotToken))
}

func masked(v string) string {
	if v == "" {
		return "(not set)"
	}
	return security.MaskCredential(v)
}
