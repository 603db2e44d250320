// Package cli provides the command-line interface for the trading agent.
package cli

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"vibe-trader/internal/agents"
	"vibe-trader/internal/broker"
	"vibe-trader/internal/config"
	"vibe-trader/internal/errors"
	"vibe-trader/internal/logging"
	"vibe-trader/internal/resilience"
	"vibe-trader/internal/security"
	"vibe-trader/internal/signer"
	"vibe-trader/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies. Config and Logger are set once
// flags are parsed; the rest is built on demand by the commands that need it.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "vibe-trader",
		Short: "Autonomous LLM-driven trader for Aster perpetual futures",
		Long: `vibe-trader asks a language model for a decision on each configured
symbol every cycle, gates it through fixed risk limits and executes the
survivors on the Aster futures venue (or a paper account in dry-run mode).

Configuration lives in ~/.config/vibe-trader (config.toml, credentials.toml);
environment variables and a local .env file override it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			app.Config = cfg

			logCfg := logging.LogConfig{
				Level:      cfg.Logging.Level,
				Console:    true,
				File:       cfg.Logging.File,
				FilePath:   cfg.Logging.FilePath,
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				MaxAge:     cfg.Logging.MaxAgeDays,
				Compress:   true,
			}
			app.Logger = logging.NewLoggerWithConfig(logCfg)

			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/vibe-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addAgentCommands(rootCmd, app)
	addMarketCommands(rootCmd, app)
	addAccountCommands(rootCmd, app)
	addHistoryCommands(rootCmd, app)

	return rootCmd
}

// openStore opens the agent database.
func (a *App) openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(a.Config.Database.Path)
}

// newExchange builds the venue client, signed when credentials are present.
func (a *App) newExchange() (*broker.AsterBroker, error) {
	ex := a.Config.Exchange
	cfg := broker.AsterConfig{
		BaseURL:          ex.BaseURL,
		RecvWindow:       ex.RecvWindow,
		Timeout:          ex.Timeout(),
		DefaultPrecision: ex.DefaultPrecision,
		MinNotional:      ex.MinNotional,
		RulesTTL:         ex.RulesTTL(),
	}

	var s *signer.Signer
	if creds := a.Config.Credentials.Aster; creds.Configured() {
		var err error
		s, err = signer.New(creds.UserAddress, creds.SignerAddress, creds.PrivateKey)
		if err != nil {
			return nil, err
		}
	}
	return broker.NewAsterBroker(cfg, s, a.Logger), nil
}

// newSignedExchange is newExchange for commands that only make signed calls.
func (a *App) newSignedExchange() (*broker.AsterBroker, error) {
	if !a.Config.Credentials.Aster.Configured() {
		return nil, errors.ErrNotAuthenticated
	}
	return a.newExchange()
}

// newTradingBroker returns the broker the agent trades through: the venue in
// live mode, a paper account fed by venue market data in dry-run mode.
func (a *App) newTradingBroker() (broker.Broker, error) {
	exchange, err := a.newExchange()
	if err != nil {
		return nil, err
	}
	if a.Config.IsLive() {
		return exchange, nil
	}
	return broker.NewPaperBroker(broker.PaperBrokerConfig{
		DataBroker:     exchange,
		InitialBalance: a.Config.Trading.PaperBalance,
	}), nil
}

// newOracle builds the LLM-backed decision oracle.
func (a *App) newOracle() (*agents.LLMOracle, error) {
	oc := a.Config.Oracle
	if a.Config.Credentials.OpenAI.APIKey == "" && oc.BaseURL == "" {
		return nil, errors.NewValidationError("credentials.openai.api_key", "", "an API key or a compatible base_url is required")
	}
	llm := agents.NewOpenAIClient(agents.LLMConfig{
		APIKey:      a.Config.Credentials.OpenAI.APIKey,
		BaseURL:     oc.BaseURL,
		Model:       oc.Model,
		Temperature: float32(oc.Temperature),
		MaxTokens:   oc.MaxTokens,
		Timeout:     secondsOr(oc.TimeoutSeconds, 60),
	})
	breaker := resilience.NewCircuitBreaker("oracle", resilience.DefaultCircuitBreakerConfig(), a.Logger)
	a.Logger.Info().Str("model", llm.Model()).Str("base_url", oc.BaseURL).Msg("Oracle configured")
	return agents.NewLLMOracle(llm, breaker, a.Logger), nil
}

// configSnapshot is the non-secret configuration recorded with the agent state.
func (a *App) configSnapshot() string {
	view := struct {
		Trading  config.TradingConfig  `json:"trading"`
		Risk     config.RiskConfig     `json:"risk"`
		Exchange config.ExchangeConfig `json:"exchange"`
		Oracle   config.OracleConfig   `json:"oracle"`
	}{a.Config.Trading, a.Config.Risk, a.Config.Exchange, a.Config.Oracle}
	data, err := json.Marshal(view)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// config is not needed to print the version
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				_ = output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("vibe-trader v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			masked := security.MaskCredentials(app.Config.Credentials)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"trading":     app.Config.Trading,
					"risk":        app.Config.Risk,
					"exchange":    app.Config.Exchange,
					"oracle":      app.Config.Oracle,
					"server":      app.Config.Server,
					"database":    app.Config.Database,
					"logging":     app.Config.Logging,
					"credentials": masked,
				})
			}
			showConfig(output, app.Config, masked)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				_ = output.JSON(map[string]string{"path": dir})
			} else {
				output.Println(dir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load already validated; reaching here means the files are valid.
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config, creds security.MaskedCredentials) {
	mode := "LIVE"
	if cfg.Trading.DryRun {
		mode = "DRY RUN (paper)"
	}

	output.Bold("Trading")
	output.Printf("  Enabled:          %v\n", cfg.Trading.Enabled)
	output.Printf("  Mode:             %s\n", mode)
	output.Printf("  Symbols:          %v\n", cfg.Trading.Symbols)
	output.Printf("  Interval:         %s\n", cfg.Trading.Interval())
	if cfg.Trading.DryRun {
		output.Printf("  Paper balance:    %.2f USDT\n", cfg.Trading.PaperBalance)
	}
	output.Println()

	output.Bold("Risk")
	output.Printf("  Max position:     $%.2f\n", cfg.Risk.MaxPositionSizeUSD)
	output.Printf("  Max daily loss:   %.1f%%\n", cfg.Risk.MaxDailyLossPercent)
	output.Printf("  Max positions:    %d\n", cfg.Risk.MaxOpenPositions)
	output.Printf("  Min confidence:   %.2f\n", cfg.Risk.MinConfidence)
	output.Printf("  Stop / target:    %.1f%% / %.1f%%\n", cfg.Risk.StopLossPercent, cfg.Risk.TakeProfitPercent)
	output.Println()

	output.Bold("Exchange")
	output.Printf("  Base URL:         %s\n", cfg.Exchange.BaseURL)
	output.Printf("  Recv window:      %d ms\n", cfg.Exchange.RecvWindow)
	output.Println()

	output.Bold("Oracle")
	output.Printf("  Model:            %s\n", cfg.Oracle.Model)
	if cfg.Oracle.BaseURL != "" {
		output.Printf("  Base URL:         %s\n", cfg.Oracle.BaseURL)
	}
	output.Println()

	output.Bold("Credentials")
	output.Printf("  User address:     %s\n", orDash(creds.UserAddress))
	output.Printf("  Signer address:   %s\n", orDash(creds.SignerAddress))
	output.Printf("  Private key:      %s\n", orDash(creds.PrivateKey))
	output.Printf("  OpenAI API key:   %s\n", orDash(creds.OpenAIKey))
	output.Println()

	output.Bold("Storage")
	output.Printf("  Database:         %s\n", cfg.Database.Path)
	output.Printf("  API:              %s (enabled: %v)\n", cfg.Server.URL(), cfg.Server.Enabled)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func secondsOr(seconds, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}
