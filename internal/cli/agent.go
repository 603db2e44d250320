package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vibe-trader/internal/agents"
	"vibe-trader/internal/api"
	"vibe-trader/internal/errors"
	"vibe-trader/internal/models"
	"vibe-trader/internal/security"
)

func addAgentCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newControlCmd(app, "pause", "Pause the running agent"))
	rootCmd.AddCommand(newControlCmd(app, "resume", "Resume a paused agent"))
	rootCmd.AddCommand(newControlCmd(app, "stop", "Stop the running agent"))
}

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading agent and its HTTP API",
		Long: `Run the decision loop over the configured symbols and serve the HTTP API.

With trading.enabled = false only the read-only API is served.
Use --once to run a single cycle and exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			once, _ := cmd.Flags().GetBool("once")
			if symbols, _ := cmd.Flags().GetString("symbols"); symbols != "" {
				app.Config.Trading.Symbols = splitList(symbols)
			}
			if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
				app.Config.Trading.DryRun = true
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cmd, app, once)
		},
	}
	cmd.Flags().Bool("once", false, "run a single cycle and exit")
	cmd.Flags().String("symbols", "", "comma-separated symbols overriding trading.symbols")
	cmd.Flags().Bool("dry-run", false, "trade against a paper account")
	return cmd
}

func runAgent(ctx context.Context, cmd *cobra.Command, app *App, once bool) error {
	cfg := app.Config
	logger := app.Logger
	output := NewOutput(cmd)

	security.LogCredentialStatus(logger, cfg.Credentials)

	dataStore, err := app.openStore()
	if err != nil {
		return err
	}
	defer dataStore.Close()

	b, err := app.newTradingBroker()
	if err != nil {
		return err
	}
	risk := agents.NewRiskEngine(&cfg.Risk)

	var orch *agents.Orchestrator
	if cfg.Trading.Enabled || once {
		oracle, err := app.newOracle()
		if err != nil {
			return err
		}
		orch = agents.NewOrchestrator(b, oracle, risk, dataStore, agents.OrchestratorConfig{
			Symbols:     cfg.Trading.Symbols,
			Interval:    cfg.Trading.Interval(),
			ErrorWindow: cfg.Trading.ErrorWindowDuration(),
			DryRun:      cfg.Trading.DryRun,
			Snapshot:    app.configSnapshot(),
		}, logger)
	}

	if once {
		if err := orch.Start(ctx); err != nil {
			return err
		}
		cycleErr := orch.RunCycle(ctx)
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := orch.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop agent")
		}
		if cycleErr != nil {
			return cycleErr
		}
		output.Success("✓ Cycle complete for %s", strings.Join(cfg.Trading.Symbols, ", "))
		return nil
	}

	if !cfg.Trading.Enabled {
		logger.Warn().Msg("Trading disabled; serving the read-only API")
	}
	if cfg.Trading.DryRun {
		output.Warning("DRY RUN: orders go to a paper account with %.2f USDT", cfg.Trading.PaperBalance)
	}

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if cfg.Server.Enabled {
		serverCfg := api.ServerConfig{
			Addr:    cfg.Server.Addr,
			Store:   dataStore,
			Broker:  b,
			Risk:    risk,
			Symbols: cfg.Trading.Symbols,
			Logger:  logger,
		}
		// a nil *Orchestrator must not become a non-nil Controller
		if orch != nil {
			serverCfg.Agent = orch
		}
		server, err := api.NewServer(serverCfg)
		if err != nil {
			return err
		}
		output.Info("API listening on %s", cfg.Server.URL())
		g.Go(func() error {
			return server.Start(serverCtx)
		})
	}

	if orch != nil {
		g.Go(func() error {
			// the API has nothing to report once the loop is gone
			defer stopServer()
			return orch.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	output.Info("Agent shut down")
	return nil
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent status",
		Long:  "Query the running agent over its API, falling back to the persisted state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			client := newControlClient(app.Config.Server.URL())

			status, err := client.Status(cmd.Context())
			if err != nil {
				app.Logger.Debug().Err(err).Msg("API unreachable, reading persisted state")
				return showPersistedState(cmd, app, output)
			}

			if output.IsJSON() {
				return output.JSON(status)
			}
			showStatus(output, status)
			return nil
		},
	}
}

func showStatus(output *Output, s *agents.AgentStatus) {
	output.Bold("Agent")
	output.Printf("  State:          %s\n", output.State(string(s.State)))
	if s.DryRun {
		output.Printf("  Mode:           %s\n", output.ColoredString(ColorYellow, "dry run"))
	} else {
		output.Printf("  Mode:           %s\n", output.ColoredString(ColorRed, "live"))
	}
	output.Printf("  Symbols:        %s\n", strings.Join(s.Symbols, ", "))
	output.Printf("  Interval:       %s\n", s.Interval)
	output.Printf("  Cycles:         %d\n", s.Cycles)
	if !s.StartedAt.IsZero() {
		output.Printf("  Started:        %s\n", s.StartedAt.Local().Format(time.DateTime))
	}
	if !s.LastHeartbeat.IsZero() {
		output.Printf("  Heartbeat:      %s ago\n", time.Since(s.LastHeartbeat).Round(time.Second))
	}
	output.Printf("  Peak equity:    %.2f USDT\n", s.PeakEquity)
	output.Printf("  Drawdown:       %.2f%%\n", s.Drawdown)
}

func showPersistedState(cmd *cobra.Command, app *App, output *Output) error {
	dataStore, err := app.openStore()
	if err != nil {
		return err
	}
	defer dataStore.Close()

	state, err := dataStore.GetAgentState(cmd.Context())
	if err != nil {
		return err
	}
	if output.IsJSON() {
		return output.JSON(state)
	}
	showAgentState(output, state)
	return nil
}

func showAgentState(output *Output, state *models.AgentState) {
	name := "stopped"
	switch {
	case state.Running && state.Paused:
		name = "paused"
	case state.Running:
		name = "running"
	}
	output.Warning("Agent API unreachable; showing last persisted state")
	output.Printf("  State:          %s\n", output.State(name))
	if !state.StartedAt.IsZero() {
		output.Printf("  Started:        %s\n", state.StartedAt.Local().Format(time.DateTime))
	}
	if !state.LastHeartbeat.IsZero() {
		output.Printf("  Last heartbeat: %s\n", state.LastHeartbeat.Local().Format(time.DateTime))
	}
	output.Printf("  Peak equity:    %.2f USDT\n", state.PeakEquity)
}

func newControlCmd(app *App, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			client := newControlClient(app.Config.Server.URL())

			state, err := client.Control(cmd.Context(), action)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"status": state})
			}
			output.Printf("Agent %s\n", output.State(state))
			return nil
		},
	}
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
