package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vibe-trader/internal/errors"
	"vibe-trader/internal/models"
	"vibe-trader/internal/store"
	"vibe-trader/pkg/utils"
)

func addHistoryCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newDecisionsCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))
	rootCmd.AddCommand(newAlertsCmd(app))
	rootCmd.AddCommand(newPnLCmd(app))
}

func newDecisionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recent oracle decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol, _ := cmd.Flags().GetString("symbol")
			actionFlag, _ := cmd.Flags().GetString("action")
			limit, _ := cmd.Flags().GetInt("limit")
			executedOnly, _ := cmd.Flags().GetBool("executed")
			output := NewOutput(cmd)

			filter := store.DecisionFilter{Symbol: strings.ToUpper(symbol), Limit: limit}
			if actionFlag != "" {
				action, ok := models.ParseAction(actionFlag)
				if !ok {
					return errors.NewValidationError("action", actionFlag, "must be BUY, SELL, HOLD or CLOSE")
				}
				filter.Action = action
			}
			if executedOnly {
				filter.Executed = store.BoolPtr(true)
			}

			dataStore, err := app.openStore()
			if err != nil {
				return err
			}
			defer dataStore.Close()

			decisions, err := dataStore.GetDecisions(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(decisions)
			}
			if len(decisions) == 0 {
				output.Info("No decisions recorded")
				return nil
			}

			table := NewTable(output, "TIME", "SYMBOL", "ACTION", "CONF", "PRICE", "RISK", "EXEC", "P&L", "REASONING")
			for _, d := range decisions {
				table.AddRow(
					d.Timestamp.Local().Format("01-02 15:04:05"),
					d.Symbol,
					output.Action(d.Action),
					fmt.Sprintf("%.2f", d.Confidence),
					formatFloat(d.Price),
					riskLabel(output, d.RiskCheck),
					yesNo(d.Executed),
					decisionPnL(output, d),
					truncate(d.Reasoning, 48),
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().String("symbol", "", "filter by symbol")
	cmd.Flags().String("action", "", "filter by action (BUY, SELL, HOLD, CLOSE)")
	cmd.Flags().Int("limit", 20, "maximum decisions to show")
	cmd.Flags().Bool("executed", false, "only decisions that placed orders")
	return cmd
}

func riskLabel(output *Output, check *models.RiskCheck) string {
	switch {
	case check == nil:
		return "-"
	case check.Allowed:
		return output.ColoredString(ColorGreen, "ok")
	}
	return output.ColoredString(ColorRed, truncate(check.Reason, 24))
}

func decisionPnL(output *Output, d models.Decision) string {
	if !d.Resolved() || d.PnL == nil {
		return "-"
	}
	return output.FormatPnL(*d.PnL)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func newTradesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List executed trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol, _ := cmd.Flags().GetString("symbol")
			limit, _ := cmd.Flags().GetInt("limit")
			days, _ := cmd.Flags().GetInt("days")
			output := NewOutput(cmd)

			filter := store.TradeFilter{Symbol: strings.ToUpper(symbol), Limit: limit}
			if days > 0 {
				filter.Since = utils.StartOfDay(time.Now()).AddDate(0, 0, -(days - 1))
			}

			dataStore, err := app.openStore()
			if err != nil {
				return err
			}
			defer dataStore.Close()

			trades, err := dataStore.GetTrades(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Info("No trades recorded")
				return nil
			}

			table := NewTable(output, "TIME", "SYMBOL", "SIDE", "QTY", "PRICE", "NOTIONAL", "STATUS", "ORDER", "REALIZED")
			var realized float64
			for _, t := range trades {
				side := output.ColoredString(ColorGreen, string(t.Side))
				if t.Side == models.OrderSideSell {
					side = output.ColoredString(ColorRed, string(t.Side))
				}
				pnl := "-"
				if t.RealizedPnL != nil {
					pnl = output.FormatPnL(*t.RealizedPnL)
					realized += *t.RealizedPnL
				}
				order := t.OrderID
				if t.IsPaper {
					order += " (paper)"
				}
				table.AddRow(
					t.Timestamp.Local().Format("01-02 15:04:05"),
					t.Symbol,
					side,
					formatFloat(t.Quantity),
					formatFloat(t.Price),
					utils.FormatUSD(t.Price*t.Quantity),
					t.Status,
					order,
					pnl,
				)
			}
			table.Render()
			output.Println()
			output.Printf("%d trades, realized %s\n", len(trades), output.FormatPnL(realized))
			return nil
		},
	}
	cmd.Flags().String("symbol", "", "filter by symbol")
	cmd.Flags().Int("limit", 50, "maximum trades to show")
	cmd.Flags().Int("days", 0, "only trades from the last N days (0 = all)")
	return cmd
}

func newAlertsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List agent alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, _ := cmd.Flags().GetString("type")
			limit, _ := cmd.Flags().GetInt("limit")
			output := NewOutput(cmd)

			dataStore, err := app.openStore()
			if err != nil {
				return err
			}
			defer dataStore.Close()

			alerts, err := dataStore.GetAlerts(cmd.Context(), store.AlertFilter{
				Type:  models.AlertType(strings.ToUpper(typ)),
				Limit: limit,
			})
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(alerts)
			}
			if len(alerts) == 0 {
				output.Info("No alerts")
				return nil
			}

			table := NewTable(output, "TIME", "TYPE", "SEVERITY", "MESSAGE")
			for _, a := range alerts {
				table.AddRow(
					a.Timestamp.Local().Format("01-02 15:04:05"),
					string(a.Type),
					severity(output, a.Severity),
					truncate(a.Message, 80),
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().String("type", "", "filter by type (ERROR, CIRCUIT_BREAKER, RISK, SYSTEM)")
	cmd.Flags().Int("limit", 20, "maximum alerts to show")
	return cmd
}

func severity(output *Output, s models.Severity) string {
	switch s {
	case models.SeverityCritical, models.SeverityHigh:
		return output.ColoredString(ColorRed, string(s))
	case models.SeverityMedium:
		return output.ColoredString(ColorYellow, string(s))
	}
	return output.ColoredString(ColorDim, string(s))
}

// pnlSummary is the realized performance of resolved decisions.
type pnlSummary struct {
	Resolved    int       `json:"resolved"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	WinRate     float64   `json:"winRate"`
	RealizedPnL float64   `json:"realizedPnl"`
	BestTrade   float64   `json:"bestTrade"`
	WorstTrade  float64   `json:"worstTrade"`
	MaxDrawdown float64   `json:"maxDrawdown"`
	Series      []float64 `json:"series"`
}

func summarizePnL(resolved []models.Decision) pnlSummary {
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Timestamp.Before(resolved[j].Timestamp) })

	s := pnlSummary{Resolved: len(resolved), Series: make([]float64, 0, len(resolved))}
	var peak float64
	for i, d := range resolved {
		pnl := 0.0
		if d.PnL != nil {
			pnl = *d.PnL
		}
		if d.Profitable != nil && *d.Profitable {
			s.Wins++
		} else {
			s.Losses++
		}
		if i == 0 || pnl > s.BestTrade {
			s.BestTrade = pnl
		}
		if i == 0 || pnl < s.WorstTrade {
			s.WorstTrade = pnl
		}

		s.RealizedPnL += pnl
		s.Series = append(s.Series, s.RealizedPnL)
		if s.RealizedPnL > peak {
			peak = s.RealizedPnL
		}
		if dd := peak - s.RealizedPnL; dd > s.MaxDrawdown {
			s.MaxDrawdown = dd
		}
	}
	if s.Resolved > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Resolved) * 100
	}
	return s
}

func newPnLCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pnl",
		Short: "Show realized P&L from resolved decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol, _ := cmd.Flags().GetString("symbol")
			output := NewOutput(cmd)

			dataStore, err := app.openStore()
			if err != nil {
				return err
			}
			defer dataStore.Close()

			resolved, err := dataStore.GetDecisions(cmd.Context(), store.DecisionFilter{
				Symbol:   strings.ToUpper(symbol),
				Resolved: store.BoolPtr(true),
			})
			if err != nil {
				return err
			}
			summary := summarizePnL(resolved)

			if output.IsJSON() {
				return output.JSON(summary)
			}
			if summary.Resolved == 0 {
				output.Info("No resolved decisions yet")
				return nil
			}

			output.Bold("Realized performance")
			output.Printf("  Resolved:       %d (%d won, %d lost)\n", summary.Resolved, summary.Wins, summary.Losses)
			output.Printf("  Win rate:       %.1f%%\n", summary.WinRate)
			output.Printf("  Realized P&L:   %s\n", output.FormatPnL(summary.RealizedPnL))
			output.Printf("  Best / worst:   %s / %s\n", output.FormatPnL(summary.BestTrade), output.FormatPnL(summary.WorstTrade))
			output.Printf("  Max drawdown:   %s\n", utils.FormatUSD(summary.MaxDrawdown))
			output.Printf("  Curve:          %s\n", sparkline(summary.Series))
			return nil
		},
	}
	cmd.Flags().String("symbol", "", "filter by symbol")
	return cmd
}

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// sparkline renders the most recent 60 points of values.
func sparkline(values []float64) string {
	if len(values) > 60 {
		values = values[len(values)-60:]
	}
	if len(values) == 0 {
		return ""
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	var b strings.Builder
	for _, v := range values {
		idx := 0
		if hi > lo {
			idx = int((v - lo) / (hi - lo) * float64(len(sparkRunes)-1))
		}
		b.WriteRune(sparkRunes[idx])
	}
	return b.String()
}
