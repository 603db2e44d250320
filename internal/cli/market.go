package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vibe-trader/internal/errors"
	"vibe-trader/internal/models"
	"vibe-trader/pkg/utils"
)

func addMarketCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "market <symbol>",
		Short: "Show market data for a symbol",
		Long:  "Show the 24h ticker, mark price, funding and trading rules for a symbol.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol := strings.ToUpper(args[0])
			depth, _ := cmd.Flags().GetInt("depth")
			output := NewOutput(cmd)
			ctx := cmd.Context()

			exchange, err := app.newExchange()
			if err != nil {
				return err
			}

			ticker, err := exchange.GetTicker(ctx, symbol)
			if err != nil {
				return err
			}
			mark, err := exchange.GetMarkPrice(ctx, symbol)
			if err != nil {
				return err
			}
			rules := exchange.GetSymbolRules(ctx, symbol)

			var book *models.OrderBook
			if depth > 0 {
				if book, err = exchange.GetOrderBook(ctx, symbol, depth); err != nil {
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"ticker":    ticker,
					"markPrice": mark,
					"rules":     rules,
					"orderBook": book,
				})
			}

			output.Bold("%s", symbol)
			output.Printf("  Last:           %s\n", utils.FormatUSD(ticker.LastPrice))
			output.Printf("  24h change:     %s\n", output.FormatPercent(ticker.PriceChangePercent))
			output.Printf("  24h range:      %s - %s\n", utils.FormatUSD(ticker.LowPrice), utils.FormatUSD(ticker.HighPrice))
			output.Printf("  24h volume:     %s\n", utils.FormatCompact(ticker.QuoteVolume))
			output.Printf("  Mark:           %s\n", utils.FormatUSD(mark.MarkPrice))
			output.Printf("  Funding:        %.4f%%", mark.FundingRate*100)
			if !mark.NextFundingTime.IsZero() {
				output.Printf(" (next in %s)", time.Until(mark.NextFundingTime).Round(time.Minute))
			}
			output.Println()
			output.Printf("  Qty precision:  %d (%s)\n", rules.QuantityPrecision, rules.PrecisionSource)
			output.Printf("  Min notional:   %s\n", utils.FormatUSD(rules.MinNotional))

			if book != nil {
				output.Println()
				table := NewTable(output, "BID QTY", "BID", "ASK", "ASK QTY")
				for i := 0; i < len(book.Bids) || i < len(book.Asks); i++ {
					row := make([]string, 4)
					if i < len(book.Bids) {
						row[0] = formatFloat(book.Bids[i].Quantity)
						row[1] = output.ColoredString(ColorGreen, formatFloat(book.Bids[i].Price))
					}
					if i < len(book.Asks) {
						row[2] = output.ColoredString(ColorRed, formatFloat(book.Asks[i].Price))
						row[3] = formatFloat(book.Asks[i].Quantity)
					}
					table.AddRow(row...)
				}
				table.Render()
			}
			return nil
		},
	}
	cmd.Flags().Int("depth", 0, "also show this many order book levels")
	rootCmd.AddCommand(cmd)
	rootCmd.AddCommand(newPingCmd(app))
}

func newPingCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check venue connectivity and clock skew",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			exchange, err := app.newExchange()
			if err != nil {
				return err
			}

			start := time.Now()
			if err := exchange.Ping(ctx); err != nil {
				return err
			}
			latency := time.Since(start)

			serverTime, err := exchange.ServerTime(ctx)
			if err != nil {
				return err
			}
			// skew is measured against the midpoint of the round trip
			skew := serverTime.Sub(time.Now().Add(-latency / 2))

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"latencyMs":     latency.Milliseconds(),
					"serverTime":    serverTime,
					"clockSkewMs":   skew.Milliseconds(),
					"recvWindowMs":  app.Config.Exchange.RecvWindow,
					"authenticated": exchange.Authenticated(),
				})
			}

			output.Success("✓ %s reachable in %s", app.Config.Exchange.BaseURL, latency.Round(time.Millisecond))
			output.Printf("  Clock skew:     %s\n", skew.Round(time.Millisecond))
			if abs := skew.Abs(); abs > time.Duration(app.Config.Exchange.RecvWindow)*time.Millisecond/2 {
				output.Warning("  Clock skew is more than half the receive window; signed calls may be rejected")
			}
			if exchange.Authenticated() {
				output.Printf("  Signing:        enabled\n")
			} else {
				output.Dim("  Signing:        no credentials configured")
			}
			return nil
		},
	}
}

func addAccountCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newBalanceCmd(app))
	rootCmd.AddCommand(newOrdersCmd(app))
	rootCmd.AddCommand(newLeverageCmd(app))
	rootCmd.AddCommand(newMarginCmd(app))
}

func newPositionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Show open positions on the venue",
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol, _ := cmd.Flags().GetString("symbol")
			output := NewOutput(cmd)

			exchange, err := app.newSignedExchange()
			if err != nil {
				return err
			}
			positions, err := exchange.GetPositions(cmd.Context(), strings.ToUpper(symbol))
			if err != nil {
				return err
			}

			open := make([]models.Position, 0, len(positions))
			for _, p := range positions {
				if p.IsOpen() {
					open = append(open, p)
				}
			}

			if output.IsJSON() {
				return output.JSON(open)
			}
			if len(open) == 0 {
				output.Info("No open positions")
				return nil
			}

			table := NewTable(output, "SYMBOL", "SIDE", "AMOUNT", "ENTRY", "MARK", "LIQ", "LEV", "UNREALIZED")
			var total float64
			for _, p := range open {
				side := "LONG"
				if p.Amount < 0 {
					side = "SHORT"
				}
				table.AddRow(
					p.Symbol,
					side,
					formatFloat(p.Amount),
					formatFloat(p.EntryPrice),
					formatFloat(p.MarkPrice),
					formatFloat(p.LiquidationPrice),
					fmt.Sprintf("%dx", p.Leverage),
					output.FormatPnL(p.UnrealizedPnL),
				)
				total += p.UnrealizedPnL
			}
			table.Render()
			output.Println()
			output.Printf("Total unrealized: %s\n", output.FormatPnL(total))
			return nil
		},
	}
	cmd.Flags().String("symbol", "", "filter by symbol")
	return cmd
}

func newBalanceCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show futures account balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			exchange, err := app.newSignedExchange()
			if err != nil {
				return err
			}
			balances, err := exchange.GetBalance(cmd.Context())
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(balances)
			}

			table := NewTable(output, "ASSET", "BALANCE", "AVAILABLE", "CROSS WALLET", "CROSS UNPNL")
			for _, b := range balances {
				if b.Balance == 0 && b.AvailableBalance == 0 {
					continue
				}
				table.AddRow(
					b.Asset,
					formatFloat(b.Balance),
					formatFloat(b.AvailableBalance),
					formatFloat(b.CrossWalletBalance),
					output.FormatPnL(b.CrossUnPnL),
				)
			}
			table.Render()
			return nil
		},
	}
}

func newOrdersCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List orders on the venue",
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol, _ := cmd.Flags().GetString("symbol")
			all, _ := cmd.Flags().GetBool("all")
			limit, _ := cmd.Flags().GetInt("limit")
			symbol = strings.ToUpper(symbol)
			output := NewOutput(cmd)

			if all && symbol == "" {
				return errors.NewValidationError("symbol", "", "--all requires --symbol")
			}

			exchange, err := app.newSignedExchange()
			if err != nil {
				return err
			}

			var orders []models.OrderResult
			if all {
				orders, err = exchange.GetAllOrders(cmd.Context(), symbol, limit)
			} else {
				orders, err = exchange.GetOpenOrders(cmd.Context(), symbol)
			}
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(orders)
			}
			if len(orders) == 0 {
				output.Info("No orders")
				return nil
			}
			renderOrders(output, orders)
			return nil
		},
	}
	cmd.Flags().String("symbol", "", "filter by symbol")
	cmd.Flags().Bool("all", false, "include filled and cancelled orders (requires --symbol)")
	cmd.Flags().Int("limit", 50, "maximum orders with --all")

	cancel := &cobra.Command{
		Use:   "cancel <symbol> <order-id>",
		Short: "Cancel an open order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			orderID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return errors.NewValidationError("order-id", args[1], "must be an integer")
			}

			exchange, err := app.newSignedExchange()
			if err != nil {
				return err
			}
			res, err := exchange.CancelOrder(cmd.Context(), strings.ToUpper(args[0]), orderID)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(res)
			}
			output.Success("✓ Order %d %s", res.OrderID, strings.ToLower(res.Status))
			return nil
		},
	}
	cmd.AddCommand(cancel)
	return cmd
}

func renderOrders(output *Output, orders []models.OrderResult) {
	table := NewTable(output, "ID", "SYMBOL", "SIDE", "TYPE", "QTY", "FILLED", "PRICE", "STATUS", "UPDATED")
	for _, o := range orders {
		side := output.ColoredString(ColorGreen, string(o.Side))
		if o.Side == models.OrderSideSell {
			side = output.ColoredString(ColorRed, string(o.Side))
		}
		updated := "-"
		if !o.UpdateTime.IsZero() {
			updated = o.UpdateTime.Local().Format(time.DateTime)
		}
		table.AddRow(
			strconv.FormatInt(o.OrderID, 10),
			o.Symbol,
			side,
			string(o.Type),
			formatFloat(o.OrigQty),
			formatFloat(o.ExecutedQty),
			formatFloat(o.FillPrice(o.Price)),
			o.Status,
			updated,
		)
	}
	table.Render()
}

func newLeverageCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "leverage <symbol> <leverage>",
		Short: "Set initial leverage for a symbol",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol := strings.ToUpper(args[0])
			leverage, err := strconv.Atoi(args[1])
			if err != nil || leverage < 1 || leverage > 125 {
				return errors.NewValidationError("leverage", args[1], "must be an integer between 1 and 125")
			}

			exchange, err := app.newSignedExchange()
			if err != nil {
				return err
			}
			if err := exchange.ChangeLeverage(cmd.Context(), symbol, leverage); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"symbol": symbol, "leverage": leverage})
			}
			output.Success("✓ %s leverage set to %dx", symbol, leverage)
			return nil
		},
	}
}

func newMarginCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "margin <symbol> <ISOLATED|CROSSED>",
		Short: "Set margin type for a symbol",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol := strings.ToUpper(args[0])
			marginType := strings.ToUpper(args[1])
			if marginType != "ISOLATED" && marginType != "CROSSED" {
				return errors.NewValidationError("margin type", args[1], "must be ISOLATED or CROSSED")
			}

			exchange, err := app.newSignedExchange()
			if err != nil {
				return err
			}
			if err := exchange.ChangeMarginType(cmd.Context(), symbol, marginType); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"symbol": symbol, "marginType": marginType})
			}
			output.Success("✓ %s margin type set to %s", symbol, marginType)
			return nil
		},
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
