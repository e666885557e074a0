// Package safeguard runs the independent pre-trade risk checks that gate
// every execution.
package safeguard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/internal/core"
)

// BalanceSource supplies the account balance, normally the gateway.
type BalanceSource interface {
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// Engine validates trade decisions against configured limits and current
// portfolio state. It implements core.ISafeguards.
//
// Each check is independent and produces a pass/fail plus a reason. On a
// read failure the daily-limit, spacing and loss-streak checks fail open to
// keep infrastructure hiccups from deadlocking the system, while exposure
// and drawdown fail closed: money-safety checks never pass on missing data.
type Engine struct {
	cfg     *config.SafeguardConfig
	balance BalanceSource
	store   core.IStore
	logger  core.ILogger

	now func() time.Time
}

func NewEngine(cfg *config.SafeguardConfig, balance BalanceSource, store core.IStore, logger core.ILogger) *Engine {
	return &Engine{
		cfg:     cfg,
		balance: balance,
		store:   store,
		logger:  logger.WithField("component", "safeguards"),
		now:     time.Now,
	}
}

// Validate runs every check against decision and aggregates the results.
// approved is the AND of all checks; BlockedReason joins the failed reasons.
func (e *Engine) Validate(ctx context.Context, decision *core.TradeDecision) *core.SafeguardReport {
	checks := []core.SafeguardResult{
		e.checkConfidence(decision),
		e.checkRiskReward(decision),
		e.checkStopLossDistance(decision),
		e.checkPositionSize(decision),
	}

	positions, posErr := e.store.GetAllOpenPositions(ctx)
	checks = append(checks,
		e.checkOpenSlots(positions, posErr),
		e.checkExposure(ctx, decision, positions, posErr),
		e.checkDrawdown(ctx),
		e.checkDailyLimit(ctx),
		e.checkSpacing(decision, positions, posErr),
		e.checkConsecutiveLosses(ctx),
	)

	report := &core.SafeguardReport{Approved: true, Checks: checks}
	var failed []string
	for _, c := range checks {
		if !c.Passed {
			report.Approved = false
			failed = append(failed, c.Reason)
		}
	}
	if !report.Approved {
		report.BlockedReason = strings.Join(failed, "; ")
		e.logger.Warn("Trade blocked by safeguards",
			"pair", decision.Pair, "reason", report.BlockedReason)
	}
	return report
}

func (e *Engine) checkConfidence(d *core.TradeDecision) core.SafeguardResult {
	passed := d.Confidence >= e.cfg.MinConfidence
	return result("confidence", passed,
		fmt.Sprintf("confidence %d vs minimum %d", d.Confidence, e.cfg.MinConfidence))
}

func (e *Engine) checkRiskReward(d *core.TradeDecision) core.SafeguardResult {
	min := decimal.NewFromFloat(e.cfg.MinRiskReward)
	passed := d.RiskRewardRatio.GreaterThanOrEqual(min)
	return result("risk_reward", passed,
		fmt.Sprintf("risk:reward %s vs minimum %s", d.RiskRewardRatio.String(), min.String()))
}

func (e *Engine) checkStopLossDistance(d *core.TradeDecision) core.SafeguardResult {
	max := decimal.NewFromFloat(e.cfg.MaxStopLossDistancePct)
	passed := d.StopLoss.Pct.LessThanOrEqual(max)
	return result("stop_loss_distance", passed,
		fmt.Sprintf("stop-loss distance %s%% vs maximum %s%%", d.StopLoss.Pct.String(), max.String()))
}

func (e *Engine) checkPositionSize(d *core.TradeDecision) core.SafeguardResult {
	// PositionSizePct is a fraction of balance, as emitted upstream
	limit := decimal.NewFromFloat(e.cfg.RiskPerTrade)
	passed := d.PositionSizePct.LessThanOrEqual(limit)
	return result("position_size", passed,
		fmt.Sprintf("position size %s of balance vs cap %s", d.PositionSizePct.String(), limit.String()))
}

func (e *Engine) checkOpenSlots(positions []*core.Position, err error) core.SafeguardResult {
	if err != nil {
		return result("max_positions", false,
			fmt.Sprintf("open positions unavailable (%v), blocking", err))
	}
	passed := len(positions) < e.cfg.MaxPositions
	return result("max_positions", passed,
		fmt.Sprintf("%d open positions vs maximum %d", len(positions), e.cfg.MaxPositions))
}

func (e *Engine) checkExposure(ctx context.Context, d *core.TradeDecision, positions []*core.Position, posErr error) core.SafeguardResult {
	if posErr != nil {
		return result("portfolio_exposure", false,
			fmt.Sprintf("open positions unavailable (%v), blocking", posErr))
	}
	balance, err := e.balance.GetBalance(ctx)
	if err != nil || !balance.IsPositive() {
		return result("portfolio_exposure", false,
			fmt.Sprintf("balance unavailable (%v), blocking", err))
	}

	total := d.PositionSizeUSD
	for _, p := range positions {
		total = total.Add(p.Size)
	}
	exposure := total.Div(balance)
	max := decimal.NewFromFloat(e.cfg.MaxExposure)
	passed := exposure.LessThanOrEqual(max)
	return result("portfolio_exposure", passed,
		fmt.Sprintf("exposure %s of balance vs maximum %s", exposure.StringFixed(4), max.String()))
}

func (e *Engine) checkDrawdown(ctx context.Context) core.SafeguardResult {
	initial, err := e.store.GetInitialCapital(ctx)
	if err != nil {
		return result("drawdown", false,
			fmt.Sprintf("initial capital unavailable (%v), blocking", err))
	}
	if !initial.IsPositive() {
		// No capital recorded yet, nothing to draw down from
		return result("drawdown", true, "no initial capital recorded")
	}

	balance, err := e.balance.GetBalance(ctx)
	if err != nil {
		return result("drawdown", false,
			fmt.Sprintf("balance unavailable (%v), blocking", err))
	}
	if balance.GreaterThanOrEqual(initial) {
		return result("drawdown", true, "balance at or above initial capital")
	}

	drawdown := initial.Sub(balance).Div(initial)
	max := decimal.NewFromFloat(e.cfg.MaxDrawdown)
	passed := drawdown.LessThan(max)
	return result("drawdown", passed,
		fmt.Sprintf("drawdown %s vs maximum %s", drawdown.StringFixed(4), max.String()))
}

func (e *Engine) checkDailyLimit(ctx context.Context) core.SafeguardResult {
	today := e.now().UTC().Format("2006-01-02")
	count, err := e.store.GetDailyCounter(ctx, today)
	if err != nil {
		// Fail open: an unavailable counter must not deadlock trading
		return result("daily_trade_limit", true,
			fmt.Sprintf("daily counter unavailable (%v), passing", err))
	}
	passed := count < e.cfg.MaxTradesPerDay
	return result("daily_trade_limit", passed,
		fmt.Sprintf("%d trades today vs maximum %d", count, e.cfg.MaxTradesPerDay))
}

func (e *Engine) checkSpacing(d *core.TradeDecision, positions []*core.Position, posErr error) core.SafeguardResult {
	if posErr != nil {
		// Fail open
		return result("position_spacing", true,
			fmt.Sprintf("open positions unavailable (%v), passing", posErr))
	}

	var lastOpened time.Time
	for _, p := range positions {
		if p.Pair == d.Pair && p.OpenedAt.After(lastOpened) {
			lastOpened = p.OpenedAt
		}
	}
	if lastOpened.IsZero() {
		return result("position_spacing", true, "no existing position for pair")
	}

	elapsed := e.now().Sub(lastOpened)
	required := time.Duration(e.cfg.MinPositionSpacingMinutes) * time.Minute
	passed := elapsed >= required
	return result("position_spacing", passed,
		fmt.Sprintf("%.0f minutes since last %s position vs minimum %d",
			elapsed.Minutes(), d.Pair, e.cfg.MinPositionSpacingMinutes))
}

func (e *Engine) checkConsecutiveLosses(ctx context.Context) core.SafeguardResult {
	trades, err := e.store.GetRecentTrades(ctx, e.cfg.ConsecutiveLossPauseCount)
	if err != nil {
		// Fail open
		return result("consecutive_losses", true,
			fmt.Sprintf("trade history unavailable (%v), passing", err))
	}

	losses := 0
	for _, t := range trades {
		if t.PnL.IsNegative() {
			losses++
			continue
		}
		break
	}
	passed := losses < e.cfg.ConsecutiveLossPauseCount
	return result("consecutive_losses", passed,
		fmt.Sprintf("%d consecutive losses vs pause threshold %d", losses, e.cfg.ConsecutiveLossPauseCount))
}

func result(name string, passed bool, reason string) core.SafeguardResult {
	return core.SafeguardResult{CheckName: name, Passed: passed, Reason: reason}
}
