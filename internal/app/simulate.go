package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"stable-peg/internal/alerting"
	"stable-peg/internal/stability"
)

// Simulate 根据给定的余额与价格计算一次稳定决策。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions, out io.Writer) (stability.Decision, error) {
	role, err := stability.ParseRole(opts.Role)
	if err != nil {
		return stability.Decision{}, err
	}

	snap := stability.Snapshot{
		Role:        role,
		TargetUSD:   opts.TargetUSD,
		ReceiverUSD: stability.USDFromSats(opts.ReceiverSats, opts.Price),
		Price:       opts.Price,
		RiskCounter: opts.Risk,
	}
	decision := a.Config.Policy().Decide(snap)

	fmt.Fprintf(out, "role:          %s\n", role)
	fmt.Fprintf(out, "target:        $%s\n", formatDecimal(snap.TargetUSD, 2))
	fmt.Fprintf(out, "receiver:      $%s (%d sats)\n", formatDecimal(snap.ReceiverUSD, 2), opts.ReceiverSats)
	fmt.Fprintf(out, "deviation:     $%s (%s%%)\n", formatDecimal(decision.DeviationUSD, 2), formatDecimal(decision.DeviationPct, 3))
	fmt.Fprintf(out, "decision:      %s\n", decision)

	if !opts.Notify {
		return decision, nil
	}
	if decision.Action != stability.ActionHighRisk && decision.Action != stability.ActionPay {
		return decision, nil
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return decision, errors.New("未配置任何告警通道")
	}
	note := alerting.Notification{
		Kind:          alerting.KindHighRisk,
		At:            time.Now().UTC(),
		ChannelID:     "simulated",
		Role:          role.String(),
		TargetUSD:     snap.TargetUSD,
		ReceiverUSD:   snap.ReceiverUSD,
		DeviationPct:  decision.DeviationPct,
		Price:         snap.Price,
		RiskLevel:     decision.RiskLevel,
		AmountMsat:    decision.AmountMsat,
		AdditionalMsg: "simulated alert",
	}
	if decision.Action == stability.ActionPay {
		note.Kind = alerting.KindPaymentFailed
		note.Error = "simulated payment failure"
	}
	return decision, notifier.Notify(ctx, note)
}
