package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"stable-peg/internal/lightning"
	"stable-peg/internal/stability"
	"stable-peg/internal/state"
)

// Designate pegs a channel to a USD target and persists it in the registry.
func (a *App) Designate(ctx context.Context, opts DesignateOptions) error {
	rt, err := a.buildRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := a.newService(rt, nil)
	if err := svc.Designate(ctx, opts.ChannelID, opts.TargetUSD, opts.NativeBTC); err != nil {
		if errors.Is(err, state.ErrChannelNotFound) {
			return fmt.Errorf("通道 %s 不存在于节点通道列表中: %w", opts.ChannelID, err)
		}
		return err
	}
	a.Logger.Info().Str("channel_id", opts.ChannelID).Str("target_usd", opts.TargetUSD.String()).Msg("通道已登记为稳定通道")
	return nil
}

// Undesignate removes a channel from the registry.
func (a *App) Undesignate(ctx context.Context, channelID string) error {
	rt, err := a.buildRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	return a.newService(rt, nil).Undesignate(ctx, channelID)
}

// Channels evaluates every registered channel once against the current
// reference price without sending payments, and prints the result.
func (a *App) Channels(ctx context.Context, out io.Writer) error {
	rt, err := a.buildRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	pegs, err := rt.registry.LoadPegs(ctx)
	if err != nil {
		return err
	}
	if len(pegs) == 0 {
		fmt.Fprintln(out, "no stable channels registered")
		return nil
	}

	price := rt.oracle.ReferencePrice(ctx)
	policy := a.Config.Policy()
	role := a.Config.Role()

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Channel\tTarget USD\tReceiver USD\tProvider USD\tDeviation%\tDecision")

	for _, peg := range pegs {
		if err := rt.store.Register(ctx, peg.ChannelID, role, peg.TargetUSD, peg.NativeBTC); err != nil {
			fmt.Fprintf(writer, "%s\t%s\t-\t-\t-\t%s\n", peg.ChannelID, formatDecimal(peg.TargetUSD, 2), sanitizeInline(err.Error()))
			continue
		}
		ch, found, err := rt.store.RefreshBalances(ctx, peg.ChannelID, price)
		if err != nil || !found {
			fmt.Fprintf(writer, "%s\t%s\t-\t-\t-\t%s\n", peg.ChannelID, formatDecimal(peg.TargetUSD, 2), stability.ActionNotInitialized)
			continue
		}
		decision := policy.Decide(ch.Snapshot())
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ch.ID,
			formatDecimal(ch.TargetUSD, 2),
			formatDecimal(ch.ReceiverUSD, 2),
			formatDecimal(ch.ProviderUSD, 2),
			formatDecimal(decision.DeviationPct, 3),
			decision,
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if price.Sign() > 0 {
		fmt.Fprintf(out, "\nBTC/USD reference price: %s\n", formatDecimal(price, 2))
	} else {
		fmt.Fprintln(out, "\nBTC/USD reference price unavailable")
	}
	return a.printBalances(ctx, rt.provider, out)
}

func (a *App) printBalances(ctx context.Context, provider lightning.Provider, out io.Writer) error {
	balances, err := provider.ListBalances(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("list balances failed")
		return nil
	}
	fmt.Fprintf(out, "On-chain: %d sats (%s BTC), Lightning: %d sats (%s BTC)\n",
		balances.OnchainSats, stability.BTCFromSats(balances.OnchainSats).String(),
		balances.LightningSats, stability.BTCFromSats(balances.LightningSats).String())
	return nil
}
