package app

import (
	"context"
	"errors"
	"time"
)

// Prune deletes ledger payments and price history older than opts.Before.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	cutoff := opts.Before.UTC()
	if cutoff.IsZero() || cutoff.After(time.Now().UTC()) {
		return errors.New("清理截止时间不合法，请检查 --before/--older-than")
	}

	if opts.DryRun {
		a.Logger.Warn().Time("before", cutoff).Msg("清理 dry-run：不会删除任何数据")
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法清理")
	}
	if closeStore != nil {
		defer closeStore()
	}

	payments, err := store.DeletePaymentsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	prices, err := store.DeletePricesBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	a.Logger.Info().Time("before", cutoff).Int64("payments", payments).Int64("prices", prices).Msg("清理完成")
	return nil
}
