package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recent ledger payments.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show payments")
	}
	if closeStore != nil {
		defer closeStore()
	}

	payments, err := store.ListRecentPayments(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(payments) == 0 {
		fmt.Fprintln(out, "no payments found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tChannel\tDirection\tKind\tAmount (msat)\tUSD\tBTC Price\tStatus\tError")

	for _, p := range payments {
		errMsg := ""
		if p.Error != nil {
			errMsg = sanitizeInline(*p.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			p.CreatedAt.UTC().Format(time.RFC3339),
			shortID(p.ChannelID),
			p.Direction,
			p.Kind,
			p.AmountMsat,
			formatDecimal(p.AmountUSD, 2),
			formatDecimal(p.BTCPrice, 2),
			p.Status,
			errMsg,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func shortID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "…" + id[len(id)-8:]
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
