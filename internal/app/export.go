package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"stable-peg/internal/storage"
)

// Export renders the reference price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	prices, err := store.ListPricesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(prices) == 0 {
		a.Logger.Info().Msg("no prices found for export window")
		return nil
	}

	downsampled := downsamplePrices(prices, opts.MaxPoints)
	a.Logger.Info().Int("total", len(prices)).Int("exported", len(downsampled)).Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writePricesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePricesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsamplePrices(prices []storage.PriceRecord, max int) []storage.PriceRecord {
	if max <= 0 || len(prices) <= max {
		return prices
	}
	if max == 1 {
		return prices[len(prices)-1:]
	}

	result := make([]storage.PriceRecord, 0, max)
	step := float64(len(prices)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(prices) {
			idx = len(prices) - 1
		}
		result = append(result, prices[idx])
	}
	return result
}

func writePricesCSV(path string, prices []storage.PriceRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"captured_at", "btc_usd", "sources"}); err != nil {
		return err
	}

	for _, p := range prices {
		record := []string{
			p.CapturedAt.UTC().Format(time.RFC3339),
			p.Price.String(),
			strconv.Itoa(p.Sources),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePricesPNG(path string, prices []storage.PriceRecord) error {
	if len(prices) < 2 {
		return errors.New("at least two price points are required to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(prices))
	price := make([]float64, len(prices))
	sources := make([]float64, len(prices))

	for i, p := range prices {
		x[i] = p.CapturedAt
		price[i] = p.Price.InexactFloat64()
		sources[i] = float64(p.Sources)
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "BTC/USD",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Sources",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Reference price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Sources used",
				XValues: x,
				YValues: sources,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
