package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"moneymate/internal/registry"
	"moneymate/internal/storage"
)

// Export renders one currency's stored history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	code := registry.NormalizeCode(opts.Code)
	if code == "" {
		return errors.New("--code is required")
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

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	points, err := store.ListRateHistory(ctx, code, from, to)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		a.Logger.Info().Str("code", code).Msg("no rates found for export window")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Str("code", code).Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting rates")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, a.Config.Registry.BaseCurrency, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsamplePoints(points []storage.RatePoint, max int) []storage.RatePoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]storage.RatePoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

// priceInBase is how many base units one unit of the point's currency is worth.
func priceInBase(p storage.RatePoint) decimal.Decimal {
	if !p.Rate.IsPositive() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).DivRound(p.Rate, 16)
}

func writePointsCSV(path string, points []storage.RatePoint) error {
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

	header := []string{"taken_at", "code", "rate", "price_in_base", "change_24h", "is_crypto", "source"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		change := ""
		if p.Change24h != nil {
			change = formatDecimal(*p.Change24h, 4)
		}
		crypto := "false"
		if p.IsCrypto {
			crypto = "true"
		}
		record := []string{
			p.TakenAt.UTC().Format(time.RFC3339),
			p.Code,
			p.Rate.String(),
			priceInBase(p).String(),
			change,
			crypto,
			p.Source,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writePointsPNG(path, base string, points []storage.RatePoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	rates := make([]float64, len(points))
	prices := make([]float64, len(points))

	for i, p := range points {
		x[i] = p.TakenAt
		rates[i] = p.Rate.InexactFloat64()
		prices[i] = priceInBase(p).InexactFloat64()
	}

	code := points[0].Code
	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.6g")
	}
	graph := chart.Chart{
		Title:  code + "/" + base,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           code + " per " + base,
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Price (" + base + ")",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Rate",
				XValues: x,
				YValues: rates,
			},
			chart.TimeSeries{
				Name:    "Price in " + base,
				XValues: x,
				YValues: prices,
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

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
