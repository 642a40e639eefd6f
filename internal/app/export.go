package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"celo-onramp/internal/pricing"
	"celo-onramp/internal/service"
	"celo-onramp/internal/storage"
)

// Export renders recorded observations as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Pair == "" {
		opts.Pair = pricing.PairCOPUSD
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

	observations, err := store.ListObservationsBetween(ctx, opts.Pair, from, to)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Str("pair", opts.Pair).Msg("no observations found for export window")
		return nil
	}

	downsampled := downsample(observations, opts.MaxPoints)
	a.Logger.Info().Int("total", len(observations)).Int("exported", len(downsampled)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, downsampled, a.baseRates()); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeObservationsPNG(opts.PNGPath, opts.Pair, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) baseRates() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(a.Config.Pricing.BaseRates))
	for network, rate := range a.Config.Pricing.BaseRates {
		out[network] = decimal.NewFromFloat(rate)
	}
	return out
}

func downsample(observations []storage.RateObservation, max int) []storage.RateObservation {
	if max <= 0 || len(observations) <= max {
		return observations
	}
	if max == 1 {
		return observations[len(observations)-1:]
	}

	result := make([]storage.RateObservation, 0, max)
	step := float64(len(observations)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(observations) {
			idx = len(observations) - 1
		}
		result = append(result, observations[idx])
	}
	return result
}

func writeObservationsCSV(path string, observations []storage.RateObservation, bases map[string]decimal.Decimal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"observed_at", "pair", "network", "rate", "source", "deviation_pct"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range observations {
		deviation := ""
		if base, ok := bases[obs.Network]; ok && obs.Pair == pricing.PairCOPUSD && base.IsPositive() {
			deviation = service.DeviationPct(obs.Rate, base).StringFixed(3)
		}
		record := []string{
			obs.ObservedAt.UTC().Format(time.RFC3339),
			obs.Pair,
			obs.Network,
			obs.Rate.String(),
			obs.Source,
			deviation,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// seriesByNetwork splits observations into one time series per network.
func seriesByNetwork(observations []storage.RateObservation) []chart.Series {
	xs := map[string][]time.Time{}
	ys := map[string][]float64{}
	for _, obs := range observations {
		name := obs.Network
		if name == "" {
			name = obs.Pair
		}
		xs[name] = append(xs[name], obs.ObservedAt)
		ys[name] = append(ys[name], obs.Rate.InexactFloat64())
	}

	names := make([]string, 0, len(xs))
	for name := range xs {
		names = append(names, name)
	}
	sort.Strings(names)

	series := make([]chart.Series, 0, len(names))
	for _, name := range names {
		series = append(series, chart.TimeSeries{
			Name:    name,
			XValues: xs[name],
			YValues: ys[name],
		})
	}
	return series
}

func writeObservationsPNG(path, pair string, observations []storage.RateObservation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Rate (" + pair + ")",
			ValueFormatter: rateFormatter,
		},
		Series: seriesByNetwork(observations),
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
