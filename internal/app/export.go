package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	chart "github.com/wcharczuk/go-chart/v2"

	"deribit-tracker/internal/storage"
)

// ExportOptions hold parameters for exporting a ticker's history.
type ExportOptions struct {
	Ticker    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// Export renders a ticker's observations as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	ticker := strings.ToUpper(strings.TrimSpace(opts.Ticker))
	if !a.allowedTicker(ticker) {
		return fmt.Errorf("invalid ticker %q; allowed values: %s", opts.Ticker, strings.Join(a.Config.Tickers, ", "))
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

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

	store, closeStore, err := a.openStoreFn(ctx, true)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	observations, err := store.ListBetween(ctx, ticker, from.Unix(), to.Unix())
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Str("ticker", ticker).Time("from", from).Time("to", to).Msg("no observations found for export window")
		return nil
	}

	downsampled := downsample(observations, opts.MaxPoints)
	a.Logger.Info().Str("ticker", ticker).Int("total", len(observations)).Int("exported", len(downsampled)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeCSV(a.Fs, opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePNG(a.Fs, opts.PNGPath, ticker, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) allowedTicker(ticker string) bool {
	for _, t := range a.Config.Tickers {
		if t == ticker {
			return true
		}
	}
	return false
}

func downsample(observations []storage.Observation, max int) []storage.Observation {
	if max <= 0 || len(observations) <= max {
		return observations
	}
	if max == 1 {
		return observations[len(observations)-1:]
	}

	result := make([]storage.Observation, 0, max)
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

func writeCSV(fs afero.Fs, path string, observations []storage.Observation) error {
	if err := ensureDir(fs, path); err != nil {
		return err
	}

	file, err := fs.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"id", "ticker", "price", "timestamp", "datetime_utc", "recorded_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range observations {
		record := []string{
			strconv.FormatInt(obs.ID, 10),
			obs.Ticker,
			obs.Price.String(),
			strconv.FormatInt(obs.Timestamp, 10),
			obs.Time().UTC().Format(time.RFC3339),
			obs.RecordedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePNG(fs afero.Fs, path, ticker string, observations []storage.Observation) error {
	if err := ensureDir(fs, path); err != nil {
		return err
	}

	x := make([]time.Time, len(observations))
	prices := make([]float64, len(observations))
	for i, obs := range observations {
		x[i] = obs.Time().UTC()
		prices[i] = obs.Price.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  ticker + " index price (USD)",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (USD)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    ticker,
				XValues: x,
				YValues: prices,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := fs.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(fs afero.Fs, path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return fs.MkdirAll(dir, 0o755)
}
