package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"deribit-tracker/internal/ingestor"
	"deribit-tracker/internal/storage"
)

// Show prints recent observations, across all tickers or for one.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStoreFn(ctx, true)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	var observations []storage.Observation
	if ticker := strings.ToUpper(strings.TrimSpace(opts.Ticker)); ticker != "" {
		observations, err = store.List(ctx, ticker, 0, opts.Limit)
	} else {
		observations, err = store.ListRecent(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		fmt.Fprintln(a.Out, "no observations found")
		return nil
	}

	loc, err := a.Config.Location()
	if err != nil {
		return err
	}
	return writeObservations(a.Out, observations, loc)
}

func writeObservations(out io.Writer, observations []storage.Observation, loc *time.Location) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTicker\tPrice\tTime\tRecorded")

	for _, obs := range observations {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\n",
			obs.ID,
			obs.Ticker,
			obs.Price.StringFixed(4),
			obs.Time().In(loc).Format(time.RFC3339),
			obs.RecordedAt.In(loc).Format(time.RFC3339),
		)
	}

	return writer.Flush()
}

func writeCycle(out io.Writer, res ingestor.CycleResult, tickers []string) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "cycle %s: %d stored, %d failed in %s\n", res.CycleID, res.Succeeded(), len(res.Failed), res.Duration.Round(time.Millisecond))
	fmt.Fprintln(writer, "Ticker\tPrice\tTimestamp\tStatus")

	stored := make(map[string]storage.Observation, len(res.Stored))
	for _, obs := range res.Stored {
		stored[obs.Ticker] = obs
	}

	ordered := make([]string, len(tickers))
	copy(ordered, tickers)
	sort.Strings(ordered)
	for _, ticker := range ordered {
		if obs, ok := stored[ticker]; ok {
			fmt.Fprintf(writer, "%s\t%s\t%d\tstored\n", ticker, obs.Price.String(), obs.Timestamp)
			continue
		}
		status := "failed"
		if err := res.Failed[ticker]; err != nil {
			status = "failed: " + sanitizeInline(err.Error())
		}
		fmt.Fprintf(writer, "%s\t-\t-\t%s\n", ticker, status)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
