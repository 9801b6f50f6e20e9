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

	"github.com/ethereum/go-ethereum/common"
	chart "github.com/wcharczuk/go-chart/v2"

	"stream-guardian/internal/storage"
)

// Export renders one stream's observation history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if !common.IsHexAddress(opts.Stream) {
		return errors.New("--stream must be a stream contract address")
	}
	stream := common.HexToAddress(opts.Stream).Hex()

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

	observations, err := store.ListObservationsBetween(ctx, stream, from, to)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Str("stream", stream).Msg("no observations found for export window")
		return nil
	}

	downsampled := downsample(observations, opts.MaxPoints)
	a.Logger.Info().Str("stream", stream).Int("total", len(observations)).Int("exported", len(downsampled)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeObservationsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
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

func writeObservationsCSV(path string, observations []storage.Observation) error {
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

	header := []string{"cycle_ts", "stream", "selector", "fresh_price", "last_price", "last_updated", "deviation_per_mille", "reason", "triggered", "tx_hash", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range observations {
		txHash := ""
		if obs.TxHash != nil {
			txHash = *obs.TxHash
		}
		errMsg := ""
		if obs.Error != nil {
			errMsg = *obs.Error
		}
		record := []string{
			obs.CycleTS.Format(time.RFC3339),
			obs.Stream,
			obs.Selector,
			obs.FreshPrice.String(),
			obs.LastPrice.String(),
			obs.LastUpdated.Format(time.RFC3339),
			strconv.FormatInt(obs.DeviationPerMille, 10),
			obs.Reason,
			strconv.FormatBool(obs.Triggered),
			txHash,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeObservationsPNG(path string, observations []storage.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(observations))
	fresh := make([]float64, len(observations))
	last := make([]float64, len(observations))
	var triggerX []time.Time
	var triggerY []float64

	for i, obs := range observations {
		x[i] = obs.CycleTS
		fresh[i] = obs.FreshPrice.InexactFloat64()
		last[i] = obs.LastPrice.InexactFloat64()
		if obs.Triggered {
			triggerX = append(triggerX, obs.CycleTS)
			triggerY = append(triggerY, fresh[i])
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Reference",
			XValues: x,
			YValues: fresh,
		},
		chart.TimeSeries{
			Name:    "On-chain",
			XValues: x,
			YValues: last,
		},
	}
	if len(triggerX) > 0 {
		series = append(series, chart.TimeSeries{
			Name: "Trigger",
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    4,
			},
			XValues: triggerX,
			YValues: triggerY,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (scaled)",
			ValueFormatter: priceFormatter,
		},
		Series: series,
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
