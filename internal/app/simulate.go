package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"stream-guardian/internal/deviation"
)

// Simulate runs the trigger decision for the given prices offline and prints
// the outcome. Nothing touches the chain.
func (a *App) Simulate(ctx context.Context, out io.Writer, opts SimulateOptions) error {
	last, err := decimal.NewFromString(opts.Last)
	if err != nil {
		return fmt.Errorf("invalid last price %q: %w", opts.Last, err)
	}
	fresh, err := decimal.NewFromString(opts.Fresh)
	if err != nil {
		return fmt.Errorf("invalid fresh price %q: %w", opts.Fresh, err)
	}
	if opts.PerMille < 0 || opts.PerMille > 1000 {
		return fmt.Errorf("deviation must be within 0..1000 per mille, got %d", opts.PerMille)
	}

	now := time.Now().UTC().Unix()
	decision := deviation.Decide(deviation.Input{
		Fresh:       fresh,
		Last:        last,
		PerMille:    opts.PerMille,
		LastUpdated: now - int64(opts.Age/time.Second),
		Window:      int64(opts.Window / time.Second),
		Now:         now,
	})

	a.Logger.Debug().
		Str("fresh", fresh.String()).
		Str("last", last.String()).
		Int64("deviation_per_mille", opts.PerMille).
		Str("reason", decision.Reason.String()).
		Msg("simulated decision")

	if !decision.Trigger {
		_, err = fmt.Fprintln(out, "no trigger")
		return err
	}
	_, err = fmt.Fprintf(out, "trigger: %s\n", decision.Reason)
	return err
}
