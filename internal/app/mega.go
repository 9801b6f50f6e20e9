package app

import (
	"context"
	"fmt"
	"io"

	"stream-guardian/internal/fetcher"
)

// Mega fetches the reference document once and prints every value matched by
// the aggregate selector, scaled by the configured decimals.
func (a *App) Mega(ctx context.Context, out io.Writer, sel string) error {
	if sel == "" {
		sel = a.Config.Feed.MegaSelector
	}

	doc, err := a.newFeed().FetchDocument(ctx)
	if err != nil {
		return err
	}

	prices, err := fetcher.MegaPrices(doc, sel, a.Config.Feed.MegaDecimal)
	if err != nil {
		return err
	}

	a.Logger.Info().Str("selector", sel).Int("matches", len(prices)).Msg("mega query complete")
	for _, p := range prices {
		if _, err := fmt.Fprintln(out, p.String()); err != nil {
			return err
		}
	}
	return nil
}
