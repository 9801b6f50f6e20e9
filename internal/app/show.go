package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"stream-guardian/internal/storage"
)

// Show prints the most recent trigger submissions.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show triggers")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentTriggers(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeTriggers(out, records)
}

func writeTriggers(out io.Writer, records []storage.TriggerRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no triggers found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Submitted (UTC)\tStream\tSelector\tReason\tStatus\tBlock\tTx\tError")

	for _, rec := range records {
		block := "-"
		if rec.BlockNumber != nil {
			block = strconv.FormatInt(*rec.BlockNumber, 10)
		}
		tx := rec.TxHash
		if tx == "" {
			tx = "-"
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.SubmittedAt.UTC().Format(time.RFC3339),
			rec.Stream,
			rec.Selector,
			rec.Reason,
			rec.Status,
			block,
			tx,
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
