package fetcher

import (
	"context"

	"stream-guardian/internal/selector"
)

// DocumentFetcher retrieves the shared reference price document.
type DocumentFetcher interface {
	FetchDocument(ctx context.Context) (selector.Document, error)
}
