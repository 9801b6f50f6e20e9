package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"stream-guardian/internal/selector"
)

const defaultUserAgent = "stream-guardian/1.0"

// FeedOptions parameterise the reference feed fetcher.
type FeedOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// Feed reads the reference price document over HTTP.
type Feed struct {
	opts   FeedOptions
	logger zerolog.Logger
	client *http.Client
}

// NewFeed constructs a feed fetcher.
func NewFeed(opts FeedOptions, logger zerolog.Logger) *Feed {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Feed{
		opts:   opts,
		logger: logger.With().Str("component", "feed_fetcher").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// FetchDocument performs a single GET of the reference endpoint. Numbers are
// kept as json.Number so no precision is lost before scaling.
func (f *Feed) FetchDocument(ctx context.Context) (selector.Document, error) {
	if strings.TrimSpace(f.opts.URL) == "" {
		return nil, errors.New("feed url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc selector.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode feed document: %w", err)
	}
	if doc == nil {
		return nil, errors.New("feed document is empty")
	}

	f.logger.Debug().Int("bytes", len(payload)).Int("entries", len(doc)).Msg("feed document fetched")
	return doc, nil
}

type errorResponse struct {
	Error  any    `json:"error"`
	Status any    `json:"status"`
	Msg    string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Msg != "" {
			return fmt.Errorf("feed error (%d): %s", status, apiErr.Msg)
		}
		if s, ok := apiErr.Error.(string); ok && s != "" {
			return fmt.Errorf("feed error (%d): %s", status, s)
		}
	}
	if len(payload) > 0 {
		body := strings.TrimSpace(string(payload))
		if len(body) > 256 {
			body = body[:256]
		}
		return fmt.Errorf("feed error (%d): %s", status, body)
	}
	return fmt.Errorf("feed error (%d)", status)
}

var _ DocumentFetcher = (*Feed)(nil)
